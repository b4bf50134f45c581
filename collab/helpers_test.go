package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docsync-server/core"
)

var errOutage = errors.New("storage unavailable")

type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]string
	updates  []string
	creates  int
	failFind map[string]bool
	failPut  map[string]bool
	gate     chan struct{} // when set, Update blocks until it is closed
	started  chan string   // when set, Update reports the id it began writing
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[string]string),
		failFind: make(map[string]bool),
		failPut:  make(map[string]bool),
	}
}

func (f *fakeStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFind[id] {
		return nil, errOutage
	}
	content, ok := f.docs[id]
	if !ok {
		return nil, core.ErrDocumentNotFound
	}
	return &core.Document{ID: id, Content: content}, nil
}

func (f *fakeStore) Create(ctx context.Context, doc *core.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[doc.ID]; ok {
		return core.ErrDocumentExists
	}
	f.creates++
	f.docs[doc.ID] = doc.Content
	return nil
}

func (f *fakeStore) Update(ctx context.Context, doc *core.Document) error {
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- doc.ID
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut[doc.ID] {
		return errOutage
	}
	f.docs[doc.ID] = doc.Content
	f.updates = append(f.updates, doc.Content)
	return nil
}

func (f *fakeStore) ListIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) content(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *fakeStore) set(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = content
}

func (f *fakeStore) setFailPut(id string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut[id] = fail
}

func (f *fakeStore) updateLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type emitted struct {
	event   string
	payload any
}

// recorder collects deliveries. It serves as both a Member and an Emitter.
type recorder struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) SessionID() string { return r.id }

func (r *recorder) Deliver(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event, payload})
}

func (r *recorder) Emit(event string, args ...any) error {
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	r.Deliver(event, payload)
	return nil
}

func (r *recorder) named(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (r *recorder) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

type harness struct {
	store       *fakeStore
	scheduler   *Scheduler
	registry    *Registry
	broadcaster *Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	scheduler := NewScheduler(store, SchedulerOptions{Workers: 2, WriteTimeout: time.Second})
	registry := NewRegistry(store, scheduler)
	h := &harness{
		store:       store,
		scheduler:   scheduler,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, scheduler, nil),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = scheduler.Close(ctx)
	})
	return h
}

func (h *harness) session(t *testing.T, id string, out Emitter, opt SessionOptions) *Session {
	t.Helper()
	s := NewSession(id, out, h.registry, h.broadcaster, opt)
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func insert(text string) []any {
	return []any{map[string]any{"insert": text}}
}
