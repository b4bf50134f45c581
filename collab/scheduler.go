package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"docsync-server/core"

	"github.com/sirupsen/logrus"
)

type SchedulerOptions struct {
	Workers      int
	WriteTimeout time.Duration
}

// SchedulerStats counts what the scheduler did with persist requests.
type SchedulerStats struct {
	Requested int64
	Coalesced int64
	Written   int64
	Failed    int64
}

// Scheduler writes document snapshots to the store off the broadcast path.
//
// Requests are coalesced per document: while a write for an id is queued, a
// newer request replaces its payload. At most one write per id is in flight,
// so writes for one document land in request order. Failed writes are logged
// and dropped; the next request for the id carries the latest content.
type Scheduler struct {
	store   core.DocumentStore
	timeout time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	pending  map[string]string
	inflight map[string]bool
	waiters  map[string][]chan struct{}
	closed   bool

	wg sync.WaitGroup

	requested atomic.Int64
	coalesced atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
}

func NewScheduler(store core.DocumentStore, opt SchedulerOptions) *Scheduler {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 10 * time.Second
	}

	s := &Scheduler{
		store:    store,
		timeout:  opt.WriteTimeout,
		pending:  make(map[string]string),
		inflight: make(map[string]bool),
		waiters:  make(map[string][]chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < opt.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	return s
}

// Persist queues content for documentID and returns immediately.
func (s *Scheduler) Persist(documentID, content string) {
	s.requested.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		logrus.WithField("document_id", documentID).Warn("Persist requested after shutdown, dropping")
		return
	}

	if _, queued := s.pending[documentID]; queued {
		s.pending[documentID] = content
		s.coalesced.Add(1)
		return
	}

	s.pending[documentID] = content
	if !s.inflight[documentID] {
		s.queue = append(s.queue, documentID)
		s.cond.Signal()
	}
}

// Wait blocks until documentID has nothing queued or in flight.
func (s *Scheduler) Wait(ctx context.Context, documentID string) error {
	s.mu.Lock()
	_, queued := s.pending[documentID]
	if !queued && !s.inflight[documentID] {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[documentID] = append(s.waiters[documentID], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.removeWaiter(documentID, ch)
		return ctx.Err()
	}
}

func (s *Scheduler) removeWaiter(documentID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.waiters[documentID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.waiters, documentID)
		return
	}
	s.waiters[documentID] = waiters
}

// waiterCount reports the callers blocked in Wait for documentID.
func (s *Scheduler) waiterCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[documentID])
}

// Close stops accepting requests and waits for queued writes to finish.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Requested: s.requested.Load(),
		Coalesced: s.coalesced.Load(),
		Written:   s.written.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *Scheduler) workerLoop(workerID int) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		documentID := s.queue[0]
		s.queue = s.queue[1:]
		content := s.pending[documentID]
		delete(s.pending, documentID)
		s.inflight[documentID] = true
		s.mu.Unlock()

		s.write(workerID, documentID, content)

		s.mu.Lock()
		delete(s.inflight, documentID)
		if _, more := s.pending[documentID]; more {
			s.queue = append(s.queue, documentID)
			s.cond.Signal()
		} else {
			for _, ch := range s.waiters[documentID] {
				close(ch)
			}
			delete(s.waiters, documentID)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) write(workerID int, documentID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	log := logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"data_length": len(content),
		"worker":      workerID,
	})

	err := s.store.Update(ctx, &core.Document{ID: documentID, Content: content, UpdatedAt: time.Now()})
	if err != nil {
		s.failed.Add(1)
		log.WithError(err).Error("Failed to persist document, dropping write")
		return
	}
	s.written.Add(1)
	log.Debug("Document persisted")
}
