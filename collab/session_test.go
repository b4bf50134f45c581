package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"docsync-server/delta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeSuggester struct {
	reply string
	err   error
}

func (f fakeSuggester) Process(ctx context.Context, text, instructions string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply + ": " + text + " / " + instructions, nil
}

// blockingEmitter never finishes an Emit until released.
type blockingEmitter struct {
	release chan struct{}
}

func (b *blockingEmitter) Emit(event string, args ...any) error {
	<-b.release
	return nil
}

func connectAndJoin(t *testing.T, s *Session, documentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.RequestDocument(ctx, documentID))
}

func TestSession_ConnectSendsDocumentList(t *testing.T) {
	h := newHarness(t)
	h.store.set("beta", "")
	h.store.set("alpha", "")

	out := &recorder{}
	s := h.session(t, "a", out, SessionOptions{})
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(out.named(EventDocumentList)) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"alpha", "beta"}, out.named(EventDocumentList)[0])
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_StateTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "a", &recorder{}, SessionOptions{})

	assert.ErrorIs(t, s.RequestDocument(ctx, "doc"), ErrNotConnected)
	require.NoError(t, s.Connect(ctx))
	assert.ErrorIs(t, s.SendChange(ctx, "", insert("x")), ErrNotJoined)

	require.NoError(t, s.RequestDocument(ctx, "doc"))
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, "doc", s.DocumentID())

	assert.ErrorIs(t, s.SendChange(ctx, "other", insert("x")), ErrWrongDocument)
	assert.NoError(t, s.SendChange(ctx, "", insert("x")))
	assert.NoError(t, s.SendChange(ctx, "doc", insert("y")))

	s.Disconnect(ctx)
	s.Disconnect(ctx)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Connect(ctx), ErrSessionClosed)
	assert.ErrorIs(t, s.RequestDocument(ctx, "doc"), ErrSessionClosed)
	assert.ErrorIs(t, s.SendChange(ctx, "doc", insert("z")), ErrSessionClosed)
	assert.Empty(t, h.registry.ActiveRooms())
}

func TestSession_LoadDocumentDeliveredOncePerJoin(t *testing.T) {
	h := newHarness(t)
	h.store.set("doc", "hello")
	out := &recorder{}
	s := h.session(t, "a", out, SessionOptions{})
	connectAndJoin(t, s, "doc")

	require.Eventually(t, func() bool {
		return len(out.named(EventLoadDocument)) == 1
	}, waitFor, tick)
	assert.Equal(t, delta.FromText("hello"), out.named(EventLoadDocument)[0])

	events := out.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventDocumentList, events[0].event)
	assert.Equal(t, EventLoadDocument, events[1].event)
}

func TestSession_SwitchingDocumentsLeavesPriorRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outA, outB := &recorder{}, &recorder{}
	a := h.session(t, "a", outA, SessionOptions{})
	b := h.session(t, "b", outB, SessionOptions{})
	connectAndJoin(t, a, "one")
	connectAndJoin(t, b, "one")

	require.NoError(t, a.RequestDocument(ctx, "two"))
	assert.Equal(t, map[string]int{"one": 1, "two": 1}, h.registry.ActiveRooms())

	require.NoError(t, b.SendChange(ctx, "one", insert("only b")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, outA.named(EventReceiveChanges))
}

func TestSession_EmptyDocumentIDKeepsCurrentRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, "a", &recorder{}, SessionOptions{})
	connectAndJoin(t, s, "doc1")
	require.NoError(t, s.SendChange(ctx, "", insert("kept")))

	assert.ErrorIs(t, s.RequestDocument(ctx, ""), ErrEmptyDocumentID)
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, "doc1", s.DocumentID())
	assert.Equal(t, map[string]int{"doc1": 1}, h.registry.ActiveRooms())

	s.Disconnect(ctx)
	assert.Empty(t, h.registry.ActiveRooms(), "disconnect must leave the room")
	require.NoError(t, h.scheduler.Wait(ctx, "doc1"))
	assert.Equal(t, "kept", h.store.content("doc1"))
}

// A and B edit doc1; A leaves and B keeps persisting.
func TestScenario_SharedEditing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outA, outB := &recorder{}, &recorder{}
	a := h.session(t, "a", outA, SessionOptions{})
	b := h.session(t, "b", outB, SessionOptions{})
	connectAndJoin(t, a, "doc1")
	connectAndJoin(t, b, "doc1")

	raw := []any{map[string]any{"insert": "Hi"}}
	require.NoError(t, a.SendChange(ctx, "doc1", raw))

	require.Eventually(t, func() bool {
		return len(outB.named(EventReceiveChanges)) == 1
	}, waitFor, tick)
	assert.Equal(t, raw, outB.named(EventReceiveChanges)[0])

	require.Eventually(t, func() bool {
		return h.store.content("doc1") == "Hi"
	}, waitFor, tick)

	a.Disconnect(ctx)
	require.NoError(t, b.SendChange(ctx, "doc1", insert("Hi there")))

	require.Eventually(t, func() bool {
		return h.store.content("doc1") == "Hi there"
	}, waitFor, tick)
	assert.Empty(t, outA.named(EventReceiveChanges))
}

// The last member leaving doc2 discards the room; the next join reads the store.
func TestScenario_FreshLoadAfterEviction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.session(t, "a", &recorder{}, SessionOptions{})
	connectAndJoin(t, a, "doc2")
	require.NoError(t, a.SendChange(ctx, "doc2", insert("draft")))
	a.Disconnect(ctx)

	require.NoError(t, h.scheduler.Wait(ctx, "doc2"))
	assert.Equal(t, "draft", h.store.content("doc2"))

	h.store.set("doc2", "edited elsewhere")

	outB := &recorder{}
	b := h.session(t, "b", outB, SessionOptions{})
	connectAndJoin(t, b, "doc2")

	require.Eventually(t, func() bool {
		return len(outB.named(EventLoadDocument)) == 1
	}, waitFor, tick)
	assert.Equal(t, delta.FromText("edited elsewhere"), outB.named(EventLoadDocument)[0])
}

// A storage outage on doc3 never interrupts the room.
func TestScenario_StoreOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outB := &recorder{}
	a := h.session(t, "a", &recorder{}, SessionOptions{})
	b := h.session(t, "b", outB, SessionOptions{})
	connectAndJoin(t, a, "doc3")
	connectAndJoin(t, b, "doc3")

	h.store.setFailPut("doc3", true)
	require.NoError(t, a.SendChange(ctx, "doc3", insert("during outage")))

	require.Eventually(t, func() bool {
		return len(outB.named(EventReceiveChanges)) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return h.scheduler.Stats().Failed >= 1
	}, waitFor, tick)

	snap, ok := h.registry.Snapshot("doc3")
	require.True(t, ok)
	assert.Equal(t, "during outage", snap.Content)

	h.store.setFailPut("doc3", false)
	require.NoError(t, b.SendChange(ctx, "doc3", insert("after recovery")))

	require.Eventually(t, func() bool {
		return h.store.content("doc3") == "after recovery"
	}, waitFor, tick)
}

func TestSession_SlowConsumerDoesNotStallRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	slowOut := &blockingEmitter{release: make(chan struct{})}
	defer close(slowOut.release)

	fastOut := &recorder{}
	slow := h.session(t, "slow", slowOut, SessionOptions{QueueSize: 2})
	fast := h.session(t, "fast", fastOut, SessionOptions{})
	writer := h.session(t, "writer", &recorder{}, SessionOptions{})
	connectAndJoin(t, slow, "doc")
	connectAndJoin(t, fast, "doc")
	connectAndJoin(t, writer, "doc")

	const n = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			assert.NoError(t, writer.SendChange(ctx, "doc", insert("x")))
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("broadcast blocked on a slow member")
	}

	require.Eventually(t, func() bool {
		return len(fastOut.named(EventReceiveChanges)) == n
	}, waitFor, tick)
	assert.Greater(t, slow.Dropped(), int64(0))
}

func TestSession_RequestSuggestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := &recorder{}
	s := h.session(t, "a", out, SessionOptions{Suggester: fakeSuggester{reply: "better"}})
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.RequestSuggestion(ctx, "teh cat", "fix typos"))

	require.Eventually(t, func() bool {
		return len(out.named(EventTextSuggestion)) == 1
	}, waitFor, tick)
	assert.Equal(t, map[string]any{"suggestions": "better: teh cat / fix typos"}, out.named(EventTextSuggestion)[0])
}

func TestSession_RequestSuggestionFailureIsGeneric(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outA, outB := &recorder{}, &recorder{}
	a := h.session(t, "a", outA, SessionOptions{Suggester: fakeSuggester{err: errors.New("upstream 500: secret detail")}})
	b := h.session(t, "b", outB, SessionOptions{})
	connectAndJoin(t, a, "doc")
	connectAndJoin(t, b, "doc")

	assert.Error(t, a.RequestSuggestion(ctx, "text", "shorter"))

	require.Eventually(t, func() bool {
		return len(outA.named(EventTextSuggestion)) == 1
	}, waitFor, tick)
	reply := outA.named(EventTextSuggestion)[0].(map[string]any)
	assert.Equal(t, "", reply["suggestions"])
	assert.NotContains(t, reply["error"], "secret")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, outB.named(EventTextSuggestion))
}

func TestSession_NoEventsAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	out := &recorder{}
	s := h.session(t, "a", out, SessionOptions{})
	connectAndJoin(t, s, "doc")
	require.Eventually(t, func() bool { return len(out.all()) == 2 }, waitFor, tick)

	s.Disconnect(context.Background())
	s.Deliver(EventReceiveChanges, insert("late"))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.all(), 2)
}
