package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const DefaultQueueSize = 256

// Emitter is the client side of a connection. A socket.io socket satisfies it.
type Emitter interface {
	Emit(event string, args ...any) error
}

// Suggester produces text feedback for a selection.
type Suggester interface {
	Process(ctx context.Context, text, instructions string) (string, error)
}

type SessionOptions struct {
	QueueSize int
	Suggester Suggester
}

type outbound struct {
	event   string
	payload any
}

// Session is one client connection. Inbound calls are serialized; outbound
// events go through a bounded queue drained by a single writer goroutine, and
// are dropped when the queue is full so a slow client never stalls its room.
type Session struct {
	id          string
	out         Emitter
	registry    *Registry
	broadcaster *Broadcaster
	suggester   Suggester

	mu         sync.Mutex
	state      State
	documentID string

	queue   chan outbound
	done    chan struct{}
	dropped atomic.Int64
}

func NewSession(id string, out Emitter, registry *Registry, broadcaster *Broadcaster, opt SessionOptions) *Session {
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	s := &Session{
		id:          id,
		out:         out,
		registry:    registry,
		broadcaster: broadcaster,
		suggester:   opt.Suggester,
		queue:       make(chan outbound, opt.QueueSize),
		done:        make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DocumentID returns the joined document, or "" when not joined.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Dropped reports how many outbound events were discarded.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Connect moves the session to Connected and sends the document list.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateDisconnected:
	default:
		return nil
	}
	s.state = StateConnected

	ids, err := s.registry.ListDocumentIDs(ctx)
	if err != nil {
		logrus.WithError(err).WithField("session_id", s.id).Error("Failed to list documents")
		ids = []string{}
	}
	s.Deliver(EventDocumentList, ids)
	return nil
}

// RequestDocument joins the room for documentID, leaving any other room
// first. The snapshot is delivered as load-document.
func (s *Session) RequestDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state == StateDisconnected {
		return ErrNotConnected
	}

	if documentID == "" {
		return ErrEmptyDocumentID
	}

	if _, err := s.registry.Join(ctx, documentID, s); err != nil {
		// the registry knows whether the old room was left before the failure
		if current, ok := s.registry.documentOf(s.id); ok {
			s.state = StateJoined
			s.documentID = current
		} else {
			s.state = StateConnected
			s.documentID = ""
		}
		return err
	}
	s.state = StateJoined
	s.documentID = documentID
	return nil
}

// SendChange applies raw to the joined document and relays it to the room.
// An empty documentID means the joined document.
func (s *Session) SendChange(ctx context.Context, documentID string, raw any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.targetLocked(documentID)
	if err != nil {
		return err
	}
	return s.broadcaster.ApplyChange(ctx, target, s, raw)
}

// SaveDocument folds raw into the joined document's snapshot without relaying it.
func (s *Session) SaveDocument(ctx context.Context, documentID string, raw any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.targetLocked(documentID)
	if err != nil {
		return err
	}
	return s.broadcaster.SaveDocument(ctx, target, s, raw)
}

// RequestSuggestion runs the selection through the suggester and replies with
// text-suggestion. Failures reach the client as a generic message.
func (s *Session) RequestSuggestion(ctx context.Context, text, instructions string) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	log := logrus.WithFields(logrus.Fields{
		"session_id":  s.id,
		"text_length": len(text),
	})

	if s.suggester == nil {
		log.Warn("Text feedback requested but no processor is configured")
		s.Deliver(EventTextSuggestion, map[string]any{"suggestions": "", "error": "Text feedback is not available"})
		return nil
	}

	suggestion, err := s.suggester.Process(ctx, text, instructions)
	if err != nil {
		log.WithError(err).Error("Failed to process text feedback")
		s.Deliver(EventTextSuggestion, map[string]any{"suggestions": "", "error": "Failed to process text"})
		return err
	}

	log.Info("Text feedback delivered")
	s.Deliver(EventTextSuggestion, map[string]any{"suggestions": suggestion})
	return nil
}

// Disconnect leaves the current room and stops delivery. It is terminal and
// safe to call more than once.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	if s.state == StateJoined {
		s.registry.Leave(ctx, s)
	}
	s.state = StateClosed
	s.documentID = ""
	close(s.done)

	logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"dropped":    s.dropped.Load(),
	}).Info("Session disconnected")
}

// Deliver queues an event for the client without blocking. Events for a
// closed session, or beyond the queue capacity, are dropped.
func (s *Session) Deliver(event string, payload any) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- outbound{event: event, payload: payload}:
	default:
		n := s.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"session_id": s.id,
			"event":      event,
			"dropped":    n,
		}).Warn("Outbound queue full, dropping event")
	}
}

func (s *Session) targetLocked(documentID string) (string, error) {
	switch s.state {
	case StateClosed:
		return "", ErrSessionClosed
	case StateJoined:
	default:
		return "", ErrNotJoined
	}
	if documentID == "" {
		return s.documentID, nil
	}
	if documentID != s.documentID {
		return "", fmt.Errorf("%w: joined %s, got %s", ErrWrongDocument, s.documentID, documentID)
	}
	return documentID, nil
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			if err := s.out.Emit(ev.event, ev.payload); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"session_id": s.id,
					"event":      ev.event,
				}).Warn("Failed to emit event")
			}
		}
	}
}
