package websocket

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"docsync-server/collab"
	"docsync-server/delta"

	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const (
	EventGetDocument   = "get-document"
	EventSendChanges   = "send-changes"
	EventSaveDocument  = "save-document"
	EventTextSelection = "text-selection"

	disconnectTimeout = 10 * time.Second
	feedbackTimeout   = 2 * time.Minute
)

var errMissingPayload = errors.New("missing payload")

type ackInvoker func(err error, payload map[string]any)

type Options struct {
	QueueSize int
	Suggester collab.Suggester
}

// SessionAPI is the part of a collab.Session the socket events drive.
type SessionAPI interface {
	SessionID() string
	RequestDocument(ctx context.Context, documentID string) error
	SendChange(ctx context.Context, documentID string, raw any) error
	SaveDocument(ctx context.Context, documentID string, raw any) error
	RequestSuggestion(ctx context.Context, text, instructions string) error
}

// SetupSocketIO builds the socket.io server. It sets no CORS policy of its
// own; the router it is mounted on applies one.
func SetupSocketIO(registry *collab.Registry, broadcaster *collab.Broadcaster, opt Options) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		session := collab.NewSession(string(socket.Id()), socket, registry, broadcaster, collab.SessionOptions{
			QueueSize: opt.QueueSize,
			Suggester: opt.Suggester,
		})
		ctx, cancel := context.WithCancel(context.Background())
		h := &connection{session: session, ctx: ctx}

		logrus.WithField("session_id", session.SessionID()).Info("Client connected")
		if err := session.Connect(ctx); err != nil {
			logrus.WithError(err).WithField("session_id", session.SessionID()).Error("Failed to connect session")
		}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventGetDocument, func(datas ...any) { h.handle(EventGetDocument, datas, h.getDocument) })
		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventSendChanges, func(datas ...any) { h.handle(EventSendChanges, datas, h.sendChanges) })
		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventSaveDocument, func(datas ...any) { h.handle(EventSaveDocument, datas, h.saveDocument) })
		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventTextSelection, func(datas ...any) {
			go h.handle(EventTextSelection, datas, h.textSelection)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			cancel()
			dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer dcancel()
			session.Disconnect(dctx)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

type connection struct {
	session SessionAPI
	ctx     context.Context
}

// handle runs one inbound event. Errors are logged and reported to the
// sender's ack, the connection itself always survives.
func (c *connection) handle(event string, datas []any, fn func(args []any) error) {
	ack, args := extractAck(datas)
	err := fn(args)

	log := logrus.WithFields(logrus.Fields{
		"session_id": c.session.SessionID(),
		"event":      event,
	})
	switch {
	case err == nil:
		log.Debug("Event handled")
	case errors.Is(err, delta.ErrMalformed), errors.Is(err, errMissingPayload):
		log.WithError(err).Warn("Dropping malformed event")
	default:
		log.WithError(err).Warn("Event rejected")
	}

	respondWithAck(ack, ackPayload(err), err)
}

func (c *connection) getDocument(args []any) error {
	id, err := parseDocumentID(args)
	if err != nil {
		return err
	}
	return c.session.RequestDocument(c.ctx, id)
}

func (c *connection) sendChanges(args []any) error {
	id, raw, err := parseChangeArgs(args, false)
	if err != nil {
		return err
	}
	return c.session.SendChange(c.ctx, id, raw)
}

func (c *connection) saveDocument(args []any) error {
	id, raw, err := parseChangeArgs(args, true)
	if err != nil {
		return err
	}
	return c.session.SaveDocument(c.ctx, id, raw)
}

func (c *connection) textSelection(args []any) error {
	text, instructions, err := parseSelectionArgs(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, feedbackTimeout)
	defer cancel()
	return c.session.RequestSuggestion(ctx, text, instructions)
}

func parseDocumentID(args []any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: document id is required", errMissingPayload)
	}

	var id string
	switch v := args[0].(type) {
	case string:
		id = v
	case map[string]any:
		id = stringField(v, "documentId", "document_id", "id")
	}
	if id == "" {
		return "", collab.ErrEmptyDocumentID
	}
	return id, nil
}

// parseChangeArgs accepts {documentId, change}, {document_id, delta},
// a bare delta followed by an optional document id, and, for saves,
// {documentId, content} with plain text.
func parseChangeArgs(args []any, allowContent bool) (documentID string, raw any, err error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: change is required", errMissingPayload)
	}

	if m, ok := args[0].(map[string]any); ok {
		documentID = stringField(m, "documentId", "document_id")
		switch {
		case m["change"] != nil:
			raw = m["change"]
		case m["delta"] != nil:
			raw = m["delta"]
		case allowContent && m["content"] != nil:
			content, ok := m["content"].(string)
			if !ok {
				return "", nil, fmt.Errorf("%w: content is %T", delta.ErrMalformed, m["content"])
			}
			raw = delta.FromText(content)
		case m["ops"] != nil:
			raw = m
		}
	} else {
		raw = args[0]
	}

	if documentID == "" && len(args) > 1 {
		documentID, _ = args[1].(string)
	}
	if raw == nil {
		return "", nil, fmt.Errorf("%w: change is required", errMissingPayload)
	}
	return documentID, raw, nil
}

func parseSelectionArgs(args []any) (text, instructions string, err error) {
	if len(args) == 0 {
		return "", "", fmt.Errorf("%w: text is required", errMissingPayload)
	}

	switch v := args[0].(type) {
	case map[string]any:
		text = stringField(v, "text")
		instructions = stringField(v, "changes", "instructions")
	case string:
		text = v
		if len(args) > 1 {
			instructions, _ = args[1].(string)
		}
	}
	if text == "" {
		return "", "", fmt.Errorf("%w: text is required", errMissingPayload)
	}
	return text, instructions, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func ackPayload(err error) map[string]any {
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return map[string]any{"status": "ok"}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		if typ.IsVariadic() && typ.NumIn() == 1 {
			value.Call([]reflect.Value{reflect.ValueOf(payload)})
			return
		}
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			var v any
			switch {
			case typ.NumIn() == 1 && err != nil:
				v = err
			case typ.NumIn() == 1, i == 1:
				v = payload
			case i == 0:
				v = err
			}
			args[i] = coerceValue(v, typ.In(i))
		}
		if typ.IsVariadic() {
			value.CallSlice(args)
			return
		}
		value.Call(args)
	}
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	case targetType.Kind() == reflect.Slice && targetType.Elem().Kind() == reflect.Interface:
		return reflect.ValueOf([]any{value})
	}
	return reflect.Zero(targetType)
}

func respondWithAck(ack ackInvoker, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
}
