// Package delta models the edit operations clients exchange and the fold
// that turns a change into document content.
//
// Changes arrive in the editor's delta format:
//
//	{"ops":[{"retain":5},{"insert":"Hello"},{"delete":2}]}
//
// A bare op array is accepted as well.
package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrMalformed = errors.New("malformed change")

type Op struct {
	Kind  Kind
	Text  string         // insert text; empty for embeds
	Count int            // retain/delete length
	Attrs map[string]any // formatting, relayed untouched
}

// Change is one client's ordered list of operations since its last sync point.
type Change []Op

// Parse decodes a change from a JSON-decoded value (map, slice) or raw JSON bytes.
func Parse(raw any) (Change, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	case []byte:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Parse(decoded)
	case string:
		return Parse([]byte(v))
	case map[string]any:
		ops, ok := v["ops"]
		if !ok {
			return nil, fmt.Errorf("%w: missing ops", ErrMalformed)
		}
		return Parse(ops)
	case []any:
		change := make(Change, 0, len(v))
		for i, item := range v {
			op, err := parseOp(item)
			if err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			change = append(change, op)
		}
		return change, nil
	default:
		return nil, fmt.Errorf("%w: unexpected payload type %T", ErrMalformed, raw)
	}
}

func parseOp(item any) (Op, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return Op{}, fmt.Errorf("%w: op is %T", ErrMalformed, item)
	}

	var op Op
	if attrs, ok := m["attributes"].(map[string]any); ok {
		op.Attrs = attrs
	}

	if insert, ok := m["insert"]; ok {
		op.Kind = KindInsert
		switch text := insert.(type) {
		case string:
			op.Text = text
		case map[string]any:
			// embed (image, formula); contributes no text
		default:
			return Op{}, fmt.Errorf("%w: insert is %T", ErrMalformed, insert)
		}
		return op, nil
	}

	if retain, ok := m["retain"]; ok {
		op.Kind = KindRetain
		n, err := count(retain)
		if err != nil {
			return Op{}, err
		}
		op.Count = n
		return op, nil
	}

	if del, ok := m["delete"]; ok {
		op.Kind = KindDelete
		n, err := count(del)
		if err != nil {
			return Op{}, err
		}
		op.Count = n
		return op, nil
	}

	return Op{}, fmt.Errorf("%w: op has no insert, retain or delete", ErrMalformed)
}

func count(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative length", ErrMalformed)
		}
		return int(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: negative length", ErrMalformed)
		}
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, fmt.Errorf("%w: bad length %q", ErrMalformed, n.String())
		}
		return int(i), nil
	case map[string]any:
		// retain of an embed counts as one position
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: length is %T", ErrMalformed, v)
	}
}

// Fold returns the content a change produces: its inserted text spans
// concatenated in order. Retain and delete ops carry no text and prior
// content is not consulted, so positional edits are lost. This is the
// last-applied-wins policy of the collaboration core.
func (c Change) Fold() string {
	var sb strings.Builder
	for _, op := range c {
		if op.Kind == KindInsert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// IsBlank reports whether content is empty or whitespace only.
// Blank content is never persisted.
func IsBlank(content string) bool {
	return strings.TrimSpace(content) == ""
}

// FromText renders plain content as a delta the editor can load.
func FromText(content string) map[string]any {
	ops := []any{}
	if content != "" {
		ops = append(ops, map[string]any{"insert": content})
	}
	return map[string]any{"ops": ops}
}

// MarshalJSON encodes the op in the editor's delta format.
func (o Op) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	switch o.Kind {
	case KindInsert:
		m["insert"] = o.Text
	case KindRetain:
		m["retain"] = o.Count
	case KindDelete:
		m["delete"] = o.Count
	default:
		return nil, fmt.Errorf("unknown op kind %q", o.Kind)
	}
	if len(o.Attrs) > 0 {
		m["attributes"] = o.Attrs
	}
	return json.Marshal(m)
}
