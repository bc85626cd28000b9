package codex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is returned by DecodeMessage for lines that parse as JSON but
// do not match any message shape. Callers log and drop; the stream continues.
var ErrMalformed = errors.New("codex: malformed message")

// Message is the decoded sum type: *Request, *Response, or *Notification.
type Message interface{ isMessage() }

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

// Encode marshals v and writes it as a single newline-terminated frame.
func Encode(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// DecodeMessage parses one frame and discriminates it by field shape:
// id+method => Request, id+(result|error) => Response, method alone =>
// Notification. A response carrying both result and error is treated as an
// error response (the result is discarded). IDs are kept opaque.
func DecodeMessage(line []byte) (Message, error) {
	var raw struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	hasID := raw.ID != nil
	hasMethod := raw.Method != ""

	switch {
	case hasID && hasMethod:
		return &Request{ID: raw.ID, Method: raw.Method, Params: raw.Params}, nil
	case hasID && raw.Error != nil:
		// error wins over result
		return &Response{ID: raw.ID, Error: raw.Error}, nil
	case hasID && raw.Result != nil:
		return &Response{ID: raw.ID, Result: raw.Result}, nil
	case hasMethod:
		return &Notification{Method: raw.Method, Params: raw.Params}, nil
	}
	return nil, ErrMalformed
}

// NormalizeID maps JSON numeric ids to int64 so they can key a map
// consistently. Non-numeric ids pass through untouched; this is a keying
// convenience only, the wire value is never rewritten.
func NormalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}
