// Package message defines the envelope exchanged by both peers of a connection.
//
// Every frame carries one JSON object, and the keys present decide what it is:
//
//	{"id":"-1","method":"GetValue","params":["ns.key"]}   request (a reply is expected)
//	{"method":"Message","params":[{"Channel":"warning"}]}  notification (no reply)
//	{"id":"-1","result":"hello"}                           success reply
//	{"id":"-1","error":{"code":-32601,"message":"..."}}    error reply
//
// The package does not interpret params or result payloads; they stay raw JSON
// until a handler or caller decodes them.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the classification of a decoded frame.
type Kind int

const (
	KindInvalid      Kind = iota // Not an object, or an object that is neither call nor reply
	KindRequest                  // Has method and id
	KindNotification             // Has method, no id
	KindReply                    // No method, has id
	KindBatch                    // Top-level array, not supported by this protocol
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindReply:
		return "reply"
	case KindBatch:
		return "batch"
	default:
		return "invalid"
	}
}

var (
	ErrEmpty     = errors.New("message: empty frame")
	ErrNoID      = errors.New("message: frame has neither method nor id")
	ErrBadID     = errors.New("message: id must be a string or a number")
	ErrNotObject = errors.New("message: frame is not an object or array")
)

var null = []byte("null")

// Message carries a single call or reply.
//
//   - Call frame:  Method is set, Params holds an array or object, ID is empty for notifications.
//   - Reply frame: Method is empty, ID echoes the request, exactly one of Result / Error is set.
type Message struct {
	ID     ID              `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewRequest builds a call frame that expects a reply under id.
func NewRequest(id ID, method string, params json.RawMessage) *Message {
	return &Message{ID: id, Method: method, Params: params}
}

// NewNotification builds a call frame without id.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Method: method, Params: params}
}

// NewResult builds a success reply. A nil result is sent as JSON null.
func NewResult(id ID, result json.RawMessage) *Message {
	if len(result) == 0 {
		result = null
	}
	return &Message{ID: id, Result: result}
}

// NewErrorReply builds an error reply.
func NewErrorReply(id ID, err *Error) *Message {
	return &Message{ID: id, Error: err}
}

// IsCall reports whether m invokes a method.
func (m *Message) IsCall() bool {
	return m.Method != ""
}

// Encode serializes m into the JSON text that goes on the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one frame and classifies it. Classification is by key presence:
// a "method" key makes it a call regardless of its value, otherwise an "id" makes
// it a reply. Batches are reported as KindBatch and not decoded.
func Decode(data []byte) (*Message, Kind, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, KindInvalid, ErrEmpty
	}
	if trimmed[0] == '[' {
		return nil, KindBatch, nil
	}
	if trimmed[0] != '{' {
		return nil, KindInvalid, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, KindInvalid, fmt.Errorf("message: %w", err)
	}

	msg := &Message{}
	if raw, ok := fields["id"]; ok && !isNull(raw) {
		if raw[0] != '"' && raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
			return nil, KindInvalid, ErrBadID
		}
		msg.ID = ID(raw)
	}

	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &msg.Method); err != nil {
			return msg, KindInvalid, fmt.Errorf("message: method: %w", err)
		}
		msg.Params = fields["params"]
		if msg.ID.IsZero() {
			return msg, KindNotification, nil
		}
		return msg, KindRequest, nil
	}

	if msg.ID.IsZero() {
		return msg, KindInvalid, ErrNoID
	}

	if raw, ok := fields["error"]; ok && !isNull(raw) {
		msg.Error = new(Error)
		if err := json.Unmarshal(raw, msg.Error); err != nil {
			return msg, KindInvalid, fmt.Errorf("message: error: %w", err)
		}
		return msg, KindReply, nil
	}

	msg.Result = fields["result"]
	if len(msg.Result) == 0 {
		msg.Result = null
	}
	return msg, KindReply, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, null)
}
