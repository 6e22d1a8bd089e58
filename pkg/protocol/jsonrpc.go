package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// JSONRPCVersion is the version stamped on messages built by the gateway
	JSONRPCVersion = "2.0"
)

// Well-known methods the gateway issues on its own behalf.
const (
	MethodPing      = "ping"
	MethodListTools = "tools/list"
)

// Kind classifies a message by the fields it carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// ErrNotObject is returned by Parse for frames that are not a single JSON object.
var ErrNotObject = errors.New("frame is not a JSON object")

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is one JSON-RPC shaped frame. Frames received from clients or
// backends keep their original bytes so that relaying never rewrites fields
// the gateway does not understand; only id rewriting re-encodes them.
type Message struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error

	raw []byte
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Parse decodes a single frame. The jsonrpc version field is not required.
func Parse(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, err
	}

	raw := make([]byte, len(trimmed))
	copy(raw, trimmed)

	return &Message{
		ID:     w.ID,
		Method: w.Method,
		Params: w.Params,
		Result: w.Result,
		Error:  w.Error,
		raw:    raw,
	}, nil
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Kind classifies the message.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID():
		return KindResponse
	default:
		return KindInvalid
	}
}

// CorrelationKey returns the id in a form usable as a map key. The number 1
// and the string "1" produce different keys.
func (m *Message) CorrelationKey() string {
	return CorrelationKey(m.ID)
}

// CorrelationKey normalises a raw id.
func CorrelationKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

// Raw returns the encoded frame.
func (m *Message) Raw() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return json.Marshal(m.wire())
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return m.Raw()
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// WithID returns a copy of the message whose id is replaced. Unknown fields
// of a received frame are preserved.
func (m *Message) WithID(id json.RawMessage) (*Message, error) {
	out := *m
	out.ID = append(json.RawMessage(nil), id...)
	if m.raw == nil {
		return &out, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.raw, &fields); err != nil {
		return nil, err
	}
	fields["id"] = out.ID
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out.raw = raw
	return &out, nil
}

func (m *Message) wire() wireMessage {
	return wireMessage{
		JSONRPC: JSONRPCVersion,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
}

// EncodeID marshals an id value into its raw form.
func EncodeID(id interface{}) (json.RawMessage, error) {
	if raw, ok := id.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal id: %w", err)
	}
	return data, nil
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id interface{}, method string, params interface{}) (*Message, error) {
	rawID, err := EncodeID(id)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Message{ID: rawID, Method: method, Params: paramsJSON}, nil
}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Message, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Message{Method: method, Params: paramsJSON}, nil
}

// NewResponse creates a new JSON-RPC 2.0 success response
func NewResponse(id json.RawMessage, result interface{}) (*Message, error) {
	resultJSON, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if resultJSON == nil {
		resultJSON = json.RawMessage("null")
	}
	return &Message{ID: id, Result: resultJSON}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) *Message {
	dataJSON, err := marshalOptional(data)
	if err != nil {
		dataJSON = nil
	}
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
