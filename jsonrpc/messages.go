// Package jsonrpc implements the JSON-RPC 2.0 message envelope used by the
// relay runtime: a tagged union over requests, notifications, and responses
// with a validating decoder and the runtime's error-code taxonomy.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Decode failure classes. Transport and session layers branch on these to
// pick the right error code for a reply.
var (
	// ErrParse marks payloads that are not valid JSON at all.
	ErrParse = errors.New("jsonrpc: parse error")
	// ErrInvalid marks well-formed JSON that violates envelope structure,
	// including correlation-shape violations on responses.
	ErrInvalid = errors.New("jsonrpc: invalid message")
)

// MessageKind discriminates the three envelope shapes.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindNotification
	KindResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a generic JSON-RPC envelope. Exactly one of the three kinds is
// populated after a successful decode; use Kind to discriminate.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Decode parses and validates a single envelope. Failures wrap ErrParse or
// ErrInvalid so callers can map them to the protocol's error codes.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &m, nil
}

// UnmarshalJSON enforces JSON-RPC 2.0 envelope structure:
//   - version must be "2.0"
//   - a message with a method must not carry result or error
//   - a message without a method must carry an id field and exactly one of
//     result or error; an explicit "id": null is accepted, marking an error
//     reply to a request whose id could not be read
func (m *Message) UnmarshalJSON(data []byte) error {
	type rawMessage Message

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("%w: version %q", ErrInvalid, raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("%w: request carries result or error", ErrInvalid)
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("%w: response carries both result and error", ErrInvalid)
		}
		if !hasResult && !hasError {
			return fmt.Errorf("%w: response carries neither result nor error", ErrInvalid)
		}
		if raw.ID == nil {
			return fmt.Errorf("%w: response without id", ErrInvalid)
		}
	}

	*m = Message(raw)
	return nil
}

// SplitBatch splits a frame into its member envelopes without validating
// them. A non-array frame yields a single element; an empty batch wraps
// ErrInvalid. Members are decoded individually so one bad envelope does not
// poison the rest of the batch.
func SplitBatch(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []json.RawMessage{data}, nil
	}
	var members []json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalid)
	}
	return members, nil
}

// Kind reports the envelope shape. Only meaningful on a validated message.
func (m *Message) Kind() MessageKind {
	if m.Method != "" {
		if m.ID.IsNil() {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

// NewRequest builds a request envelope. Params may be nil.
func NewRequest(id *RequestID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPCVersion: ProtocolVersion, Method: method, Params: raw, ID: id}, nil
}

// NewNotification builds a notification envelope. Params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPCVersion: ProtocolVersion, Method: method, Params: raw}, nil
}

// NewResultResponse builds a successful response envelope.
func NewResultResponse(id *RequestID, result any) (*Message, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPCVersion: ProtocolVersion, Result: resultBytes, ID: id}, nil
}

// NewErrorResponse builds an error response envelope. A nil id yields
// "id": null on the wire, the reply shape for requests whose id could not
// be read.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Message {
	if id == nil {
		id = &RequestID{}
	}
	return &Message{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}
