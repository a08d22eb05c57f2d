package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code. Negative values in the
// -32768..-32000 range are reserved by the protocol; the -32000..-32099
// band is implementation-defined and hosts the runtime's own taxonomy.
type ErrorCode int

const (
	// ErrorCodeParseError indicates the payload was not valid JSON.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates a structurally invalid envelope.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates no handler is registered for the method.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates the params failed shape validation.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates a handler fault.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined codes.
const (
	// ErrorCodeNotInitialized rejects non-handshake requests on a session
	// that has not completed its handshake.
	ErrorCodeNotInitialized ErrorCode = -32001
	// ErrorCodeSessionNotFound rejects messages addressed to an unknown or
	// expired session.
	ErrorCodeSessionNotFound ErrorCode = -32002
	// ErrorCodeHistoryExpired indicates a resume point that has been evicted
	// from the event log's retention window.
	ErrorCodeHistoryExpired ErrorCode = -32003
	// ErrorCodeTimeout indicates an outbound call exceeded its deadline.
	ErrorCodeTimeout ErrorCode = -32004
	// ErrorCodeCancelled indicates the request was cancelled before completion.
	ErrorCodeCancelled ErrorCode = -32005
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeParseError:
		return "parse error"
	case ErrorCodeInvalidRequest:
		return "invalid request"
	case ErrorCodeMethodNotFound:
		return "method not found"
	case ErrorCodeInvalidParams:
		return "invalid params"
	case ErrorCodeInternalError:
		return "internal error"
	case ErrorCodeNotInitialized:
		return "not initialized"
	case ErrorCodeSessionNotFound:
		return "session not found"
	case ErrorCodeHistoryExpired:
		return "history expired"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}
