package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

// Standard JSON-RPC 2.0 codes.
const (
	// ErrorCodeParseError indicates the server received invalid JSON.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the message is not a valid request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates no handler is registered for the method.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates the handler rejected the parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an unclassified server-side failure.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-defined codes in the reserved -32000..-32099 range. These are owned
// by the dispatcher's conversion boundary; handler code never emits them.
const (
	// ErrorCodeSessionNotFound covers unknown, expired, and removed sessions.
	ErrorCodeSessionNotFound ErrorCode = -32001
	// ErrorCodeLifecycleViolation covers operations attempted before the
	// client's initialized acknowledgment in strict lifecycle mode.
	ErrorCodeLifecycleViolation ErrorCode = -32002
	// ErrorCodeCapacityExceeded covers stream and subscriber limits.
	ErrorCodeCapacityExceeded ErrorCode = -32003
	// ErrorCodeUnavailable covers exhausted retries against the session store.
	ErrorCodeUnavailable ErrorCode = -32004
)
