// Package jsonrpc implements the JSON-RPC 2.0 message envelope used by the
// streamable HTTP transport. It deliberately knows nothing about transport
// framing or application methods.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol version this package accepts.
const Version = "2.0"

// Message is a raw, already-serialized JSON-RPC message.
type Message []byte

// AnyMessage is the decoded form of an arbitrary inbound message before its
// kind (request, notification, or response) is known.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a JSON-RPC request when ID is set, a notification when it is nil.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no correlation ID.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response is a JSON-RPC response carrying exactly one of Result or Error.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is the wire-level JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with marshaled params. A nil id produces a
// notification.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: Version, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %q: %w", method, err)
		}
		req.Params = b
	}
	return req, nil
}

// NewNotification builds a notification (a request with no ID).
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// NewResultResponse builds a success response around a marshaled result.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: Version, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response with the given wire code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: Version,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// UnmarshalJSON validates JSON-RPC 2.0 structure while decoding: the version
// marker must match, requests must not carry result/error, and responses must
// carry exactly one of result or error.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type alias AnyMessage
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	switch {
	case hasMethod && (hasResult || hasError):
		return fmt.Errorf("request must not carry result or error")
	case !hasMethod && hasResult && hasError:
		return fmt.Errorf("response must not carry both result and error")
	case !hasMethod && !hasResult && !hasError:
		return fmt.Errorf("response must carry result or error")
	}

	*m = AnyMessage(raw)
	return nil
}

// Kind returns "request", "notification", or "response".
func (m *AnyMessage) Kind() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the request form of the message, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns the response form of the message, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}

// RecoverID makes a best-effort attempt to extract the "id" member from a
// malformed message so a parse-error response can still be correlated. It
// returns nil when no usable id is present.
func RecoverID(data []byte) *RequestID {
	var probe struct {
		ID *RequestID `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	return probe.ID
}
