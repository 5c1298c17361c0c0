package dispatch

import (
	"fmt"

	"github.com/streamplex/streamplex/internal/jsonrpc"
)

// Kind classifies a domain error raised by an application handler. Handlers
// return these; the dispatcher alone maps them to wire codes, so application
// code never constructs JSON-RPC error objects.
type Kind int

const (
	// KindInvalidParams rejects the request's parameters.
	KindInvalidParams Kind = iota
	// KindUnavailable signals a temporarily unavailable dependency.
	KindUnavailable
	// KindCapacity signals an exhausted resource budget.
	KindCapacity
	// KindInternal is an unexpected handler failure.
	KindInternal
)

// Error is a typed domain error. Data, when set, travels to the client in the
// error object's data member.
type Error struct {
	Kind    Kind
	Message string
	Data    any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds a domain error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (k Kind) wireCode() jsonrpc.ErrorCode {
	switch k {
	case KindInvalidParams:
		return jsonrpc.ErrorCodeInvalidParams
	case KindUnavailable:
		return jsonrpc.ErrorCodeUnavailable
	case KindCapacity:
		return jsonrpc.ErrorCodeCapacityExceeded
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}
