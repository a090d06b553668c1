package omx

import "fmt"

// ErrorCode is a component error code.
type ErrorCode uint32

const (
	ErrorInsufficientResources   ErrorCode = 0x80001000
	ErrorUndefined               ErrorCode = 0x80001001
	ErrorComponentNotFound       ErrorCode = 0x80001003
	ErrorBadParameter            ErrorCode = 0x80001005
	ErrorNotImplemented          ErrorCode = 0x80001006
	ErrorIncorrectStateOperation ErrorCode = 0x80001018
	ErrorStreamCorrupt           ErrorCode = 0x8000101B
	ErrorPortsNotCompatible      ErrorCode = 0x8000101C
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInsufficientResources:
		return "insufficient resources"
	case ErrorUndefined:
		return "undefined"
	case ErrorComponentNotFound:
		return "component not found"
	case ErrorBadParameter:
		return "bad parameter"
	case ErrorNotImplemented:
		return "not implemented"
	case ErrorIncorrectStateOperation:
		return "incorrect state operation"
	case ErrorStreamCorrupt:
		return "stream corrupt"
	case ErrorPortsNotCompatible:
		return "ports not compatible"
	default:
		return fmt.Sprintf("0x%08x", uint32(c))
	}
}

// Error is returned by component calls and carried by EventError.
type Error struct {
	Code ErrorCode
	Op   string
}

// NewError builds an Error for op.
func NewError(op string, code ErrorCode) *Error {
	return &Error{Code: code, Op: op}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("omx: %s", e.Code)
	}
	return fmt.Sprintf("omx %s: %s", e.Op, e.Code)
}
