package protocol

import (
	"errors"
	"fmt"
)

// Code is a wire error code.
type Code string

const (
	CodeMalformed         Code = "malformed"
	CodeUnknownOp         Code = "unknown_op"
	CodeDenied            Code = "denied"
	CodeNotOwner          Code = "not_owner"
	CodeExpired           Code = "expired"
	CodeAlreadyHeld       Code = "already_held"
	CodeInvalidTransition Code = "invalid_transition"
	CodeActuationFailed   Code = "actuation_failed"
	CodeSensorFailed      Code = "sensor_failed"
)

// Kind groups error codes by how a caller should react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol: the request was malformed. The connection stays usable.
	KindProtocol
	// KindSession: the caller does not hold the session and must re-acquire.
	KindSession
	// KindTransition: the line already has the requested level.
	KindTransition
	// KindHardware: a pin write or sensor read failed or timed out.
	KindHardware
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindSession:
		return "session"
	case KindTransition:
		return "transition"
	case KindHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// KindOf classifies a code.
func KindOf(c Code) Kind {
	switch c {
	case CodeMalformed, CodeUnknownOp:
		return KindProtocol
	case CodeDenied, CodeNotOwner, CodeExpired, CodeAlreadyHeld:
		return KindSession
	case CodeInvalidTransition:
		return KindTransition
	case CodeActuationFailed, CodeSensorFailed:
		return KindHardware
	default:
		return KindUnknown
	}
}

// Error is an error reported by the authority.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Kind returns the error's group.
func (e *Error) Kind() Kind {
	return KindOf(e.Code)
}

// Is matches another *Error with the same code, so the sentinels below work
// with errors.Is regardless of Detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrMalformed         = &Error{Code: CodeMalformed}
	ErrUnknownOp         = &Error{Code: CodeUnknownOp}
	ErrDenied            = &Error{Code: CodeDenied}
	ErrNotOwner          = &Error{Code: CodeNotOwner}
	ErrExpired           = &Error{Code: CodeExpired}
	ErrAlreadyHeld       = &Error{Code: CodeAlreadyHeld}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrActuationFailed   = &Error{Code: CodeActuationFailed}
	ErrSensorFailed      = &Error{Code: CodeSensorFailed}
)

// Errorf builds an *Error with a formatted detail.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ErrorResponse builds the response for err. Errors that are not *Error are
// reported as malformed.
func ErrorResponse(id uint64, err error) Response {
	var pe *Error
	if errors.As(err, &pe) {
		return Response{ID: id, Error: pe.Code, Detail: pe.Detail}
	}
	return Response{ID: id, Error: CodeMalformed, Detail: err.Error()}
}
