package merrors

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ErrorCode classifies an error for transport mapping and retry decisions.
type ErrorCode string

const (
	ErrCodeUnknown            ErrorCode = "UNKNOWN"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"
	ErrCodeUnavailable        ErrorCode = "UNAVAILABLE"
	ErrCodeInternal           ErrorCode = "INTERNAL"
)

// MdmError is the error type used across the management core. It carries a
// code alongside the message so callers can branch without string matching.
type MdmError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *MdmError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *MdmError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an MdmError with the same code.
func (e *MdmError) Is(target error) bool {
	var t *MdmError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a new coded error.
func New(code ErrorCode, msg string) *MdmError {
	return &MdmError{Code: code, Message: msg}
}

// Newf creates a new coded error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *MdmError {
	return &MdmError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message. Returns nil when err
// is nil so call sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, msg string) *MdmError {
	if err == nil {
		return nil
	}
	return &MdmError{Code: code, Message: msg, Err: err}
}

// Wrapf wraps an existing error with a code and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *MdmError {
	if err == nil {
		return nil
	}
	return &MdmError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// GetCode extracts the code from an error chain, or ErrCodeUnknown.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}
	var me *MdmError
	if errors.As(err, &me) {
		return me.Code
	}
	return ErrCodeUnknown
}

// ErrorHandler centralizes reporting for recovered panics and surfaced errors.
type ErrorHandler struct {
	OnError func(err *MdmError)
}

// Handle reports an error through the handler if it carries a code.
func (h *ErrorHandler) Handle(err error) {
	if err == nil || h == nil || h.OnError == nil {
		return
	}
	var me *MdmError
	if errors.As(err, &me) {
		h.OnError(me)
		return
	}
	h.OnError(Wrap(err, ErrCodeUnknown, "unclassified error"))
}

// HandlePanic recovers a panic, reports it, and logs the stack. Intended to be
// deferred at repository and handler boundaries.
func (h *ErrorHandler) HandlePanic() {
	if r := recover(); r != nil {
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, false)
		slog.Error("Recovered from panic", "panic", r, "stack", string(buf[:n]))
		if h != nil && h.OnError != nil {
			h.OnError(Newf(ErrCodeInternal, "panic: %v", r))
		}
	}
}
