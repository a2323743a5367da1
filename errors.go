package vscsi

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// noLUN marks an Error that is not tied to a logical unit
const noLUN = ^uint32(0)

// Error represents a structured vscsi error with context and errno mapping
type Error struct {
	Op    string         // Operation that failed (e.g., "ENQUEUE_FLUSH", "COMPLETE")
	LUN   uint32         // Logical unit (noLUN if not applicable)
	Code  VscsiErrorCode // High-level error category
	Errno syscall.Errno  // Errno reported by the backend (0 if not applicable)
	Msg   string         // Human-readable message
	Inner error          // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.LUN != noLUN {
		parts = append(parts, fmt.Sprintf("lun=%d", e.LUN))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("vscsi: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return "vscsi: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel VscsiError values and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ve, ok := target.(VscsiError); ok {
		return e.Code == VscsiErrorCode(ve)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// VscsiErrorCode represents high-level error categories
type VscsiErrorCode string

const (
	ErrCodeOutOfMemory       VscsiErrorCode = "out of I/O request slots"
	ErrCodeBackend           VscsiErrorCode = "backend rejected request"
	ErrCodeInvalidHandle     VscsiErrorCode = "invalid I/O request handle"
	ErrCodeNotSupported      VscsiErrorCode = "not supported"
	ErrCodeInvalidParameters VscsiErrorCode = "invalid parameters"
	ErrCodeLUNNotFound       VscsiErrorCode = "LUN not found"
	ErrCodeLUNExists         VscsiErrorCode = "LUN already attached"
	ErrCodeDeviceBusy        VscsiErrorCode = "device busy"
	ErrCodeIOError           VscsiErrorCode = "I/O error"
	ErrCodeTimeout           VscsiErrorCode = "timeout"
	ErrCodeClosed            VscsiErrorCode = "closed"
)

// VscsiError is a sentinel error matching every *Error with the same code
type VscsiError string

func (e VscsiError) Error() string {
	return "vscsi: " + string(e)
}

// Sentinel errors for errors.Is
const (
	ErrOutOfMemory       VscsiError = VscsiError(ErrCodeOutOfMemory)
	ErrBackend           VscsiError = VscsiError(ErrCodeBackend)
	ErrInvalidHandle     VscsiError = VscsiError(ErrCodeInvalidHandle)
	ErrNotSupported      VscsiError = VscsiError(ErrCodeNotSupported)
	ErrInvalidParameters VscsiError = VscsiError(ErrCodeInvalidParameters)
	ErrLUNNotFound       VscsiError = VscsiError(ErrCodeLUNNotFound)
	ErrLUNExists         VscsiError = VscsiError(ErrCodeLUNExists)
	ErrDeviceBusy        VscsiError = VscsiError(ErrCodeDeviceBusy)
	ErrIOError           VscsiError = VscsiError(ErrCodeIOError)
	ErrTimeout           VscsiError = VscsiError(ErrCodeTimeout)
	ErrClosed            VscsiError = VscsiError(ErrCodeClosed)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code VscsiErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		LUN:  noLUN,
		Code: code,
		Msg:  msg,
	}
}

// NewLUNError creates a new error tied to a logical unit
func NewLUNError(op string, lun uint32, code VscsiErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		LUN:  lun,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with vscsi context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ve *Error
	if errors.As(inner, &ve) {
		return &Error{
			Op:    op,
			LUN:   ve.LUN,
			Code:  ve.Code,
			Errno: ve.Errno,
			Msg:   ve.Msg,
			Inner: ve.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			LUN:   noLUN,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		LUN:   noLUN,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// wrapBackendError reports a backend enqueue rejection. The backend's own
// category is kept when it returned a structured error.
func wrapBackendError(op string, lun uint32, inner error) *Error {
	e := WrapError(op, inner)
	e.LUN = lun
	var ve *Error
	if !errors.As(inner, &ve) {
		e.Code = ErrCodeBackend
	}
	return e
}

// mapErrnoToCode maps syscall errno to vscsi error codes
func mapErrnoToCode(errno syscall.Errno) VscsiErrorCode {
	switch errno {
	case syscall.ENOMEM:
		return ErrCodeOutOfMemory
	case syscall.EBUSY, syscall.EAGAIN:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.ENODEV, syscall.ENXIO:
		return ErrCodeLUNNotFound
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EBADF, syscall.EPIPE:
		return ErrCodeClosed
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code VscsiErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Errno == errno
	}
	return false
}
