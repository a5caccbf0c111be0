package thinpool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/behrlich/go-thinpool/internal/metadata"
)

// Error represents a structured thin pool error with context.
type Error struct {
	Op    string  // Operation that failed (e.g. "alloc_data_block", "commit")
	Dev   uint64  // Thin device id (0 if not applicable)
	Block int64   // Block number (-1 if not applicable)
	Code  ErrCode // High-level error category
	Msg   string  // Human-readable message
	Inner error   // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Dev != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.Dev))
	}
	if e.Block >= 0 {
		parts = append(parts, fmt.Sprintf("block=%d", e.Block))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("thinpool: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("thinpool: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors carrying the same code.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrCode represents high-level error categories.
type ErrCode string

const (
	ErrCodeIOError           ErrCode = "I/O error"
	ErrCodeNoSpace           ErrCode = "out of data space"
	ErrCodeReadOnly          ErrCode = "pool is read-only"
	ErrCodePoolFailed        ErrCode = "pool has failed"
	ErrCodeNotFound          ErrCode = "not found"
	ErrCodeInvalidParameters ErrCode = "invalid parameters"
	ErrCodeOutOfMemory       ErrCode = "out of memory"
	ErrCodeRequeued          ErrCode = "requeued"
	ErrCodeShutdown          ErrCode = "pool is shut down"
)

// NewError creates a new structured error.
func NewError(op string, code ErrCode, msg string) *Error {
	return &Error{Op: op, Block: -1, Code: code, Msg: msg}
}

// NewDeviceError creates a new error scoped to a thin device.
func NewDeviceError(op string, dev uint64, code ErrCode, msg string) *Error {
	return &Error{Op: op, Dev: dev, Block: -1, Code: code, Msg: msg}
}

// NewBlockError creates a new error scoped to one block of a device.
func NewBlockError(op string, dev uint64, block uint64, code ErrCode) *Error {
	return &Error{Op: op, Dev: dev, Block: int64(block), Code: code}
}

// WrapError wraps an existing error with pool context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Dev:   te.Dev,
			Block: te.Block,
			Code:  te.Code,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	return &Error{
		Op:    op,
		Block: -1,
		Code:  mapInnerToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapInnerToCode maps metadata-store errors to pool error codes.
func mapInnerToCode(err error) ErrCode {
	switch {
	case errors.Is(err, metadata.ErrNoSpace):
		return ErrCodeNoSpace
	case errors.Is(err, metadata.ErrReadOnly):
		return ErrCodeReadOnly
	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, metadata.ErrNoSuchDevice):
		return ErrCodeNotFound
	default:
		return ErrCodeIOError
	}
}

// IsCode checks whether err carries a specific error code.
func IsCode(err error, code ErrCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// errIO is the generic failure handed to bios on errored cells.
var errIO = NewError("bio", ErrCodeIOError, "")

// errRequeued is handed to bios requeued by a no-flush suspend; the
// submitter is expected to resubmit them.
var errRequeued = NewError("bio", ErrCodeRequeued, "")
