package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// ErrorCode classifies backend failures so that handlers can translate them
// into HTTP responses without inspecting platform error values.
type ErrorCode int

const (
	// ErrUnknown is any failure not covered by a more specific code.
	ErrUnknown ErrorCode = iota

	// ErrNotFound indicates the file does not exist.
	ErrNotFound

	// ErrPermission indicates insufficient filesystem permissions.
	ErrPermission

	// ErrCollision indicates a resource already exists with the target
	// name. Expected in directory-creation races and swallowed there.
	ErrCollision

	// ErrNotEmpty indicates a directory could not be removed because it
	// still has entries.
	ErrNotEmpty

	// ErrNoSpace indicates the device is full.
	ErrNoSpace

	// ErrNoFileHandle indicates no file handle could be allocated.
	ErrNoFileHandle
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "not found"
	case ErrPermission:
		return "permission denied"
	case ErrCollision:
		return "already exists"
	case ErrNotEmpty:
		return "not empty"
	case ErrNoSpace:
		return "no space on device"
	case ErrNoFileHandle:
		return "no file handle available"
	default:
		return "backend error"
	}
}

// Error is the failure type surfaced by every backend implementation.
type Error struct {
	Code ErrorCode
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend: %s: %s: %v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("backend: %s: %s", e.Code, e.Path)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from err, or ErrUnknown when err is not a
// backend error.
func CodeOf(err error) ErrorCode {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrUnknown
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// IsCollision reports whether err carries ErrCollision.
func IsCollision(err error) bool {
	return CodeOf(err) == ErrCollision
}

// wrapOSError maps a platform error to the backend taxonomy.
func wrapOSError(path string, err error) error {
	if err == nil {
		return nil
	}
	code := ErrUnknown
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		code = ErrPermission
	case errors.Is(err, fs.ErrExist):
		code = ErrCollision
	case errors.Is(err, syscall.ENOTEMPTY):
		code = ErrNotEmpty
	case errors.Is(err, syscall.ENOSPC):
		code = ErrNoSpace
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		code = ErrNoFileHandle
	}
	return &Error{Code: code, Path: path, Err: err}
}
