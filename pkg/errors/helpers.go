package errors

import (
	stderrors "errors"
	"io/fs"

	"golang.org/x/sys/unix"
)

// AsError attempts to convert an error to our Error interface
func AsError(err error) Error {
	if err == nil {
		return nil
	}
	var e Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// GetType returns the error type if available
func GetType(err error) ErrorType {
	if e := AsError(err); e != nil {
		return e.Type()
	}
	return nil
}

// IsKind reports whether err is a kernel error of the given category
func IsKind(err error, errType ErrorType) bool {
	return GetType(err) == errType
}

// GetContext returns the error context if available
func GetContext(err error) map[string]interface{} {
	if e := AsError(err); e != nil {
		return e.Context()
	}
	return nil
}

// GetCause returns the underlying cause if available
func GetCause(err error) error {
	if e := AsError(err); e != nil {
		return e.Cause()
	}
	return nil
}

// Errno maps any error to the errno a syscall reports for it. Errors that
// came through from a filesystem unchanged are mapped by their io/fs
// sentinel; anything unrecognised is EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e := AsError(err); e != nil {
		return e.Errno()
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case stderrors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case stderrors.Is(err, fs.ErrPermission):
		return unix.EACCES
	case stderrors.Is(err, fs.ErrInvalid):
		return unix.EINVAL
	}
	return unix.EIO
}

// Is is errors.Is from the standard library
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
