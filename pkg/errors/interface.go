package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Registry manages error types and their creation
type Registry interface {
	// Register adds a new error type
	Register(name string, code int) ErrorType

	// Get returns an error type by name
	Get(name string) (ErrorType, bool)

	// List returns all registered error types
	List() []ErrorType
}

// ErrorType represents a category of kernel error. One category covers
// several errno values; ResourceExhausted is reported as EAGAIN, EMFILE
// or ENOMEM depending on what ran out.
type ErrorType interface {
	// Name returns the error type name
	Name() string

	// Code returns the error type code
	Code() int

	// New creates a new error of this type
	New(errno unix.Errno, msg string, args ...interface{}) Error

	// Wrap wraps an existing error
	Wrap(err error, errno unix.Errno, msg string, args ...interface{}) Error
}

// StackTrace represents a captured stack trace
type StackTrace interface {
	// Frames returns the stack frames
	Frames() []Frame

	// String returns a formatted stack trace
	String() string
}

// Frame represents a stack frame
type Frame interface {
	File() string
	Line() int
	Function() string
	String() string
}

// Error represents a kernel error with errno, context and stack trace
type Error interface {
	error
	fmt.Formatter

	// WithContext adds context to the error
	WithContext(key string, value interface{}) Error

	// Type returns the error category
	Type() ErrorType

	// Errno returns the errno reported to user space
	Errno() unix.Errno

	// Stack returns the error's stack trace
	Stack() StackTrace

	// Context returns the error's context
	Context() map[string]interface{}

	// Cause returns the underlying cause
	Cause() error

	// Unwrap exposes the cause to the standard errors package
	Unwrap() error

	// Is reports whether the error carries the target errno
	Is(target error) bool
}

// Aggregate represents multiple errors as one
type Aggregate interface {
	error

	// Add adds an error to the aggregate
	Add(err error)

	// HasErrors returns true if there are any errors
	HasErrors() bool

	// Errors returns the slice of errors
	Errors() []error

	// ErrorOrNil returns the aggregate if it holds errors, nil otherwise
	ErrorOrNil() error
}
