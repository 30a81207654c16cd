package errors

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Global registry for error types
var (
	globalRegistry = NewRegistry()

	// Kernel error categories
	ResourceExhausted = globalRegistry.Register("ResourceExhausted", 1)
	BadDescriptor     = globalRegistry.Register("BadDescriptor", 2)
	InvalidArgument   = globalRegistry.Register("InvalidArgument", 3)
	NoSuchProcess     = globalRegistry.Register("NoSuchProcess", 4)
	NotSeekable       = globalRegistry.Register("NotSeekable", 5)
	Fault             = globalRegistry.Register("Fault", 6)
	ArgumentTooLong   = globalRegistry.Register("ArgumentTooLong", 7)
	ExecFormat        = globalRegistry.Register("ExecFormat", 8)
	IOError           = globalRegistry.Register("IOError", 9)
	UnknownError      = globalRegistry.Register("UnknownError", 10)
)

// New creates a new error with type, errno and message
func New(errType ErrorType, errno unix.Errno, msg string, args ...interface{}) Error {
	t, ok := errType.(*errorType)
	if !ok {
		t = UnknownError.(*errorType)
	}
	return &concreteError{
		errType: t,
		errno:   errno,
		message: fmt.Sprintf(msg, args...),
		stack:   captureStackTrace(2),
		context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with additional context. The wrapped error
// keeps the category and errno of err when err is a kernel error; any
// other error becomes an IOError reported as its mapped errno.
func Wrap(err error, msg string, args ...interface{}) Error {
	if err == nil {
		return nil
	}

	t := IOError.(*errorType)
	if e := AsError(err); e != nil {
		t = e.Type().(*errorType)
	}

	return &concreteError{
		errType: t,
		errno:   Errno(err),
		message: fmt.Sprintf(msg, args...) + ": " + err.Error(),
		cause:   err,
		stack:   captureStackTrace(2),
		context: make(map[string]interface{}),
	}
}

// NewRegistry creates a new error type registry
func NewRegistry() Registry {
	return &registry{
		types: make(map[string]*errorType),
	}
}

// NewAggregate creates a new error aggregate
func NewAggregate() Aggregate {
	return &errorAggregate{
		errs: make([]error, 0),
	}
}

// Fatal is the value Panic panics with. It marks a broken kernel invariant,
// never a caller mistake.
type Fatal struct {
	Message string
	Stack   StackTrace
}

func (f *Fatal) Error() string {
	return "kernel panic: " + f.Message
}

// Panic aborts on a violated kernel invariant. Nothing in the kernel
// recovers a *Fatal.
func Panic(msg string, args ...interface{}) {
	panic(&Fatal{
		Message: fmt.Sprintf(msg, args...),
		Stack:   captureStackTrace(2),
	})
}

// Internal implementations

type errorType struct {
	name string
	code int
}

func (t *errorType) Name() string {
	return t.name
}

func (t *errorType) Code() int {
	return t.code
}

func (t *errorType) String() string {
	return t.name
}

func (t *errorType) New(errno unix.Errno, msg string, args ...interface{}) Error {
	return &concreteError{
		errType: t,
		errno:   errno,
		message: fmt.Sprintf(msg, args...),
		stack:   captureStackTrace(2),
		context: make(map[string]interface{}),
	}
}

func (t *errorType) Wrap(err error, errno unix.Errno, msg string, args ...interface{}) Error {
	if err == nil {
		return nil
	}

	return &concreteError{
		errType: t,
		errno:   errno,
		message: fmt.Sprintf(msg, args...) + ": " + err.Error(),
		cause:   err,
		stack:   captureStackTrace(2),
		context: make(map[string]interface{}),
	}
}

type concreteError struct {
	errType *errorType
	errno   unix.Errno
	message string
	cause   error
	stack   StackTrace
	context map[string]interface{}
}

func (e *concreteError) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(e.message)
	if e.errno != 0 {
		fmt.Fprintf(&b, " (%s)", unix.ErrnoName(e.errno))
	}

	if len(e.context) > 0 {
		b.WriteString(" [")
		first := true
		for k, v := range e.context {
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, v)
			first = false
		}
		b.WriteString("]")
	}

	return b.String()
}

func (e *concreteError) Format(f fmt.State, c rune) {
	if e == nil {
		return
	}

	switch c {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s\n", e.Error())
			if e.cause != nil {
				fmt.Fprintf(f, "Caused by: %+v\n", e.cause)
			}
			fmt.Fprintf(f, "Stack trace:\n%s", e.stack.String())
		} else {
			fmt.Fprintf(f, "%s", e.Error())
		}
	default:
		fmt.Fprintf(f, "%s", e.Error())
	}
}

func (e *concreteError) WithContext(key string, value interface{}) Error {
	if e == nil {
		return nil
	}
	e.context[key] = value
	return e
}

func (e *concreteError) Type() ErrorType {
	return e.errType
}

func (e *concreteError) Errno() unix.Errno {
	return e.errno
}

func (e *concreteError) Stack() StackTrace {
	return e.stack
}

func (e *concreteError) Context() map[string]interface{} {
	return e.context
}

func (e *concreteError) Cause() error {
	return e.cause
}

func (e *concreteError) Unwrap() error {
	return e.cause
}

func (e *concreteError) Is(target error) bool {
	if errno, ok := target.(unix.Errno); ok {
		return e.errno == errno
	}
	return false
}

type stackFrame struct {
	file     string
	line     int
	function string
}

func (f *stackFrame) File() string {
	return f.file
}

func (f *stackFrame) Line() int {
	return f.line
}

func (f *stackFrame) Function() string {
	return f.function
}

func (f *stackFrame) String() string {
	return fmt.Sprintf("%s:%d %s", f.file, f.line, f.function)
}

type stackTrace struct {
	frames []Frame
}

func (st *stackTrace) Frames() []Frame {
	return st.frames
}

func (st *stackTrace) String() string {
	var b strings.Builder
	for _, frame := range st.frames {
		fmt.Fprintf(&b, "  %s\n", frame.String())
	}
	return b.String()
}

func captureStackTrace(skip int) StackTrace {
	var frames []Frame
	for i := skip; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}

		shortFile := file
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			shortFile = file[idx+1:]
		}

		frames = append(frames, &stackFrame{
			file:     shortFile,
			line:     line,
			function: fn.Name(),
		})

		// Limit stack depth
		if len(frames) >= 32 {
			break
		}
	}
	return &stackTrace{frames: frames}
}

type errorAggregate struct {
	mu   sync.Mutex
	errs []error
}

func (a *errorAggregate) Add(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *errorAggregate) HasErrors() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errs) > 0
}

func (a *errorAggregate) Error() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch len(a.errs) {
	case 0:
		return ""
	case 1:
		return a.errs[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:\n", len(a.errs))
	for i, err := range a.errs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d] %v", i+1, err)
	}
	return b.String()
}

func (a *errorAggregate) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errs...)
}

func (a *errorAggregate) ErrorOrNil() error {
	if !a.HasErrors() {
		return nil
	}
	return a
}

type registry struct {
	types map[string]*errorType
	mu    sync.RWMutex
}

func (r *registry) Register(name string, code int) ErrorType {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &errorType{
		name: name,
		code: code,
	}
	r.types[name] = t
	return t
}

func (r *registry) Get(name string) (ErrorType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	return t, ok
}

func (r *registry) List() []ErrorType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]ErrorType, 0, len(r.types))
	for _, t := range r.types {
		types = append(types, t)
	}
	return types
}
