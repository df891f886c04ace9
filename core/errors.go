package core

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinels
// ---------------------------------------------------------------------------

var (
	ErrNotInitialized     = errors.New("core is not initialized")
	ErrAlreadyInitialized = errors.New("core is already initialized")

	ErrFunctionNotFound  = errors.New("function not found")
	ErrClassNotFound     = errors.New("class not found")
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrMethodNotFound    = errors.New("method not found")
	ErrModuleNotFound    = errors.New("module not found")
	ErrLoaderNotFound    = errors.New("no loader registered for tag")
	ErrDuplicateSymbol   = errors.New("symbol already defined in scope")
	ErrNotCallable       = errors.New("value is not callable")

	ErrLoaderFailure = errors.New("loader failure")
)

// ---------------------------------------------------------------------------
// Initialization
// ---------------------------------------------------------------------------

// InitError reports that the core failed to start. It is fatal for the whole
// session: nothing may be called into the layer afterwards.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Loader failures
// ---------------------------------------------------------------------------

// LoaderErrorKind classifies a failed load attempt.
type LoaderErrorKind int

const (
	FileNotFound LoaderErrorKind = iota
	NotAFileOrPermissionDenied
	CompilationError
	LinkError
	FromMemoryFailure
	FromPackageFailure
)

func (k LoaderErrorKind) String() string {
	switch k {
	case FileNotFound:
		return "file not found"
	case NotAFileOrPermissionDenied:
		return "not a file or permission denied"
	case CompilationError:
		return "compilation error"
	case LinkError:
		return "link error"
	case FromMemoryFailure:
		return "load from memory failed"
	case FromPackageFailure:
		return "load from package failed"
	}
	return fmt.Sprintf("LoaderErrorKind(%d)", int(k))
}

// LoaderError is local to one load attempt and leaves the loader usable.
// Diagnostics holds compiler or linker output verbatim.
type LoaderError struct {
	Kind        LoaderErrorKind
	Tag         string
	Path        string
	Diagnostics string
	Err         error
}

func (e *LoaderError) Error() string {
	var b strings.Builder
	if e.Tag != "" {
		fmt.Fprintf(&b, "%s loader: ", e.Tag)
	}
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Diagnostics != "" {
		b.WriteString("\n")
		b.WriteString(e.Diagnostics)
	}
	return b.String()
}

func (e *LoaderError) Unwrap() error { return e.Err }

// Is makes every LoaderError match ErrLoaderFailure.
func (e *LoaderError) Is(target error) bool { return target == ErrLoaderFailure }

// IsLoaderErrorKind reports whether err carries a LoaderError of kind k.
func IsLoaderErrorKind(err error, k LoaderErrorKind) bool {
	var le *LoaderError
	return errors.As(err, &le) && le.Kind == k
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

// NotFoundKind names what could not be resolved.
type NotFoundKind int

const (
	NotFoundFunction NotFoundKind = iota
	NotFoundClass
	NotFoundAttribute
	NotFoundMethod
	NotFoundModule
)

// NotFoundError is a recoverable name resolution failure at call time.
type NotFoundError struct {
	Kind  NotFoundKind
	Name  string
	Owner string // class or module the lookup was scoped to, if any
}

func (e *NotFoundError) Error() string {
	what := e.sentinel().Error()
	if e.Owner != "" {
		return fmt.Sprintf("%s: %s.%s", what, e.Owner, e.Name)
	}
	return fmt.Sprintf("%s: %s", what, e.Name)
}

func (e *NotFoundError) sentinel() error {
	switch e.Kind {
	case NotFoundClass:
		return ErrClassNotFound
	case NotFoundAttribute:
		return ErrAttributeNotFound
	case NotFoundMethod:
		return ErrMethodNotFound
	case NotFoundModule:
		return ErrModuleNotFound
	}
	return ErrFunctionNotFound
}

// Is matches the sentinel for the error's kind.
func (e *NotFoundError) Is(target error) bool { return target == e.sentinel() }

// FunctionNotFound builds a NotFoundError for a function name.
func FunctionNotFound(name string) error {
	return &NotFoundError{Kind: NotFoundFunction, Name: name}
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// ArityError reports a call with the wrong number of arguments.
type ArityError struct {
	Name string
	Want int
	Got  int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: expected %d arguments, got %d", e.Name, e.Want, e.Got)
}

// ThrownError carries a value raised by foreign code. Function bodies return
// it to surface Value as a Throwable result instead of a Go error. Value is
// owned by the error until the core consumes it.
type ThrownError struct {
	Value Handle
}

func (e *ThrownError) Error() string { return "foreign code raised a value" }

// ---------------------------------------------------------------------------
// Casting and strings
// ---------------------------------------------------------------------------

// CastError is returned by typed decoding when the runtime tag differs from
// the requested type. Value holds the value decoded as its true type, so the
// caller can inspect it instead of losing it.
type CastError struct {
	Want  Type
	Got   Type
	Value any
}

func (e *CastError) Error() string {
	return fmt.Sprintf("cannot cast %s value to %s", e.Got, e.Want)
}

// Unwrap exposes Value when it is itself an error (exceptions and
// throwables), so errors.As can reach it.
func (e *CastError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// StringConversionError reports a host string that cannot cross the boundary
// because it contains a NUL byte. It is raised before any core call.
type StringConversionError struct {
	Value string
	Index int
}

func (e *StringConversionError) Error() string {
	return fmt.Sprintf("string contains NUL byte at offset %d", e.Index)
}

// CheckString validates s for the boundary.
func CheckString(s string) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return &StringConversionError{Value: s, Index: i}
	}
	return nil
}
