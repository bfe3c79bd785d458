// Package apperrors provides the typed errors shared by the snapshot core and its transports.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so transports can map it to a response.
type Kind int

const (
	// KindInternal is any failure that is not the caller's fault.
	KindInternal Kind = iota
	// KindMissingField is returned when a required input is absent.
	KindMissingField
	// KindInvalidInput is returned when an input is present but unusable.
	KindInvalidInput
	// KindNotFound is returned when an owner, snapshot or file does not exist.
	KindNotFound
	// KindNoSnapshots is returned when an owner has a snapshot root but no snapshots in it.
	KindNoSnapshots
	// KindAlreadyExists is returned when a snapshot name is already taken.
	KindAlreadyExists
	// KindConflict is returned when an upload would replace an existing file.
	KindConflict
	// KindRejected is returned for uploads with a disallowed file type.
	KindRejected
	// KindTooLarge is returned for uploads above the size cap.
	KindTooLarge
	// KindBusy is returned when the owner lock could not be acquired in time.
	KindBusy
	// KindUnauthorized is returned when the API key is missing or wrong.
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindInternal:      "internal",
	KindMissingField:  "missing field",
	KindInvalidInput:  "invalid input",
	KindNotFound:      "not found",
	KindNoSnapshots:   "no snapshots",
	KindAlreadyExists: "already exists",
	KindConflict:      "conflict",
	KindRejected:      "rejected",
	KindTooLarge:      "too large",
	KindBusy:          "busy",
	KindUnauthorized:  "unauthorized",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the HTTP status code a transport should answer with.
func (k Kind) Status() int {
	switch k {
	case KindMissingField, KindInvalidInput:
		return http.StatusNotAcceptable
	case KindNotFound, KindNoSnapshots:
		return http.StatusNotFound
	case KindAlreadyExists, KindConflict:
		return http.StatusConflict
	case KindRejected:
		return http.StatusExpectationFailed
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBusy:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error carrying the operation that produced it.
type Error struct {
	Kind Kind
	Op   string // e.g. "snapshot.create"
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	var sentinel *Error
	if !errors.As(target, &sentinel) {
		return false
	}
	return sentinel.Op == "" && sentinel.Msg == "" && sentinel.Err == nil && sentinel.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Sentinels for errors.Is checks. They match any *Error of the same kind.
var (
	ErrMissingField  = &Error{Kind: KindMissingField}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrNoSnapshots   = &Error{Kind: KindNoSnapshots}
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrRejected      = &Error{Kind: KindRejected}
	ErrTooLarge      = &Error{Kind: KindTooLarge}
	ErrBusy          = &Error{Kind: KindBusy}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
)

// Common static errors used throughout the application.
var (
	// ErrInvalidSegment is returned when an identifier is not a single path segment.
	ErrInvalidSegment = errors.New("must be a single path segment")

	// ErrPathEscapesRoot is returned when a relative path resolves outside its root.
	ErrPathEscapesRoot = errors.New("path escapes root")

	// ErrMirrorUnavailable is returned when the requested mirror backend cannot run.
	ErrMirrorUnavailable = errors.New("mirror backend unavailable")

	// ErrArgumentsRequired is returned when a command is run without its arguments.
	ErrArgumentsRequired = errors.New("missing arguments")
)

// HTTPError represents an HTTP error with a status code.
type HTTPError struct {
	StatusCode int
	Title      string
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(statusCode int, title, body string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Title: title, Body: body}
}

// ToHTTP converts any error into the HTTPError a transport should send.
func ToHTTP(err error) *HTTPError {
	kind := KindOf(err)
	status := kind.Status()
	if kind == KindInternal {
		return NewHTTPError(status, http.StatusText(status), "Internal error.")
	}
	return NewHTTPError(status, http.StatusText(status)+" - "+kind.String(), err.Error())
}
