package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced to callers regardless of the wire version that served
// a request. Concrete failures are *Error values that unwrap to one of these.
var (
	ErrNotAuthorized        = errors.New("not authorized")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrBackendOverloaded    = errors.New("backend overloaded")
	ErrTimedOut             = errors.New("timed out")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrProtocol             = errors.New("protocol error")
)

// Error describes a failed backend interaction.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error
	// Status is the HTTP status code, when the failure came from a response.
	Status int
	// Method is the HTTP method of the failing request.
	Method string
	// Path is the resource path of the failing request (without version prefix).
	Path string
	// Message is the backend supplied message or a local description.
	Message string
	// Response is the decoded backend error envelope, when available.
	Response ErrorResponse
	// Body holds the raw response body unless the request was sensitive.
	Body []byte
	// Cause is the underlying transport failure, if any.
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("fabric: ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("request failed")
	}
	if e.Method != "" || e.Path != "" {
		fmt.Fprintf(&b, " (%s %s", e.Method, e.Path)
		if e.Status != 0 {
			fmt.Fprintf(&b, ": status %d", e.Status)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap exposes the error kind and the transport cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// TransportError classifies a failure to reach the backend or to read its
// reply as a protocol error, keeping cause reachable through errors.Is and
// errors.As.
func TransportError(method, path string, cause error) *Error {
	return &Error{Kind: ErrProtocol, Method: method, Path: path, Message: cause.Error(), Cause: cause}
}

// NewError builds an *Error of the supplied kind with a formatted message.
func NewError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy sentinel carried by err, or nil when err does
// not belong to the taxonomy.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrNotAuthorized,
		ErrNotFound,
		ErrConflict,
		ErrBackendOverloaded,
		ErrTimedOut,
		ErrUnsupportedOperation,
		ErrProtocol,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindLabel renders the taxonomy kind of err for logs and metric attributes.
func KindLabel(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "other"
	case ErrNotAuthorized:
		return "not_authorized"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrBackendOverloaded:
		return "backend_overloaded"
	case ErrTimedOut:
		return "timed_out"
	case ErrUnsupportedOperation:
		return "unsupported_operation"
	default:
		return "protocol_error"
	}
}
