package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrRequest        = errors.New("bad request")
	ErrAuthentication = errors.New("authentication required")
	ErrAuthorization  = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrImplementation = errors.New("implementation error")
	ErrData           = errors.New("data error")
	ErrConnection     = errors.New("connection failed")
	ErrEngine         = errors.New("engine error")
)

// Kind represents the category of error
type Kind string

const (
	KindRequest        Kind = "request"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindImplementation Kind = "implementation"
	KindData           Kind = "data"
	KindConnection     Kind = "connection"
	KindEngine         Kind = "engine"
)

// StatusCode returns the HTTP status hint for the kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindRequest:
		return 400
	case KindAuthentication:
		return 401
	case KindAuthorization:
		return 403
	case KindNotFound:
		return 404
	case KindImplementation, KindData:
		return 500
	default:
		return 503
	}
}

// base returns the sentinel error matched by errors.Is for the kind.
func (k Kind) base() error {
	switch k {
	case KindRequest:
		return ErrRequest
	case KindAuthentication:
		return ErrAuthentication
	case KindAuthorization:
		return ErrAuthorization
	case KindNotFound:
		return ErrNotFound
	case KindImplementation:
		return ErrImplementation
	case KindData:
		return ErrData
	case KindConnection:
		return ErrConnection
	default:
		return ErrEngine
	}
}

// Error is a structured engine error carrying positional context so that
// every failure names the resource, attribute path, and data source that
// produced it.
type Error struct {
	Kind       Kind
	Msg        string
	Resource   string
	Attribute  string // dotted attribute path, e.g. "author.groupId"
	DataSource string
	Err        error // underlying error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	var ctx string
	add := func(k, v string) {
		if v == "" {
			return
		}
		if ctx == "" {
			ctx = " (" + k + "=" + v
		} else {
			ctx += ", " + k + "=" + v
		}
	}
	add("resource", e.Resource)
	add("attribute", e.Attribute)
	add("dataSource", e.DataSource)
	if ctx != "" {
		ctx += ")"
	}
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s%s: %v", msg, ctx, e.Err)
	}
	return msg + ctx
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is so callers can match on the sentinel base errors.
func (e *Error) Is(target error) bool {
	if target == e.Kind.base() {
		return true
	}
	return errors.Is(e.Err, target)
}

// StatusCode returns the HTTP status hint for the error.
func (e *Error) StatusCode() int {
	return e.Kind.StatusCode()
}

// Exposable reports whether the error message may be shown to clients
// without exposeErrors enabled. Implementation, data, connection, and
// engine errors surface as "Internal Server Error" otherwise.
func (e *Error) Exposable() bool {
	switch e.Kind {
	case KindRequest, KindNotFound, KindAuthentication, KindAuthorization:
		return true
	}
	return false
}

// WithResource adds resource context to the error.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithAttribute adds attribute-path context to the error.
func (e *Error) WithAttribute(path string) *Error {
	e.Attribute = path
	return e
}

// WithDataSource adds data-source context to the error.
func (e *Error) WithDataSource(name string) *Error {
	e.DataSource = name
	return e
}

// New creates a structured error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Request creates a RequestError (400).
func Request(format string, args ...any) *Error {
	return New(KindRequest, format, args...)
}

// NotFound creates a NotFoundError (404).
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Implementation creates an ImplementationError (500). These indicate
// configuration or engine bugs and must not leak to clients.
func Implementation(format string, args ...any) *Error {
	return New(KindImplementation, format, args...)
}

// Data creates a DataError (500) for malformed backend rows.
func Data(format string, args ...any) *Error {
	return New(KindData, format, args...)
}

// Connection creates a ConnectionError (503).
func Connection(err error, format string, args ...any) *Error {
	return Wrap(KindConnection, err, format, args...)
}

// KindOf extracts the kind from an error chain; unknown errors map to
// KindEngine so the envelope always has a status hint.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngine
}

// StatusCodeOf returns the HTTP status hint for any error.
func StatusCodeOf(err error) int {
	return KindOf(err).StatusCode()
}

// PublicMessage returns the message shown to clients. When expose is
// false, non-exposable kinds collapse to a generic message.
func PublicMessage(err error, expose bool) string {
	var e *Error
	if errors.As(err, &e) {
		if expose || e.Exposable() {
			return e.Error()
		}
		return "Internal Server Error"
	}
	if expose {
		return err.Error()
	}
	return "Internal Server Error"
}
