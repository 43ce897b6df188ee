package apierr

import (
	"io/fs"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies a failure for the wire. Every error that leaves a handler
// is mapped to exactly one Kind.
type Kind int

const (
	KindIOFailure Kind = iota
	KindInvalidRequest
	KindNotFound
	KindConflict
	KindPermissionDenied
	KindUnsafePath
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPermissionDenied:
		return "permission_denied"
	case KindUnsafePath:
		return "unsafe_path"
	default:
		return "io_failure"
	}
}

// HTTPStatus is the response status used for errors of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindUnsafePath:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error with a message safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and message, so sentinel values declared
// with New work with errors.Is even after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg && t.Err == nil
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Invalid(msg string) *Error { return New(KindInvalidRequest, msg) }
func NotFound(msg string) *Error { return New(KindNotFound, msg) }
func Conflict(msg string) *Error { return New(KindConflict, msg) }

// IO wraps an underlying filesystem failure. The cause is kept for logging;
// if it is itself a permission or existence error, KindOf still reports that.
func IO(err error, msg string) *Error {
	return Wrap(KindIOFailure, errors.WithStack(err), msg)
}

type kinded interface {
	ErrKind() Kind
}

// KindOf classifies err. Explicit kinds win; otherwise well-known fs errors
// are mapped and anything else is an IO failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindIOFailure
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindIOFailure {
		return ae.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrKind()
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrExist):
		return KindConflict
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	}
	return KindIOFailure
}

// Message returns the client-facing text for err. IO failures get a generic
// message so host paths never leak to the client.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Msg != "" {
		return ae.Msg
	}
	var k kinded
	if errors.As(err, &k) {
		if e, ok := k.(error); ok {
			return e.Error()
		}
	}
	switch KindOf(err) {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "already exists"
	case KindPermissionDenied:
		return "permission denied"
	case KindIOFailure:
		return "internal error"
	}
	return err.Error()
}
