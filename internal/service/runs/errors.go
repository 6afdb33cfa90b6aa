package runs

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindForbidden  ErrorKind = "forbidden"
	KindBadRequest ErrorKind = "bad_request"
	// KindIntegrity marks a run that references a session or message that no
	// longer exists.
	KindIntegrity ErrorKind = "integrity"
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound also reports integrity gaps, which are missing rows as well.
func IsNotFound(err error) bool {
	kind := kindOf(err)
	return kind == KindNotFound || kind == KindIntegrity
}

func IsForbidden(err error) bool  { return kindOf(err) == KindForbidden }
func IsBadRequest(err error) bool { return kindOf(err) == KindBadRequest }
func IsIntegrity(err error) bool  { return kindOf(err) == KindIntegrity }
