package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error so callers can build a user facing message
// without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUpstreamUnavailable
	KindStorageTransaction
	KindConfiguration
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindStorageTransaction:
		return "storage_transaction"
	case KindConfiguration:
		return "configuration"
	case KindForbidden:
		return "forbidden"
	}
	return "unknown"
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrStorageTransaction  = &Error{Kind: KindStorageTransaction}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrForbidden           = &Error{Kind: KindForbidden}
)

// Error is the structured error returned by every engine operation.
type Error struct {
	Kind  Kind
	Op    string // operation, e.g. "add_policies"
	Field string // offending field, when known
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Field == "" && t.Msg == "" && t.Err == nil
}

func newError(kind Kind, op, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ValidationError reports a malformed input.
func ValidationError(op, field, format string, args ...any) error {
	return newError(KindValidation, op, field, format, args...)
}

// ConflictError reports a write that collides with existing state.
func ConflictError(op, field, format string, args ...any) error {
	return newError(KindConflict, op, field, format, args...)
}

// NotFoundError reports a missing role, grant or policy.
func NotFoundError(op, field, format string, args ...any) error {
	return newError(KindNotFound, op, field, format, args...)
}

// KindOf returns the Kind of err, KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FieldOf returns the offending field recorded on err, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// asKind keeps an existing *Error untouched and wraps anything else.
func asKind(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return wrapError(kind, op, err)
}
