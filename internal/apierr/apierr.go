// Package apierr defines the closed set of error kinds the bus adapter
// surfaces to callers as `error` replies.
package apierr

import "fmt"

// Kind is a closed set of error kinds — new values are not expected to be
// introduced by callers outside this package.
type Kind string

const (
	ValidationError   Kind = "ValidationError"
	PermissionDenied  Kind = "PermissionDenied"
	TemplateNotFound  Kind = "TemplateNotFound"
	TemplateRenderErr Kind = "TemplateRenderError"
	ResourceExhausted Kind = "ResourceExhausted"
	LockTimeout       Kind = "LockTimeout"
	KVUnavailable     Kind = "KVUnavailable"
	DriverError       Kind = "DriverError"
	NotFound          Kind = "NotFound"
	InvalidOperation  Kind = "InvalidOperation"
	// InternalError is the fallback used by the bus adapter when a handler
	// returns a plain Go error that isn't an *Error, so every failure still
	// gets exactly one typed reply.
	InternalError Kind = "InternalError"
)

// Error is the single error type every core component returns. The bus
// adapter reports {type: Kind, message: Message} directly from it.
type Error struct {
	Kind    Kind
	Message string
	// Cause, when set, is wrapped for %w / errors.Is / errors.As but never
	// included verbatim in the bus reply — only Message is user-visible.
	Cause error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf recovers the Kind of err for a bus reply, defaulting to
// InternalError for any error that isn't an *Error (e.g. a raw driver or
// transport failure that was never wrapped).
func KindOf(err error) (Kind, string) {
	var apiErr *Error
	if asError(err, &apiErr) {
		return apiErr.Kind, apiErr.Message
	}
	return InternalError, err.Error()
}

// asError is a tiny errors.As wrapper kept local so callers of this package
// never need to import errors just to use KindOf.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
