// Package apperr defines the error taxonomy shared by the engine, the
// stores, and the HTTP layer.
package apperr

import "errors"

// Kind sentinels. Callers classify with errors.Is against these.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidToken       = errors.New("invalid token")
	ErrValidation         = errors.New("validation")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrDataCorruption     = errors.New("data corruption")
)

// Error carries a kind sentinel plus a user-facing message.
type Error struct {
	kind error
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.kind.Error()
}

func (e *Error) Is(target error) bool { return target == e.kind }

func (e *Error) Unwrap() error { return e.err }

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func NotFound(msg string) *Error        { return newError(ErrNotFound, msg) }
func Conflict(msg string) *Error        { return newError(ErrConflict, msg) }
func Forbidden(msg string) *Error       { return newError(ErrForbidden, msg) }
func Unauthenticated(msg string) *Error { return newError(ErrUnauthenticated, msg) }
func InvalidToken(msg string) *Error    { return newError(ErrInvalidToken, msg) }
func Validation(msg string) *Error      { return newError(ErrValidation, msg) }
func DataCorruption(msg string) *Error  { return newError(ErrDataCorruption, msg) }

// StorageUnavailable wraps a storage-layer failure. The original cause stays
// reachable through Unwrap for logs.
func StorageUnavailable(msg string, cause error) *Error {
	return &Error{kind: ErrStorageUnavailable, msg: msg, err: cause}
}
