package notes

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by Service wraps exactly one of them.
var (
	ErrValidation        = errors.New("validation failed")
	ErrQuotaExceeded     = errors.New("private note quota exceeded")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("concurrent modification")
	ErrNotFound          = errors.New("note not found")
	ErrStorage           = errors.New("storage unavailable")
)

// ErrorKind is the stable, transport-neutral name of an error kind.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_failed"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
	KindStorage           ErrorKind = "storage_unavailable"
	KindInternal          ErrorKind = "internal"
)

var kindSentinels = []struct {
	sentinel error
	kind     ErrorKind
}{
	{ErrValidation, KindValidation},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrConflict, KindConflict},
	{ErrNotFound, KindNotFound},
	{ErrStorage, KindStorage},
}

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) ErrorKind {
	for _, candidate := range kindSentinels {
		if errors.Is(err, candidate.sentinel) {
			return candidate.kind
		}
	}
	return KindInternal
}

// ServiceError carries a "<operation>.<reason>" code, the error kind, and the cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *ServiceError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if e.kind != nil {
		wrapped = append(wrapped, e.kind)
	}
	if e.err != nil {
		wrapped = append(wrapped, e.err)
	}
	return wrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the stable kind name.
func (e *ServiceError) Kind() ErrorKind {
	return KindOf(e.kind)
}

// NewServiceError builds a ServiceError for collaborators that share the notes taxonomy.
func NewServiceError(operation, reason string, kind, cause error) error {
	return newServiceError(operation, reason, kind, cause)
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// Repository contract errors.
var (
	// ErrNoteMissing is returned by a Repository when the note does not exist.
	ErrNoteMissing = errors.New("notes: record missing")
	// ErrVersionMismatch is returned by a Repository when a compare-and-swap observes a newer version.
	ErrVersionMismatch = errors.New("notes: version mismatch")
)
