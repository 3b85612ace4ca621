package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so retry policy can be decided in one place.
type ErrorKind string

const (
	KindServiceUnavailable    ErrorKind = "service_unavailable"
	KindAuthExpired           ErrorKind = "auth_expired"
	KindNotFound              ErrorKind = "not_found"
	KindNoCandidates          ErrorKind = "no_candidates"
	KindTransferStalled       ErrorKind = "transfer_stalled"
	KindImportMismatch        ErrorKind = "import_mismatch"
	KindStorageOffloadFailure ErrorKind = "storage_offload_failure"
)

// Transient reports whether the kind is retried with backoff.
func (k ErrorKind) Transient() bool {
	return k == KindServiceUnavailable || k == KindStorageOffloadFailure
}

// Error is a classified failure returned by adapters and internal stages.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification of err. Deadlines and unclassified errors
// count as ServiceUnavailable so they follow the normal retry path.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindServiceUnavailable
}

// IsTimeout reports whether err came from an expired call deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
