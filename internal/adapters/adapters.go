package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"tunefetch/internal/domain"
)

// ErrUnsupported is returned when a client lacks an optional capability.
var ErrUnsupported = errors.New("operation not supported by download client")

// LibraryManager resolves requests to release entries in the music library.
type LibraryManager interface {
	FindOrCreateRelease(ctx context.Context, artist, album string) (domain.ReleaseRef, error)
}

// IndexerProxy searches indexers and returns candidates in ranked order.
type IndexerProxy interface {
	Search(ctx context.Context, release domain.ReleaseDescriptor) ([]domain.Candidate, error)
}

// DownloadClient moves bytes for a chosen candidate.
type DownloadClient interface {
	Submit(ctx context.Context, candidate domain.Candidate) (domain.TransferHandle, error)
	Poll(ctx context.Context, handle domain.TransferHandle) (domain.TransferStatus, error)
	Cancel(ctx context.Context, handle domain.TransferHandle) error
}

// Pauser is implemented by clients that can hold a transfer without dropping it.
type Pauser interface {
	Pause(ctx context.Context, handle domain.TransferHandle) error
	Resume(ctx context.Context, handle domain.TransferHandle) error
}

// CredentialRefresher is implemented by clients whose sessions expire.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// Reattacher is implemented by clients that lose their transfers on restart
// and need the candidate URI to pick them up again.
type Reattacher interface {
	Reattach(ctx context.Context, handle domain.TransferHandle, uri string) error
}

// ClassifyHTTP maps a response status to an error kind. 2xx returns nil.
func ClassifyHTTP(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.Errorf(domain.KindAuthExpired, op, "http %d", status)
	case status == http.StatusNotFound:
		return domain.Errorf(domain.KindNotFound, op, "http %d", status)
	default:
		return domain.Errorf(domain.KindServiceUnavailable, op, "http %d", status)
	}
}

// ClassifyTransport wraps a failed round trip. Timeouts and connection errors
// are always ServiceUnavailable; already classified errors pass through.
func ClassifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *domain.Error
	if errors.As(err, &classified) {
		return err
	}
	if domain.IsTimeout(err) {
		return domain.NewError(domain.KindServiceUnavailable, op, fmt.Errorf("call timed out: %w", err))
	}
	return domain.NewError(domain.KindServiceUnavailable, op, err)
}
