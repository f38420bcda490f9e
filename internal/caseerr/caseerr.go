// Package caseerr defines the failure taxonomy shared by the case pipeline.
// Every error that ends a stage is classified into one of these kinds before
// it is recorded on the case.
package caseerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind names recorded on failed cases and documents.
const (
	KindAuth           = "AuthError"
	KindNotFound       = "NotFoundError"
	KindAmbiguousMatch = "AmbiguousMatchError"
	KindDownload       = "DownloadError"
	KindExtraction     = "ExtractionError"
	KindSessionExpired = "SessionExpiredError"
	KindPortal         = "PortalError"
	KindAbandoned      = "Abandoned"
	KindInternal       = "InternalError"
)

// AuthError means the portal session could not be established.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError means the case or a required document does not exist on the portal.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return "not found: " + e.What }

// AmbiguousMatchError means search produced several equally plausible cases.
type AmbiguousMatchError struct {
	Query      string
	Candidates []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match for %q: %d candidates %v", e.Query, len(e.Candidates), e.Candidates)
}

// DownloadError is a failed document transfer. Transfers are retried with backoff.
type DownloadError struct {
	Source string
	Err    error
	// Permanent marks failures that retrying cannot fix (bad signature, empty body).
	Permanent bool
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ExtractionError is a model call or schema validation failure after the re-prompt.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return "extraction failed: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ErrSessionExpired is returned when the portal bounces a request to the login page.
var ErrSessionExpired = errors.New("portal session expired")

// PortalError is a failed navigation that is not a document transfer.
type PortalError struct {
	Op        string
	Status    int
	Err       error
	Temporary bool
}

func (e *PortalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("portal %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("portal %s: %v", e.Op, e.Err)
}

func (e *PortalError) Unwrap() error { return e.Err }

// Kind classifies err into one of the recorded kinds.
func Kind(err error) string {
	var (
		authErr *AuthError
		nfErr   *NotFoundError
		ambErr  *AmbiguousMatchError
		dlErr   *DownloadError
		exErr   *ExtractionError
		portErr *PortalError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &nfErr):
		return KindNotFound
	case errors.As(err, &ambErr):
		return KindAmbiguousMatch
	case errors.As(err, &dlErr):
		return KindDownload
	case errors.As(err, &exErr):
		return KindExtraction
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.As(err, &portErr):
		return KindPortal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindAbandoned
	default:
		return KindInternal
	}
}

// IsTransient reports whether a stage that failed with err may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return true
	}
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return !dlErr.Permanent
	}
	var portErr *PortalError
	if errors.As(err, &portErr) {
		return portErr.Temporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// TemporaryStatus reports whether an HTTP status from the portal is worth retrying.
func TemporaryStatus(code int) bool {
	return code == 429 || code >= 500
}
