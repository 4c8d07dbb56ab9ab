package fieldsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnreachable wraps transport failures: timeouts, refused connections, DNS.
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrNoEndpoint is returned when no endpoint is currently active.
	ErrNoEndpoint = errors.New("no reachable endpoint")
	// ErrAuthExpired matches a 401 response from the server.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrSubmissionFailed marks a queue item attempt that did not succeed.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrSnapshotFetchFailed is returned when no source produced reference data.
	ErrSnapshotFetchFailed = errors.New("reference snapshot fetch failed")
	// ErrIndexMissing is returned by indexed lookups when the index is absent.
	ErrIndexMissing = errors.New("lookup index missing")
	// ErrAlreadySyncing is returned when a queue drain is already running.
	ErrAlreadySyncing = errors.New("sync already in progress")
	// ErrRefreshInProgress is returned when a reference refresh is already running.
	ErrRefreshInProgress = errors.New("sync already in progress")
	// ErrParentNotSynced marks a photo whose inspection will not be sent automatically.
	ErrParentNotSynced = errors.New("parent inspection not synced")
	// ErrNotFound is returned by the API client for 404 responses.
	ErrNotFound = errors.New("not found")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Is lets errors.Is classify status codes against the sentinels above.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.Code == http.StatusUnauthorized
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// IsAuthFailure reports whether err means the bearer token was rejected.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
