package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that a reference or artifact does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrBackendUnavailable reports that a reference needs a cold-storage
	// backend that is not configured or not reachable.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSessionNotFound reports that a requested session id has no files
	// on disk for the owner.
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError reports artifact content that failed validation. The
// content has been diverted to the quarantine directory; Reason matches the
// tag written there.
type ValidationError struct {
	ArtifactID string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact %s rejected (%s): %v", e.ArtifactID, e.Reason, e.Err)
	}
	return fmt.Sprintf("artifact %s rejected (%s)", e.ArtifactID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
