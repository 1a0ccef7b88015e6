package replication

import (
	"errors"

	"github.com/modula-sync/modula/internal/synchronizer"
)

// Errors returned by replication operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, replication.ErrObjectNotFound) {
//	    // the object vanished before its task was executed
//	}
var (
	// ErrObjectNotFound is returned when a create or update task names an
	// object that no longer exists in its source directory.
	ErrObjectNotFound = errors.New("object does not exist")

	// ErrUnknownWatch is returned when a task arrives with a watch id that
	// was never routed to an engine.
	ErrUnknownWatch = errors.New("unknown watch descriptor")

	// ErrUnknownSource is returned when a replayed task names a source no
	// engine owns.
	ErrUnknownSource = errors.New("unknown source directory")

	// ErrSubmissionRejected is returned when the fan-out pool refused a
	// closure because shutdown had begun.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrSynchronizationFailed is returned when at least one target could
	// not be synchronized.
	ErrSynchronizationFailed = errors.New("synchronization failed")

	// ErrRouterSealed is returned by AppendRoute after Seal.
	ErrRouterSealed = errors.New("router is sealed")

	// ErrInvalidAction is returned for tasks carrying no replicable action.
	ErrInvalidAction = errors.New("invalid replication action")
)

// IsRetryable reports whether a failed attempt may succeed if repeated.
// Only failures of a copy tool that actually ran qualify; a tool that cannot
// be started, a missing object or an unknown route will fail the same way
// again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, synchronizer.ErrProcessFailed)
}
