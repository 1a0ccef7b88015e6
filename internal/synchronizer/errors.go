package synchronizer

import "errors"

// Errors wrapped into Result.Err. Check with errors.Is.
var (
	// ErrSpawnFailed is returned when the copy tool could not be started,
	// typically because it is not installed or not executable.
	ErrSpawnFailed = errors.New("copy tool could not be started")

	// ErrProcessFailed is returned when the copy tool ran but exited non-zero
	// or was terminated by a signal.
	ErrProcessFailed = errors.New("copy tool failed")
)
