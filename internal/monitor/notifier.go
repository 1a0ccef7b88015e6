package monitor

import (
	"errors"
	"fmt"

	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/task"
)

// ErrBackendUnsupported is returned when the requested notifier backend is
// not available on this platform.
var ErrBackendUnsupported = errors.New("notifier backend not supported on this platform")

// Backend selects the notification mechanism.
type Backend string

const (
	BackendInotify  Backend = "inotify"
	BackendFsnotify Backend = "fsnotify"
)

// ParseBackend validates a backend name. An empty name selects the platform
// default.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case "":
		return defaultBackend, nil
	case BackendInotify, BackendFsnotify:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown monitor backend %q", s)
	}
}

// Event is one decoded change inside a watched directory.
type Event struct {
	WatchID int
	Action  task.Action
	Name    string
}

// notifier is the kernel-facing half of the monitor.
type notifier interface {
	// watch registers dir and returns its watch id.
	watch(dir string) (int, error)

	// offload blocks until interrupt is called, handing every decoded bucket
	// of events to deliver. It returns nil after an interrupt and an error if
	// the readiness wait or a read of the notification source fails.
	offload(deliver func([]Event)) error

	// interrupt makes the termination source ready.
	interrupt() error

	// dropped returns the number of records discarded while decoding.
	dropped() int64

	// close removes every watch and releases every descriptor.
	close() error
}

func newNotifier(backend Backend, log *logging.Logger) (notifier, error) {
	switch backend {
	case BackendInotify:
		return newInotifyNotifier(log)
	case BackendFsnotify:
		return newFsnotifyNotifier(log)
	default:
		return nil, fmt.Errorf("unknown monitor backend %q", backend)
	}
}
