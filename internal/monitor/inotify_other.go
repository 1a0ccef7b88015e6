//go:build !linux

package monitor

import "github.com/modula-sync/modula/internal/logging"

const defaultBackend = BackendFsnotify

func newInotifyNotifier(*logging.Logger) (notifier, error) {
	return nil, ErrBackendUnsupported
}
