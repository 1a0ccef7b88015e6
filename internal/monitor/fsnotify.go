package monitor

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/task"
)

// fsnotifyNotifier is the portable backend. fsnotify reports full paths, so
// watch ids are synthetic and resolved from the event's parent directory.
type fsnotifyNotifier struct {
	log     *logging.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	ids    map[string]int
	nextID int

	done     chan struct{}
	stopOnce sync.Once
	discards atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func newFsnotifyNotifier(log *logging.Logger) (notifier, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &fsnotifyNotifier{
		log:     log,
		watcher: watcher,
		ids:     make(map[string]int),
		done:    make(chan struct{}),
	}, nil
}

func (n *fsnotifyNotifier) watch(dir string) (int, error) {
	dir = filepath.Clean(dir)
	if err := n.watcher.Add(dir); err != nil {
		return -1, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.ids[dir]; ok {
		return id, nil
	}
	n.nextID++
	n.ids[dir] = n.nextID
	return n.nextID, nil
}

func (n *fsnotifyNotifier) offload(deliver func([]Event)) error {
	for {
		select {
		case <-n.done:
			return nil

		case event, ok := <-n.watcher.Events:
			if !ok {
				return nil
			}

			var bucket []Event
			if ev, ok := n.convertEvent(event); ok {
				bucket = append(bucket, ev)
			}
			// Take whatever else is already buffered so it lands as one bucket.
		drain:
			for {
				select {
				case event, ok := <-n.watcher.Events:
					if !ok {
						break drain
					}
					if ev, ok := n.convertEvent(event); ok {
						bucket = append(bucket, ev)
					}
				default:
					break drain
				}
			}
			if len(bucket) > 0 {
				deliver(bucket)
			}

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				n.log.Warn("fsnotify queue overflowed, events were lost", nil)
				continue
			}
			n.log.Error("fsnotify watcher error", logging.Fields{"error": err.Error()})
		}
	}
}

// convertEvent maps an fsnotify event onto an Event.
// Returns (Event{}, false) for events that should be ignored.
func (n *fsnotifyNotifier) convertEvent(event fsnotify.Event) (Event, bool) {
	name := filepath.Base(event.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		n.discards.Add(1)
		return Event{}, false
	}

	n.mu.RLock()
	id, ok := n.ids[filepath.Dir(event.Name)]
	n.mu.RUnlock()
	if !ok {
		n.discards.Add(1)
		return Event{}, false
	}

	var action task.Action
	switch {
	case event.Has(fsnotify.Create):
		action = task.ActionCreate
	case event.Has(fsnotify.Write):
		action = task.ActionUpdate
	case event.Has(fsnotify.Remove):
		action = task.ActionRemove
	case event.Has(fsnotify.Rename):
		// Moved away; the new name arrives as its own Create.
		action = task.ActionRemove
	default:
		n.discards.Add(1)
		return Event{}, false
	}

	return Event{WatchID: id, Action: action, Name: name}, true
}

func (n *fsnotifyNotifier) interrupt() error {
	n.stopOnce.Do(func() { close(n.done) })
	return nil
}

func (n *fsnotifyNotifier) dropped() int64 {
	return n.discards.Load()
}

func (n *fsnotifyNotifier) close() error {
	n.closeOnce.Do(func() {
		n.interrupt()
		if err := n.watcher.Close(); err != nil {
			n.closeErr = fmt.Errorf("failed to close watcher: %w", err)
		}
	})
	return n.closeErr
}

var _ notifier = (*fsnotifyNotifier)(nil)
