package replication

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/modula-sync/modula/internal/deadletter"
	"github.com/modula-sync/modula/internal/directory"
	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/pool"
	"github.com/modula-sync/modula/internal/synchronizer"
	"github.com/modula-sync/modula/internal/task"
)

// Engine replicates one source directory into its targets.
//
// Tasks on one source run one at a time under the engine lock. Tasks coming
// from the dispatcher are first admitted into a FIFO queue and popped under
// that lock, so they run in arrival order whichever worker picks them up.
// Within a task every target is synchronized concurrently on the shared
// fan-out pool.
type Engine struct {
	source  directory.Directory
	targets []directory.Directory

	fanout      *pool.Pool
	syncer      synchronizer.Synchronizer
	retries     int
	retryDelay  time.Duration
	deadLetters deadletter.Recorder
	observer    Observer
	log         *logging.Logger

	mu sync.Mutex

	pendingMu sync.Mutex
	pending   []*task.Task
}

// Source returns the watched directory.
func (e *Engine) Source() directory.Directory {
	return e.source
}

// Targets returns the replica directories in configuration order.
func (e *Engine) Targets() []directory.Directory {
	return append([]directory.Directory(nil), e.targets...)
}

// Execute replicates t into every target.
//
// For create and update the object must exist when the engine picks the task
// up; otherwise Execute fails with ErrObjectNotFound without invoking the
// copy tool. Remove never checks existence. If any target fails the first
// failure is returned, but only after every target has finished.
func (e *Engine) Execute(t *task.Task) error {
	return e.execute(t, e.targets, true)
}

// FullSync mirrors the whole source into every target.
func (e *Engine) FullSync() error {
	return e.Execute(task.New(task.ActionFullSync, ""))
}

// admit appends t to the engine's arrival queue.
func (e *Engine) admit(t *task.Task) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, t)
	e.pendingMu.Unlock()
}

// withdraw removes an admitted task that will never get a worker.
func (e *Engine) withdraw(t *task.Task) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for i, p := range e.pending {
		if p == t {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

// runNext pops the oldest admitted task and executes it. The pop happens
// under the engine lock, so admission order is execution order. It returns
// nil if nothing is pending.
func (e *Engine) runNext() (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return nil, nil
	}
	t := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	e.pendingMu.Unlock()

	return t, e.executeLocked(t, e.targets, true)
}

// Pending returns the number of admitted tasks not yet picked up.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *Engine) execute(t *task.Task, targets []directory.Directory, deadLetter bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executeLocked(t, targets, deadLetter)
}

func (e *Engine) executeLocked(t *task.Task, targets []directory.Directory, deadLetter bool) error {
	log := e.log.WithActivity(t.ActivityID)
	t.Path = e.source.Join(t.Name)

	if t.Action == task.ActionInvalid {
		t.SetLastError()
		return fmt.Errorf("%w: %s", ErrInvalidAction, t.Action)
	}

	if t.Action.RequiresObject() {
		if _, err := os.Lstat(t.Path); err != nil {
			t.SetLastError()
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %s", ErrObjectNotFound, t.Path)
			} else {
				err = fmt.Errorf("failed to inspect %s: %w", t.Path, err)
			}
			log.Error("replication object unavailable", logging.Fields{
				"object": t.Path,
				"action": t.Action.String(),
				"reason": err.Error(),
			})
			if deadLetter {
				e.record(t, "", err, 0)
			}
			return err
		}
	}

	op := e.operation(t)

	futures := make([]*pool.Future, 0, len(targets))
	var first error
	for _, target := range targets {
		f, err := e.fanout.Submit(func() error {
			return e.replicate(t, log, target, op, deadLetter)
		})
		if err != nil {
			t.SetLastError()
			err = fmt.Errorf("%w: %s -> %s: %w", ErrSubmissionRejected, t.Name, target, err)
			log.Warn("fan-out submission rejected", logging.Fields{"target": target.Path(), "reason": err.Error()})
			if deadLetter {
				e.record(t, target.Path(), err, 0)
			}
			if first == nil {
				first = err
			}
			continue
		}
		futures = append(futures, f)
	}

	for _, f := range futures {
		if err := f.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type operation func(target directory.Directory) synchronizer.Result

func (e *Engine) operation(t *task.Task) operation {
	switch t.Action {
	case task.ActionRemove:
		return func(target directory.Directory) synchronizer.Result {
			return e.syncer.Remove(e.source.Path(), t.Name, target.Path())
		}
	case task.ActionFullSync:
		return func(target directory.Directory) synchronizer.Result {
			return e.syncer.Mirror(e.source.Path(), target.Path())
		}
	default:
		return func(target directory.Directory) synchronizer.Result {
			return e.syncer.Synchronize(t.Path, target.Path())
		}
	}
}

// replicate runs op against one target, retrying process failures up to the
// configured limit. It runs on a fan-out worker.
func (e *Engine) replicate(t *task.Task, log *logging.Logger, target directory.Directory, op operation, deadLetter bool) error {
	fields := logging.Fields{
		"source": e.source.Path(),
		"object": t.Name,
		"target": target.Path(),
		"action": t.Action.String(),
	}

	attempts := e.retries + 1
	var res synchronizer.Result
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		log.With(fields).Info("synchronization started", logging.Fields{"attempt": attempt})

		res = op(target)
		if res.OK() {
			log.With(fields).Info("synchronization completed", logging.Fields{
				"attempt":           attempt,
				"bytes_transferred": res.BytesTransferred,
				"bytes_per_second":  res.BytesPerSecond,
				"duration_ms":       res.Duration().Milliseconds(),
			})
			e.observe(t, target, res, attempt)
			return nil
		}

		log.With(fields).Error("synchronization failed", logging.Fields{
			"attempt":   attempt,
			"status":    res.Status.String(),
			"exit_code": res.ExitCode,
			"reason":    res.Err.Error(),
		})
		if attempt == attempts || !IsRetryable(res.Err) {
			break
		}
		time.Sleep(e.retryDelay)
	}
	t.SetLastError()
	err := fmt.Errorf("%w: %s -> %s: %w", ErrSynchronizationFailed, t.Name, target, res.Err)
	if deadLetter {
		e.record(t, target.Path(), err, attempt)
	}
	e.observe(t, target, res, attempt)
	return err
}

func (e *Engine) observe(t *task.Task, target directory.Directory, res synchronizer.Result, attempts int) {
	out := Outcome{
		ActivityID:       t.ActivityID,
		Source:           e.source.Path(),
		Target:           target.Path(),
		Object:           t.Name,
		Action:           t.Action.String(),
		Success:          res.OK(),
		Attempts:         attempts,
		BytesTransferred: res.BytesTransferred,
		BytesPerSecond:   res.BytesPerSecond,
		DurationMS:       res.Duration().Milliseconds(),
		FinishedAt:       res.EndedAt,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	e.observer.Observe(out)
}

func (e *Engine) record(t *task.Task, target string, reason error, attempts int) {
	_, err := e.deadLetters.Record(context.Background(), deadletter.Letter{
		ActivityID: t.ActivityID,
		Source:     e.source.Path(),
		Object:     t.Name,
		Action:     t.Action.String(),
		Target:     target,
		Reason:     reason.Error(),
		Attempts:   attempts,
	})
	if err != nil {
		e.log.WithActivity(t.ActivityID).Error("failed to record dead letter", logging.Fields{"error": err.Error()})
	}
}
