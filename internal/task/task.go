// Package task defines the unit of replication work handed from the monitor
// to the replication engines.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the UTC, millisecond-precision layout used in logs and
// persisted records.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Task is one replication request for a single object.
//
// Action, Name, ActivityID and CreatedAt are set at construction and never
// change. Path is written once by the executing engine. The end and
// last-error timestamps may be written from several fan-out workers, so they
// sit behind mu.
type Task struct {
	Action     Action
	Name       string
	ActivityID string
	CreatedAt  time.Time

	// Path is the resolved absolute path of the object in its source directory.
	Path string

	mu          sync.Mutex
	endedAt     time.Time
	lastErrorAt time.Time
}

// New returns a task with a fresh activity id.
func New(action Action, name string) *Task {
	return &Task{
		Action:     action,
		Name:       name,
		ActivityID: uuid.NewString(),
		CreatedAt:  time.Now(),
	}
}

// WithActivity returns a task reusing an existing activity id, as when a
// dead-lettered task is replayed.
func WithActivity(action Action, name, activityID string) *Task {
	t := New(action, name)
	if activityID != "" {
		t.ActivityID = activityID
	}
	return t
}

// SetLastError records now as the time of the most recent failure.
func (t *Task) SetLastError() {
	t.mu.Lock()
	t.lastErrorAt = time.Now()
	t.mu.Unlock()
}

// LastError returns the time of the most recent failure, or the zero time.
func (t *Task) LastError() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErrorAt
}

// Failed reports whether any failure has been recorded.
func (t *Task) Failed() bool {
	return !t.LastError().IsZero()
}

// Finish records now as the task's end time.
func (t *Task) Finish() {
	t.mu.Lock()
	t.endedAt = time.Now()
	t.mu.Unlock()
}

// EndedAt returns the task's end time, or the zero time if it is still running.
func (t *Task) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endedAt
}

// Duration returns how long the task ran. Unfinished tasks report zero.
func (t *Task) Duration() time.Duration {
	end := t.EndedAt()
	if end.IsZero() {
		return 0
	}
	return end.Sub(t.CreatedAt)
}
