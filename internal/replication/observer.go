package replication

import "time"

// Outcome describes the final result of one task on one target.
type Outcome struct {
	ActivityID       string    `json:"activity_id"`
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Object           string    `json:"object"`
	Action           string    `json:"action"`
	Success          bool      `json:"success"`
	Attempts         int       `json:"attempts"`
	BytesTransferred int64     `json:"bytes_transferred"`
	BytesPerSecond   float64   `json:"bytes_per_second"`
	DurationMS       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Observer is notified of every per-target outcome. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	Observe(Outcome)
}

type nopObserver struct{}

func (nopObserver) Observe(Outcome) {}
