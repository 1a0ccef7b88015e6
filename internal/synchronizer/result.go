package synchronizer

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Status classifies one tool invocation.
type Status int

const (
	StatusSuccess Status = iota
	StatusSpawnFailed
	StatusProcessFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSpawnFailed:
		return "spawn_failed"
	case StatusProcessFailed:
		return "process_failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes one invocation of the copy tool.
type Result struct {
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time

	BytesTransferred int64
	BytesPerSecond   float64

	// ExitCode is -1 when the process never ran or was killed by a signal.
	ExitCode int
	// Output is the combined stdout and stderr of the tool.
	Output string
	Err    error
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Duration returns the wall-clock time of the invocation.
func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ===================
// Output Parsing
// ===================

var summaryPattern = regexp.MustCompile(`sent (\d+) bytes.*?(\d+(?:\.\d+)?) bytes/sec`)

// parseSummary extracts bytes sent and throughput from rsync's summary line.
// ok is false when no summary is present.
func parseSummary(output string) (sent int64, rate float64, ok bool) {
	m := summaryPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, false
	}

	sent, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	rate, err = strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return sent, rate, true
}
