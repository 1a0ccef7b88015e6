package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/replication"
)

// FullSyncData describes a completed full synchronization.
type FullSyncData struct {
	Engines    int    `json:"engines"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// StatsData contains the running counters.
type StatsData struct {
	Succeeded        int64            `json:"succeeded"`
	Failed           int64            `json:"failed"`
	BytesTransferred int64            `json:"bytes_transferred"`
	ByAction         map[string]int64 `json:"by_action"`

	// Monitor counters, filled in by the daemon.
	Offloaded  int64 `json:"offloaded"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Pending    int   `json:"pending"`
}

// Handler turns replication events into dashboard messages.
// It implements replication.Observer.
type Handler struct {
	server *Server
	log    *logging.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ replication.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, log *logging.Logger) *Handler {
	return &Handler{
		server: server,
		log:    log.Component("dashboard"),
		stats:  StatsData{ByAction: make(map[string]int64)},
	}
}

// Observe records one per-target outcome and broadcasts it.
func (h *Handler) Observe(out replication.Outcome) {
	h.mu.Lock()
	if out.Success {
		h.stats.Succeeded++
		h.stats.BytesTransferred += out.BytesTransferred
	} else {
		h.stats.Failed++
	}
	h.stats.ByAction[out.Action]++
	h.mu.Unlock()

	h.send(MessageTypeReplicationResult, out)
}

// OnFullSync broadcasts the end of a full synchronization.
func (h *Handler) OnFullSync(engines int, took time.Duration, err error) {
	data := FullSyncData{Engines: engines, DurationMS: took.Milliseconds()}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeFullSyncComplete, data)
}

// OnMonitorStats merges monitor counters and broadcasts the current stats.
func (h *Handler) OnMonitorStats(offloaded, dispatched, dropped int64, pending int) {
	h.mu.Lock()
	h.stats.Offloaded = offloaded
	h.stats.Dispatched = dispatched
	h.stats.Dropped = dropped
	h.stats.Pending = pending
	h.mu.Unlock()

	h.send(MessageTypeStats, h.Stats())
}

// Stats returns a copy of the current counters.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.ByAction = make(map[string]int64, len(h.stats.ByAction))
	for k, v := range h.stats.ByAction {
		out.ByAction[k] = v
	}
	return out
}

func (h *Handler) send(typ MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal dashboard payload", logging.Fields{"type": string(typ), "error": err.Error()})
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
