package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/pool"
	"github.com/modula-sync/modula/internal/task"
)

// ErrClosed is returned by Start and Interrupt once Close has been called.
var ErrClosed = errors.New("monitor is closed")

// Manager receives dispatched tasks. It is implemented by
// replication.Manager.
type Manager interface {
	// Sources lists the directories to watch, in engine index order.
	Sources() []string

	// AppendRoute binds a watch id to an engine index. Only valid before Seal.
	AppendRoute(watchID, engineIndex int) error

	// Seal freezes the routing table.
	Seal()

	// Admit queues t behind earlier tasks of the engine owning watchID and
	// returns the job that runs it. Admit is called from the dispatcher
	// goroutine only, in arrival order.
	Admit(watchID int, t *task.Task) func() error

	// Rejected is told about admitted tasks the dispatcher could not submit.
	Rejected(watchID int, t *task.Task, err error)
}

// Config holds monitor settings.
type Config struct {
	// Backend selects the notifier. Empty selects the platform default.
	Backend Backend

	// PollInterval is how long the dispatcher sleeps when the queue is empty.
	PollInterval time.Duration

	// MaxBatch caps how many events one dispatcher iteration drains.
	MaxBatch int

	// DispatcherWorkers is the size of the pool running admitted tasks.
	DispatcherWorkers int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Backend:           defaultBackend,
		PollInterval:      10 * time.Millisecond,
		MaxBatch:          256,
		DispatcherWorkers: 16,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = def.DispatcherWorkers
	}
	return c
}

// Stats is a snapshot of monitor counters.
type Stats struct {
	Offloaded  int64 `json:"offloaded"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Rejected   int64 `json:"rejected"`
	Pending    int   `json:"pending"`
}

// Monitor watches every source directory of a Manager and feeds it tasks.
type Monitor struct {
	cfg      Config
	log      *logging.Logger
	mgr      Manager
	notifier notifier
	pool     *pool.Pool
	queue    eventQueue

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup
	stopped chan struct{}

	offloaded  atomic.Int64
	dispatched atomic.Int64
	rejected   atomic.Int64
}

// New registers a watch for every source of mgr, records each watch id in
// mgr's router and seals it. On any failure every descriptor opened so far
// is released and no monitor is returned.
func New(cfg Config, mgr Manager, log *logging.Logger) (*Monitor, error) {
	cfg = cfg.withDefaults()
	log = log.Component("monitor")

	n, err := newNotifier(cfg.Backend, log)
	if err != nil {
		return nil, err
	}

	for idx, dir := range mgr.Sources() {
		wd, err := n.watch(dir)
		if err != nil {
			n.close()
			return nil, err
		}
		if err := mgr.AppendRoute(wd, idx); err != nil {
			n.close()
			return nil, fmt.Errorf("failed to route watch for %s: %w", dir, err)
		}
		log.Info("watch registered", logging.Fields{"source": dir, "watch_id": wd})
	}
	mgr.Seal()

	p, err := pool.New(cfg.DispatcherWorkers)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to start dispatcher pool: %w", err)
	}

	return &Monitor{
		cfg:      cfg,
		log:      log,
		mgr:      mgr,
		notifier: n,
		pool:     p,
		stopped:  make(chan struct{}),
	}, nil
}

// Start launches the offloader and dispatcher. Cancelling ctx or calling
// Interrupt stops both.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.running {
		return errors.New("monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go m.forwardCancellation()
	go m.offloader()
	go m.dispatcher()

	go func() {
		m.wg.Wait()
		close(m.stopped)
	}()

	m.log.Info("monitor started", logging.Fields{
		"backend":       string(m.cfg.Backend),
		"poll_interval": m.cfg.PollInterval.String(),
		"max_batch":     m.cfg.MaxBatch,
	})
	return nil
}

// Interrupt makes the termination source ready. The offloader wakes, cancels
// the monitor context and exits; the dispatcher follows on its next
// iteration. After Close it returns ErrClosed.
func (m *Monitor) Interrupt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.notifier.interrupt()
}

// Stopping reports whether termination has been requested.
func (m *Monitor) Stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil && m.ctx.Err() != nil
}

// Stopped is closed once the offloader and dispatcher have both exited.
func (m *Monitor) Stopped() <-chan struct{} {
	return m.stopped
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Offloaded:  m.offloaded.Load(),
		Dispatched: m.dispatched.Load(),
		Dropped:    m.notifier.dropped(),
		Rejected:   m.rejected.Load(),
		Pending:    m.queue.Len(),
	}
}

// Close stops the goroutines, drains the dispatcher pool, removes every
// watch and closes every descriptor. Tasks already submitted run to
// completion. It is safe to call more than once.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	running := m.running
	m.mu.Unlock()

	if running {
		m.cancel()
		<-m.stopped
	} else {
		close(m.stopped)
	}

	m.pool.Shutdown()
	if err := m.notifier.close(); err != nil {
		return fmt.Errorf("failed to release notifier: %w", err)
	}
	m.log.Info("monitor closed", nil)
	return nil
}

// forwardCancellation turns a cancelled parent context into a ready
// termination source, so the offloader always leaves through one path.
func (m *Monitor) forwardCancellation() {
	defer m.wg.Done()
	<-m.ctx.Done()
	if err := m.notifier.interrupt(); err != nil {
		m.log.Debug("termination already signalled", logging.Fields{"error": err.Error()})
	}
}

func (m *Monitor) offloader() {
	defer m.wg.Done()
	defer m.cancel()

	err := m.notifier.offload(func(bucket []Event) {
		m.offloaded.Add(int64(len(bucket)))
		m.queue.appendBatch(bucket)
	})
	if err != nil {
		m.log.Critical("offloader stopped unexpectedly", logging.Fields{"error": err.Error()})
		return
	}
	m.log.Info("termination requested, offloader exiting", nil)
}

func (m *Monitor) dispatcher() {
	defer m.wg.Done()

	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()

	batch := make([]Event, 0, m.cfg.MaxBatch)
	for {
		if m.ctx.Err() != nil {
			if pending := m.queue.Len(); pending > 0 {
				m.log.Warn("dispatcher stopping with undelivered events", logging.Fields{"pending": pending})
			}
			m.log.Info("dispatcher exiting", nil)
			return
		}

		batch = m.queue.drain(m.cfg.MaxBatch, batch[:0])
		if len(batch) == 0 {
			timer.Reset(m.cfg.PollInterval)
			select {
			case <-m.ctx.Done():
			case <-timer.C:
			}
			continue
		}

		for _, ev := range batch {
			m.dispatch(ev)
		}
	}
}

func (m *Monitor) dispatch(ev Event) {
	t := task.New(ev.Action, ev.Name)
	log := m.log.WithActivity(t.ActivityID)
	log.Info("replication task created", logging.Fields{
		"action":   ev.Action.String(),
		"object":   ev.Name,
		"watch_id": ev.WatchID,
	})

	_, err := m.pool.Submit(m.mgr.Admit(ev.WatchID, t))
	if err != nil {
		m.rejected.Add(1)
		log.Warn("task submission rejected, dropping task", logging.Fields{
			"object": ev.Name,
			"error":  err.Error(),
		})
		m.mgr.Rejected(ev.WatchID, t, err)
		return
	}
	m.dispatched.Add(1)
}
