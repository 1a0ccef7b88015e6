// Package replication routes tasks from the monitor to per-source engines
// and fans each task out to every target of its engine.
package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modula-sync/modula/internal/config"
	"github.com/modula-sync/modula/internal/deadletter"
	"github.com/modula-sync/modula/internal/directory"
	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/pool"
	"github.com/modula-sync/modula/internal/synchronizer"
	"github.com/modula-sync/modula/internal/task"
)

// DefaultFanoutWorkers is the size of the pool shared by every engine.
const DefaultFanoutWorkers = 64

// Options configures a Manager.
type Options struct {
	// FanoutWorkers sizes the pool shared by all engines.
	FanoutWorkers int

	// Retries is the number of extra attempts per target after a copy tool
	// failure. Zero means a single attempt.
	Retries    int
	RetryDelay time.Duration

	// Syncer defaults to synchronizer.New with default options.
	Syncer synchronizer.Synchronizer

	// DeadLetters defaults to deadletter.Nop.
	DeadLetters deadletter.Recorder

	// Observer is told every per-target outcome.
	Observer Observer
}

// Manager owns every engine, the fan-out pool they share and the
// watch id → engine router.
//
// The router is written only before Seal. After Seal it is read without
// locking.
type Manager struct {
	engines     []*Engine
	fanout      *pool.Pool
	deadLetters deadletter.Recorder
	log         *logging.Logger

	routeMu sync.Mutex
	routes  map[int]int
	sealed  atomic.Bool
}

// New builds one engine per topology mapping, in order. Missing target
// directories are created.
func New(topo config.Topology, opts Options, log *logging.Logger) (*Manager, error) {
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = DefaultFanoutWorkers
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("negative retry count %d", opts.Retries)
	}
	if opts.Syncer == nil {
		opts.Syncer = synchronizer.New(synchronizer.Options{})
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = deadletter.Nop{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	log = log.Component("replication")

	if len(topo.Mappings) == 0 {
		return nil, fmt.Errorf("%w: no replicas configured", config.ErrInvalidTopology)
	}

	fanout, err := pool.New(opts.FanoutWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to start fan-out pool: %w", err)
	}

	m := &Manager{
		fanout:      fanout,
		deadLetters: opts.DeadLetters,
		log:         log,
		routes:      make(map[int]int),
	}

	for _, mapping := range topo.Mappings {
		engine, err := m.newEngine(mapping, opts)
		if err != nil {
			fanout.Shutdown()
			return nil, err
		}
		m.engines = append(m.engines, engine)
	}
	return m, nil
}

func (m *Manager) newEngine(mapping config.Mapping, opts Options) (*Engine, error) {
	source, err := directory.New(mapping.Source)
	if err != nil {
		return nil, err
	}
	if !source.Exists() {
		return nil, fmt.Errorf("source directory %s does not exist", source)
	}

	targets := make([]directory.Directory, 0, len(mapping.Targets))
	for _, raw := range mapping.Targets {
		target, err := directory.New(raw)
		if err != nil {
			return nil, err
		}
		if !target.Exists() {
			if err := target.Ensure(); err != nil {
				return nil, err
			}
			m.log.Info("created target directory", logging.Fields{"target": target.Path()})
		}
		targets = append(targets, target)
	}

	engineLog := m.log.With(logging.Fields{"source": source.Path()})
	engineLog.Info("replication engine ready", logging.Fields{"targets": len(targets)})

	return &Engine{
		source:      source,
		targets:     targets,
		fanout:      m.fanout,
		syncer:      opts.Syncer,
		retries:     opts.Retries,
		retryDelay:  opts.RetryDelay,
		deadLetters: opts.DeadLetters,
		observer:    opts.Observer,
		log:         engineLog,
	}, nil
}

// Engines returns every engine in topology order.
func (m *Manager) Engines() []*Engine {
	return append([]*Engine(nil), m.engines...)
}

// Sources returns every source path in engine index order.
func (m *Manager) Sources() []string {
	out := make([]string, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e.source.Path())
	}
	return out
}

// AppendRoute binds watchID to the engine at engineIndex.
func (m *Manager) AppendRoute(watchID, engineIndex int) error {
	m.routeMu.Lock()
	defer m.routeMu.Unlock()

	if m.sealed.Load() {
		return ErrRouterSealed
	}
	if engineIndex < 0 || engineIndex >= len(m.engines) {
		return fmt.Errorf("engine index %d out of range [0, %d)", engineIndex, len(m.engines))
	}
	if existing, ok := m.routes[watchID]; ok && existing != engineIndex {
		return fmt.Errorf("watch id %d already routed to engine %d", watchID, existing)
	}
	m.routes[watchID] = engineIndex
	return nil
}

// Seal freezes the router.
func (m *Manager) Seal() {
	m.routeMu.Lock()
	m.sealed.Store(true)
	m.routeMu.Unlock()
}

func (m *Manager) route(watchID int) (*Engine, bool) {
	if !m.sealed.Load() {
		m.routeMu.Lock()
		defer m.routeMu.Unlock()
	}
	idx, ok := m.routes[watchID]
	if !ok {
		return nil, false
	}
	return m.engines[idx], true
}

// Handle routes t by watchID and executes it immediately, recording the
// task's end time whatever the outcome.
func (m *Manager) Handle(watchID int, t *task.Task) error {
	engine, ok := m.route(watchID)
	if !ok {
		return m.unknownWatch(watchID, t)
	}
	err := engine.Execute(t)
	m.finish(engine, t, err)
	return err
}

// Admit is the dispatcher's entry point. It fixes t's place in the arrival
// order of the engine owning watchID and returns the job to run on a worker.
// Each job executes its engine's oldest admitted task, so jobs may be picked
// up in any order. A job that is never run must be reported to Rejected.
func (m *Manager) Admit(watchID int, t *task.Task) func() error {
	engine, ok := m.route(watchID)
	if !ok {
		return func() error { return m.unknownWatch(watchID, t) }
	}
	engine.admit(t)
	return func() error {
		next, err := engine.runNext()
		if next == nil {
			return nil
		}
		m.finish(engine, next, err)
		return err
	}
}

func (m *Manager) unknownWatch(watchID int, t *task.Task) error {
	t.SetLastError()
	err := fmt.Errorf("%w: %d", ErrUnknownWatch, watchID)
	m.log.WithActivity(t.ActivityID).Error("unknown watch descriptor, dropping task", logging.Fields{
		"watch_id": watchID,
		"object":   t.Name,
	})
	m.record(t, "", err)
	return err
}

func (m *Manager) finish(engine *Engine, t *task.Task, err error) {
	t.Finish()

	fields := logging.Fields{
		"source":      engine.source.Path(),
		"object":      t.Name,
		"action":      t.Action.String(),
		"duration_ms": t.Duration().Milliseconds(),
	}
	log := m.log.WithActivity(t.ActivityID)
	if err != nil {
		fields["reason"] = err.Error()
		log.Error("replication task failed", fields)
		return
	}
	log.Info("replication task completed", fields)
}

// Rejected records a task the dispatcher could not submit and withdraws it
// from its engine's arrival queue.
func (m *Manager) Rejected(watchID int, t *task.Task, err error) {
	t.SetLastError()
	source := ""
	if engine, ok := m.route(watchID); ok {
		engine.withdraw(t)
		source = engine.source.Path()
	}
	m.record(t, source, fmt.Errorf("%w: %w", ErrSubmissionRejected, err))
}

// FullSync mirrors every engine once, engines in parallel. Every engine runs
// even if another fails; the first error is returned.
func (m *Manager) FullSync(ctx context.Context) error {
	start := time.Now()
	m.log.Info("full synchronization started", logging.Fields{"engines": len(m.engines)})

	var g errgroup.Group
	for _, engine := range m.engines {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return engine.FullSync()
		})
	}
	err := g.Wait()

	fields := logging.Fields{"engines": len(m.engines), "duration_ms": logging.Since(start)}
	if err != nil {
		fields["reason"] = err.Error()
		m.log.Warn("full synchronization finished with failures", fields)
		return err
	}
	m.log.Info("full synchronization completed", fields)
	return nil
}

// Replay re-executes a dead-lettered task. When the letter names a target,
// only that target is synchronized. Failures are not dead-lettered again.
func (m *Manager) Replay(ctx context.Context, l deadletter.Letter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var engine *Engine
	for _, e := range m.engines {
		if src, err := directory.New(l.Source); err == nil && e.source.Equal(src) {
			engine = e
			break
		}
	}
	if engine == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSource, l.Source)
	}

	action, err := task.ParseAction(l.Action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	t := task.WithActivity(action, l.Object, l.ActivityID)

	targets := engine.targets
	if l.Target != "" {
		targets = nil
		for _, target := range engine.targets {
			if want, err := directory.New(l.Target); err == nil && target.Equal(want) {
				targets = append(targets, target)
			}
		}
		if len(targets) == 0 {
			return fmt.Errorf("target %s is not configured for source %s", l.Target, engine.source)
		}
	}

	m.log.WithActivity(t.ActivityID).Info("replaying dead letter", logging.Fields{
		"id":     l.ID,
		"source": engine.source.Path(),
		"object": l.Object,
		"action": l.Action,
	})
	err = engine.execute(t, targets, false)
	t.Finish()
	return err
}

// Close shuts the fan-out pool down after queued work completes.
func (m *Manager) Close() {
	m.fanout.Shutdown()
}

func (m *Manager) record(t *task.Task, source string, reason error) {
	_, err := m.deadLetters.Record(context.Background(), deadletter.Letter{
		ActivityID: t.ActivityID,
		Source:     source,
		Object:     t.Name,
		Action:     t.Action.String(),
		Reason:     reason.Error(),
	})
	if err != nil {
		m.log.WithActivity(t.ActivityID).Error("failed to record dead letter", logging.Fields{"error": err.Error()})
	}
}
