package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modula-sync/modula/internal/config"
	"github.com/modula-sync/modula/internal/dashboard"
	"github.com/modula-sync/modula/internal/deadletter"
	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/monitor"
	"github.com/modula-sync/modula/internal/replication"
	"github.com/modula-sync/modula/internal/synchronizer"
)

// DefaultStatsInterval is how often the daemon logs and broadcasts counters.
const DefaultStatsInterval = 30 * time.Second

// ErrMonitorStopped is returned by Run when the monitor exits without a
// shutdown having been requested.
var ErrMonitorStopped = errors.New("monitor stopped unexpectedly")

var _ monitor.Manager = (*replication.Manager)(nil)

// Config holds configuration for the daemon.
type Config struct {
	Settings config.Settings
	Topology config.Topology

	// StatsInterval is how often monitor counters are reported.
	StatsInterval time.Duration

	// SkipFullSync disables the startup full synchronization.
	SkipFullSync bool
}

// Daemon owns every long-lived component and their lifecycle.
type Daemon struct {
	cfg Config
	log *logging.Logger

	letters   *deadletter.Store
	manager   *replication.Manager
	monitor   *monitor.Monitor
	dashboard *dashboard.Server
	handler   *dashboard.Handler

	// watching is closed once the monitor and dashboard are running.
	watching chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New builds the dead-letter store, the dashboard handler and the
// replication manager. Nothing watches or listens until Run.
func New(cfg Config, log *logging.Logger) (*Daemon, error) {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	d := &Daemon{cfg: cfg, log: log.Component("daemon"), watching: make(chan struct{})}

	var recorder deadletter.Recorder = deadletter.Nop{}
	if path := cfg.Settings.DeadLetter.Path; path != "" {
		store, err := deadletter.Open(path)
		if err != nil {
			return nil, err
		}
		d.letters = store
		recorder = store
	}

	var observer replication.Observer
	if port := cfg.Settings.Dashboard.Port; port > 0 {
		d.dashboard = dashboard.NewServer(dashboard.Config{
			Addr:   fmt.Sprintf(":%d", port),
			Logger: log,
		})
		d.handler = dashboard.NewHandler(d.dashboard, log)
		observer = d.handler
	}

	sc := cfg.Settings.Sync
	mgr, err := replication.New(cfg.Topology, replication.Options{
		FanoutWorkers: cfg.Settings.Replication.FanoutWorkers,
		Retries:       sc.Retries,
		RetryDelay:    sc.RetryDelay,
		Syncer: synchronizer.New(synchronizer.Options{
			Tool:             sc.Tool,
			Flags:            sc.Flags,
			DeleteOnFullSync: sc.DeleteOnFullSync,
		}),
		DeadLetters: recorder,
		Observer:    observer,
	}, log)
	if err != nil {
		_ = d.closeStore()
		return nil, err
	}
	d.manager = mgr
	return d, nil
}

// Manager returns the replication manager.
func (d *Daemon) Manager() *replication.Manager {
	return d.manager
}

// Run starts the daemon and blocks until ctx is cancelled or the monitor
// stops on its own, then shuts everything down in reverse order.
//
// Startup order:
//  1. full synchronization of every engine (failures are logged)
//  2. monitor: watches registered, router sealed, offloader and dispatcher running
//  3. dashboard, if enabled
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting daemon", logging.Fields{"sources": len(d.manager.Sources())})

	if !d.cfg.SkipFullSync {
		start := time.Now()
		err := d.manager.FullSync(ctx)
		if d.handler != nil {
			d.handler.OnFullSync(len(d.manager.Sources()), time.Since(start), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return d.Stop()
			}
			d.log.Error("initial full synchronization incomplete", logging.Fields{"error": err.Error()})
		}
	}

	backend, err := monitor.ParseBackend(d.cfg.Settings.Monitor.Backend)
	if err != nil {
		_ = d.Stop()
		return err
	}
	mon, err := monitor.New(monitor.Config{
		Backend:           backend,
		PollInterval:      d.cfg.Settings.Monitor.PollInterval,
		MaxBatch:          d.cfg.Settings.Monitor.MaxBatch,
		DispatcherWorkers: d.cfg.Settings.Monitor.DispatcherWorkers,
	}, d.manager, d.log)
	if err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	d.monitor = mon
	if err := mon.Start(ctx); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			_ = d.Stop()
			return err
		}
	}

	d.wg.Add(1)
	go d.reportStats(ctx)
	close(d.watching)

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received", nil)
		return d.Stop()
	case <-mon.Stopped():
	}
	if ctx.Err() != nil {
		d.log.Info("shutdown signal received", nil)
		return d.Stop()
	}
	d.log.Critical("monitor stopped without a shutdown request", nil)
	return errors.Join(ErrMonitorStopped, d.Stop())
}

// Stop shuts the daemon down: dashboard, monitor, replication manager, then
// the dead-letter store. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.log.Info("stopping daemon", nil)
		var errs []error

		if d.dashboard != nil {
			if err := d.dashboard.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if d.monitor != nil {
			if err := d.monitor.Interrupt(); err != nil {
				d.log.Debug("interrupt already signalled", logging.Fields{"error": err.Error()})
			}
			if err := d.monitor.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.wg.Wait()
		d.manager.Close()
		if err := d.closeStore(); err != nil {
			errs = append(errs, err)
		}

		d.stopErr = errors.Join(errs...)
		d.log.Info("daemon stopped", nil)
	})
	return d.stopErr
}

func (d *Daemon) closeStore() error {
	if d.letters == nil {
		return nil
	}
	return d.letters.Close()
}

// reportStats logs monitor counters on a ticker until the monitor stops.
func (d *Daemon) reportStats(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.monitor.Stopped():
			return
		case <-ticker.C:
			s := d.monitor.Stats()
			d.log.Info("monitor stats", logging.Fields{
				"offloaded":  s.Offloaded,
				"dispatched": s.Dispatched,
				"dropped":    s.Dropped,
				"rejected":   s.Rejected,
				"pending":    s.Pending,
			})
			if d.handler != nil {
				d.handler.OnMonitorStats(s.Offloaded, s.Dispatched, s.Dropped, s.Pending)
			}
		}
	}
}
