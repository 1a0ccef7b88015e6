package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/task"
)

type handled struct {
	watchID int
	action  task.Action
	name    string
}

type fakeManager struct {
	sources []string

	mu       sync.Mutex
	routes   map[int]int
	sealed   bool
	rejected []*task.Task

	handled chan handled
}

func newFakeManager(sources ...string) *fakeManager {
	return &fakeManager{
		sources: sources,
		routes:  make(map[int]int),
		handled: make(chan handled, 128),
	}
}

func (f *fakeManager) Sources() []string { return f.sources }

func (f *fakeManager) AppendRoute(watchID, engineIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return errors.New("sealed")
	}
	f.routes[watchID] = engineIndex
	return nil
}

func (f *fakeManager) Seal() {
	f.mu.Lock()
	f.sealed = true
	f.mu.Unlock()
}

func (f *fakeManager) Admit(watchID int, t *task.Task) func() error {
	return func() error {
		f.handled <- handled{watchID: watchID, action: t.Action, name: t.Name}
		return nil
	}
}

func (f *fakeManager) Rejected(watchID int, t *task.Task, err error) {
	f.mu.Lock()
	f.rejected = append(f.rejected, t)
	f.mu.Unlock()
}

func backends() []Backend {
	if runtime.GOOS == "linux" {
		return []Backend{BackendInotify, BackendFsnotify}
	}
	return []Backend{BackendFsnotify}
}

func testConfig(backend Backend) Config {
	return Config{
		Backend:           backend,
		PollInterval:      20 * time.Millisecond,
		MaxBatch:          16,
		DispatcherWorkers: 2,
	}
}

func waitFor(t *testing.T, ch <-chan handled, match func(handled) bool) handled {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case h := <-ch:
			if match(h) {
				return h
			}
		case <-timeout:
			t.Fatal("timed out waiting for dispatched task")
			return handled{}
		}
	}
}

func TestNew_RegistersEveryWatchAndSeals(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			a, b := t.TempDir(), t.TempDir()
			mgr := newFakeManager(a, b)

			m, err := New(testConfig(backend), mgr, logging.Nop())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer m.Close()

			if len(mgr.routes) != 2 {
				t.Fatalf("got %d routes, want 2", len(mgr.routes))
			}
			seen := map[int]bool{}
			for _, idx := range mgr.routes {
				seen[idx] = true
			}
			if !seen[0] || !seen[1] {
				t.Errorf("routes = %v, want engine indexes 0 and 1", mgr.routes)
			}
			if !mgr.sealed {
				t.Error("router should be sealed after construction")
			}
		})
	}
}

func TestNew_FailedWatchLeavesNothingRegistered(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			missing := filepath.Join(t.TempDir(), "does-not-exist")
			mgr := newFakeManager(t.TempDir(), missing)

			m, err := New(testConfig(backend), mgr, logging.Nop())
			if err == nil {
				m.Close()
				t.Fatal("New() should fail when a source cannot be watched")
			}
			if mgr.sealed {
				t.Error("router must not be sealed after a failed construction")
			}
		})
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "kqueue-ng"}, newFakeManager(t.TempDir()), logging.Nop()); err == nil {
		t.Error("New() with unknown backend should fail")
	}
}

func TestParseBackend(t *testing.T) {
	if b, err := ParseBackend(""); err != nil || b != defaultBackend {
		t.Errorf("ParseBackend(\"\") = (%v, %v), want default", b, err)
	}
	if _, err := ParseBackend("polling"); err == nil {
		t.Error("ParseBackend(\"polling\") should fail")
	}
}

func TestMonitor_DispatchesFilesystemChanges(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			src := t.TempDir()
			mgr := newFakeManager(src)

			m, err := New(testConfig(backend), mgr, logging.Nop())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer m.Close()

			if err := m.Start(context.Background()); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}

			path := filepath.Join(src, "a.txt")
			if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
				t.Fatal(err)
			}
			got := waitFor(t, mgr.handled, func(h handled) bool {
				return h.name == "a.txt" && h.action == task.ActionCreate
			})

			var wantWatch int
			for wd := range mgr.routes {
				wantWatch = wd
			}
			if got.watchID != wantWatch {
				t.Errorf("watch id = %d, want %d", got.watchID, wantWatch)
			}

			if err := os.Remove(path); err != nil {
				t.Fatal(err)
			}
			waitFor(t, mgr.handled, func(h handled) bool {
				return h.name == "a.txt" && h.action == task.ActionRemove
			})

			if stats := m.Stats(); stats.Offloaded < 2 || stats.Dispatched < 1 {
				t.Errorf("Stats() = %+v, want at least 2 offloaded and 1 dispatched", stats)
			}
		})
	}
}

func TestMonitor_RenameBecomesRemoveAndCreate(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("inotify backend only")
	}
	src := t.TempDir()
	mgr := newFakeManager(src)

	m, err := New(testConfig(BackendInotify), mgr, logging.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer m.Close()

	old := filepath.Join(src, "old.txt")
	if err := os.WriteFile(old, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := os.Rename(old, filepath.Join(src, "new.txt")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, mgr.handled, func(h handled) bool {
		return h.name == "old.txt" && h.action == task.ActionRemove
	})
	waitFor(t, mgr.handled, func(h handled) bool {
		return h.name == "new.txt" && h.action == task.ActionCreate
	})
}

// A termination request while the offloader is parked in its wait must stop
// both goroutines promptly.
func TestMonitor_InterruptStopsWhileBlocked(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			mgr := newFakeManager(t.TempDir())
			cfg := testConfig(backend)
			cfg.PollInterval = 50 * time.Millisecond

			m, err := New(cfg, mgr, logging.Nop())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer m.Close()

			if err := m.Start(context.Background()); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			// Let the offloader reach its blocking wait.
			time.Sleep(50 * time.Millisecond)

			if m.Stopping() {
				t.Fatal("monitor stopping before any termination request")
			}
			if err := m.Interrupt(); err != nil {
				t.Fatalf("Interrupt() failed: %v", err)
			}

			select {
			case <-m.Stopped():
			case <-time.After(time.Second):
				t.Fatal("monitor did not stop after Interrupt()")
			}
			if !m.Stopping() {
				t.Error("Stopping() should be true after Interrupt()")
			}
		})
	}
}

func TestMonitor_ContextCancelStops(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			m, err := New(testConfig(backend), newFakeManager(t.TempDir()), logging.Nop())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer m.Close()

			ctx, cancel := context.WithCancel(context.Background())
			if err := m.Start(ctx); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			cancel()

			select {
			case <-m.Stopped():
			case <-time.After(time.Second):
				t.Fatal("monitor did not stop after context cancellation")
			}
		})
	}
}

func TestMonitor_StartTwice(t *testing.T) {
	m, err := New(testConfig(""), newFakeManager(t.TempDir()), logging.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestMonitor_CloseWithoutStart(t *testing.T) {
	m, err := New(testConfig(""), newFakeManager(t.TempDir()), logging.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	select {
	case <-m.Stopped():
	default:
		t.Error("Stopped() should be closed after Close()")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close() = %v, want ErrClosed", err)
	}
}

func TestMonitor_InterruptAfterClose(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			m, err := New(testConfig(backend), newFakeManager(t.TempDir()), logging.Nop())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			if err := m.Start(context.Background()); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			if err := m.Close(); err != nil {
				t.Fatalf("Close() failed: %v", err)
			}
			if err := m.Interrupt(); !errors.Is(err, ErrClosed) {
				t.Errorf("Interrupt() after Close() = %v, want ErrClosed", err)
			}
		})
	}
}

func TestDispatch_RejectedSubmissionIsReported(t *testing.T) {
	mgr := newFakeManager(t.TempDir())
	m, err := New(testConfig(""), mgr, logging.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer m.Close()

	m.pool.Shutdown()
	m.dispatch(Event{WatchID: 1, Action: task.ActionUpdate, Name: "late.txt"})

	if got := m.Stats().Rejected; got != 1 {
		t.Errorf("Stats().Rejected = %d, want 1", got)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.rejected) != 1 || mgr.rejected[0].Name != "late.txt" {
		t.Errorf("rejected = %v, want late.txt", mgr.rejected)
	}
}
