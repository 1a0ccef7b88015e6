package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modula-sync/modula/internal/config"
	"github.com/modula-sync/modula/internal/deadletter"
	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/testutil"
)

func testSettings(t *testing.T, tool string) config.Settings {
	t.Helper()
	return config.Settings{
		Sync: config.SyncSettings{
			Tool:  tool,
			Flags: []string{"-avz"},
		},
		Monitor: config.MonitorSettings{
			Backend:           "fsnotify",
			PollInterval:      5 * time.Millisecond,
			MaxBatch:          64,
			DispatcherWorkers: 4,
		},
		Replication: config.ReplicationSettings{FanoutWorkers: 8},
		DeadLetter:  config.DeadLetterSettings{Path: filepath.Join(t.TempDir(), "letters.db")},
	}
}

func testTopology(t *testing.T, targets int) (config.Topology, string, []string) {
	t.Helper()
	root := t.TempDir()
	source := filepath.Join(root, "src")
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	var dsts []string
	for i := range targets {
		dsts = append(dsts, filepath.Join(root, "dst"+string(rune('a'+i))))
	}
	return config.Topology{Mappings: []config.Mapping{{Source: source, Targets: dsts}}}, source, dsts
}

func runDaemon(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRunReplicatesAndStops(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
	topo, source, targets := testTopology(t, 2)

	d, err := New(Config{Settings: testSettings(t, tool.Path), Topology: topo}, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cancel, done := runDaemon(t, d)

	// Full sync: one mirror per target.
	if !tool.WaitForCount(t, len(targets), 5*time.Second) {
		t.Fatalf("full sync ran %d times, want %d", tool.Count(t), len(targets))
	}
	// Give the monitor time to register its watch.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(source, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if !tool.WaitForCount(t, len(targets)+len(targets), 5*time.Second) {
		t.Fatalf("expected at least %d invocations, got %d", 2*len(targets), tool.Count(t))
	}

	found := false
	for _, call := range tool.Invocations(t) {
		if strings.Contains(call, filepath.Join(source, "new.txt")) {
			found = true
		}
	}
	if !found {
		t.Errorf("no invocation copied new.txt: %v", tool.Invocations(t))
	}

	cancel()
	waitDone(t, done)
}

func TestFullSyncFailureIsNotFatal(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{FailMarker: "dstb"})
	topo, _, _ := testTopology(t, 2)
	settings := testSettings(t, tool.Path)

	d, err := New(Config{Settings: settings, Topology: topo}, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cancel, done := runDaemon(t, d)

	if !tool.WaitForCount(t, 2, 5*time.Second) {
		t.Fatalf("full sync ran %d times, want 2", tool.Count(t))
	}
	time.Sleep(100 * time.Millisecond)
	cancel()
	waitDone(t, done)

	store, err := deadletter.Open(settings.DeadLetter.Path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	letters, err := store.List(context.Background(), deadletter.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(letters))
	}
	if letters[0].Action != "full-sync" || !strings.HasSuffix(letters[0].Target, "dstb") {
		t.Errorf("dead letter = %+v", letters[0])
	}
}

func TestNewFailsForMissingSource(t *testing.T) {
	root := t.TempDir()
	topo := config.Topology{Mappings: []config.Mapping{{
		Source:  filepath.Join(root, "missing"),
		Targets: []string{filepath.Join(root, "dst")},
	}}}
	if _, err := New(Config{Settings: testSettings(t, "rsync"), Topology: topo}, logging.Nop()); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestRunCanceledDuringFullSync(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
	topo, _, _ := testTopology(t, 1)

	d, err := New(Config{Settings: testSettings(t, tool.Path), Topology: topo}, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned error: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
	topo, _, _ := testTopology(t, 1)
	settings := testSettings(t, tool.Path)
	settings.Monitor.Backend = "kqueue"

	d, err := New(Config{Settings: settings, Topology: topo, SkipFullSync: true}, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRunFailsWhenMonitorStopsOnItsOwn(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
	topo, _, _ := testTopology(t, 1)

	d, err := New(Config{Settings: testSettings(t, tool.Path), Topology: topo, SkipFullSync: true}, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cancel, done := runDaemon(t, d)
	defer cancel()

	select {
	case <-d.watching:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never started watching")
	}
	// The offloader leaves through its termination source while the daemon
	// context is still live.
	if err := d.monitor.Interrupt(); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrMonitorStopped) {
			t.Fatalf("Run returned %v, want ErrMonitorStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
