package synchronizer

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modula-sync/modula/internal/testutil"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantSent int64
		wantRate float64
		wantOK   bool
	}{
		{
			name:     "rsync summary",
			output:   "sending incremental file list\na.txt\n\nsent 123 bytes  received 35 bytes  316.00 bytes/sec\ntotal size is 5  speedup is 0.03\n",
			wantSent: 123,
			wantRate: 316,
			wantOK:   true,
		},
		{
			name:     "integer rate",
			output:   "sent 4096 bytes  received 20 bytes  8232 bytes/sec",
			wantSent: 4096,
			wantRate: 8232,
			wantOK:   true,
		},
		{
			name:   "no summary",
			output: "sending incremental file list\n",
		},
		{
			name: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent, rate, ok := parseSummary(tt.output)
			if ok != tt.wantOK || sent != tt.wantSent || rate != tt.wantRate {
				t.Errorf("parseSummary() = (%d, %v, %v), want (%d, %v, %v)",
					sent, rate, ok, tt.wantSent, tt.wantRate, tt.wantOK)
			}
		})
	}
}

func TestSynchronize_Success(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
	m := New(Options{Tool: tool.Path})

	res := m.Synchronize("/src/a.txt", "/dst")
	if !res.OK() {
		t.Fatalf("Synchronize() status = %v, err = %v", res.Status, res.Err)
	}
	if res.BytesTransferred != 123 || res.BytesPerSecond != 316 {
		t.Errorf("metrics = (%d, %v), want (123, 316)", res.BytesTransferred, res.BytesPerSecond)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.EndedAt.Before(res.StartedAt) {
		t.Error("end time before start time")
	}

	calls := tool.Invocations(t)
	if len(calls) != 1 {
		t.Fatalf("got %d invocations, want 1", len(calls))
	}
	if calls[0] != "-avz /src/a.txt /dst" {
		t.Errorf("invocation = %q", calls[0])
	}
}

func TestSynchronize_NoSummaryIsSuccess(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{Silent: true})
	m := New(Options{Tool: tool.Path})

	res := m.Synchronize("/src/a.txt", "/dst")
	if !res.OK() {
		t.Fatalf("Synchronize() status = %v, err = %v", res.Status, res.Err)
	}
	if res.BytesTransferred != 0 || res.BytesPerSecond != 0 {
		t.Errorf("metrics = (%d, %v), want zero", res.BytesTransferred, res.BytesPerSecond)
	}
}

func TestSynchronize_NonZeroExit(t *testing.T) {
	tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{FailMarker: "broken"})
	m := New(Options{Tool: tool.Path})

	res := m.Synchronize("/src/a.txt", "/dst/broken")
	if res.Status != StatusProcessFailed {
		t.Fatalf("Status = %v, want %v", res.Status, StatusProcessFailed)
	}
	if res.ExitCode != 23 {
		t.Errorf("ExitCode = %d, want 23", res.ExitCode)
	}
	if !errors.Is(res.Err, ErrProcessFailed) {
		t.Fatalf("Err = %v, want ErrProcessFailed", res.Err)
	}
	if !strings.Contains(res.Output, "simulated failure") {
		t.Errorf("stderr not captured in Output: %q", res.Output)
	}
}

func TestSynchronize_SpawnFailure(t *testing.T) {
	m := New(Options{Tool: filepath.Join(t.TempDir(), "no-such-tool")})

	res := m.Synchronize("/src/a.txt", "/dst")
	if res.Status != StatusSpawnFailed {
		t.Fatalf("Status = %v, want %v", res.Status, StatusSpawnFailed)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if !errors.Is(res.Err, ErrSpawnFailed) {
		t.Errorf("Err = %v, want ErrSpawnFailed", res.Err)
	}
}

func TestRemove_Arguments(t *testing.T) {
	tests := []struct {
		name   string
		object string
		want   string
	}{
		{
			name:   "plain name",
			object: "old.log",
			want:   `-avz --delete --include=/old.log --include=/old.log/*** --exclude=* /src/ /dst/`,
		},
		{
			name:   "bracket is literal",
			object: "report[1].txt",
			want:   `-avz --delete --include=/report\[1].txt --include=/report\[1].txt/*** --exclude=* /src/ /dst/`,
		},
		{
			name:   "star matches only itself",
			object: "*.bak",
			want:   `-avz --delete --include=/\*.bak --include=/\*.bak/*** --exclude=* /src/ /dst/`,
		},
		{
			name:   "question mark and backslash",
			object: `a?b\c`,
			want:   `-avz --delete --include=/a\?b\\c --include=/a\?b\\c/*** --exclude=* /src/ /dst/`,
		},
		{
			name:   "backslash without wildcard stays bare",
			object: `a\b`,
			want:   `-avz --delete --include=/a\b --include=/a\\b/*** --exclude=* /src/ /dst/`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
			m := New(Options{Tool: tool.Path})

			if res := m.Remove("/src", tt.object, "/dst"); !res.OK() {
				t.Fatalf("Remove() failed: %v", res.Err)
			}

			calls := tool.Invocations(t)
			if len(calls) != 1 {
				t.Fatalf("got %d invocations, want 1", len(calls))
			}
			if calls[0] != tt.want {
				t.Errorf("invocation = %q, want %q", calls[0], tt.want)
			}
		})
	}
}

func TestMirror_Arguments(t *testing.T) {
	tests := []struct {
		name   string
		delete bool
		want   string
	}{
		{name: "additive", want: "-a /src/ /dst/"},
		{name: "with delete", delete: true, want: "-a --delete /src/ /dst/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := testutil.NewFakeTool(t, testutil.FakeToolOptions{})
			m := New(Options{Tool: tool.Path, Flags: []string{"-a"}, DeleteOnFullSync: tt.delete})

			if res := m.Mirror("/src", "/dst/"); !res.OK() {
				t.Fatalf("Mirror() failed: %v", res.Err)
			}
			calls := tool.Invocations(t)
			if len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("invocations = %q, want [%q]", calls, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New(Options{})
	if m.Tool() != DefaultTool {
		t.Errorf("Tool() = %s, want %s", m.Tool(), DefaultTool)
	}
	if got := strings.Join(m.args("x"), " "); got != "-avz x" {
		t.Errorf("args() = %q", got)
	}
}
