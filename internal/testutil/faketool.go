// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// FakeToolOptions configures NewFakeTool.
type FakeToolOptions struct {
	// FailMarker makes the tool exit 23 when its last operand contains it.
	FailMarker string
	// Delay is slept before the tool answers.
	Delay time.Duration
	// Silent suppresses the rsync-style summary line.
	Silent bool
}

// FakeTool is a shell script standing in for rsync. Every invocation appends
// its arguments as one line to a log so tests can count subprocess calls.
type FakeTool struct {
	Path    string
	LogPath string
}

// NewFakeTool writes the script into a temporary directory.
func NewFakeTool(t testing.TB, opts FakeToolOptions) *FakeTool {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake sync tool requires a POSIX shell")
	}

	dir := t.TempDir()
	ft := &FakeTool{
		Path:    filepath.Join(dir, "fake-rsync"),
		LogPath: filepath.Join(dir, "invocations.log"),
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "printf '%%s\\n' \"$*\" >> '%s'\n", ft.LogPath)
	if opts.Delay > 0 {
		fmt.Fprintf(&b, "sleep %.3f\n", opts.Delay.Seconds())
	}
	b.WriteString("for last; do :; done\n")
	if opts.FailMarker != "" {
		fmt.Fprintf(&b, "case \"$last\" in *%s*) echo \"rsync: simulated failure for $last\" >&2; exit 23;; esac\n", opts.FailMarker)
	}
	b.WriteString("echo 'sending incremental file list'\n")
	if !opts.Silent {
		b.WriteString("echo 'sent 123 bytes  received 35 bytes  316.00 bytes/sec'\n")
	}
	b.WriteString("exit 0\n")

	if err := os.WriteFile(ft.Path, []byte(b.String()), 0755); err != nil {
		t.Fatalf("failed to write fake tool: %v", err)
	}
	return ft
}

// Invocations returns the argument line of every call so far.
func (f *FakeTool) Invocations(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(f.LogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to read invocation log: %v", err)
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Count returns the number of calls so far.
func (f *FakeTool) Count(t testing.TB) int {
	t.Helper()
	return len(f.Invocations(t))
}

// WaitForCount polls until at least n calls were logged or timeout elapses.
func (f *FakeTool) WaitForCount(t testing.TB, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Count(t) >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return f.Count(t) >= n
}
