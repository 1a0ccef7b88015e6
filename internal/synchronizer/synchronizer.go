package synchronizer

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultTool is the copy tool looked up on PATH.
	DefaultTool = "rsync"
)

// DefaultFlags are passed to every invocation before the operands.
var DefaultFlags = []string{"-avz"}

// Synchronizer replicates objects into target directories.
// Manager is the production implementation; tests substitute their own.
type Synchronizer interface {
	// Synchronize copies objectPath into targetDir.
	Synchronize(objectPath, targetDir string) Result

	// Remove deletes name from targetDir to mirror its removal from sourceDir.
	Remove(sourceDir, name, targetDir string) Result

	// Mirror replicates the whole of sourceDir into targetDir.
	Mirror(sourceDir, targetDir string) Result
}

// Options configures a Manager.
type Options struct {
	// Tool is the copy tool path. Defaults to DefaultTool.
	Tool string
	// Flags precede the operands on every invocation. Defaults to DefaultFlags.
	Flags []string
	// DeleteOnFullSync adds --delete to Mirror so extraneous target entries
	// are removed.
	DeleteOnFullSync bool
}

// Manager invokes the copy tool. It holds no mutable state and is safe for
// concurrent use.
type Manager struct {
	tool             string
	flags            []string
	deleteOnFullSync bool
}

var _ Synchronizer = (*Manager)(nil)

// New returns a Manager configured by opts.
func New(opts Options) *Manager {
	tool := opts.Tool
	if tool == "" {
		tool = DefaultTool
	}
	flags := opts.Flags
	if len(flags) == 0 {
		flags = DefaultFlags
	}
	return &Manager{
		tool:             tool,
		flags:            append([]string(nil), flags...),
		deleteOnFullSync: opts.DeleteOnFullSync,
	}
}

// Tool returns the configured tool path.
func (m *Manager) Tool() string {
	return m.tool
}

// Synchronize runs `<tool> <flags> <objectPath> <targetDir>`.
func (m *Manager) Synchronize(objectPath, targetDir string) Result {
	return m.run(m.args(objectPath, targetDir)...)
}

// Remove runs a filtered --delete pass that touches only name in targetDir.
// The source side is not consulted for existence; the filter rules exclude
// everything except name, so the tool deletes it from the target.
func (m *Manager) Remove(sourceDir, name, targetDir string) Result {
	name = strings.Trim(name, "/")
	entry := name
	if strings.ContainsAny(name, filterWildcards) {
		entry = escapeFilter(name)
	}
	return m.run(m.args(
		"--delete",
		"--include=/"+entry,
		"--include=/"+escapeFilter(name)+"/***",
		"--exclude=*",
		withSlash(sourceDir),
		withSlash(targetDir),
	)...)
}

// Mirror runs a full-tree pass from sourceDir into targetDir.
func (m *Manager) Mirror(sourceDir, targetDir string) Result {
	var operands []string
	if m.deleteOnFullSync {
		operands = append(operands, "--delete")
	}
	operands = append(operands, withSlash(sourceDir), withSlash(targetDir))
	return m.run(m.args(operands...)...)
}

func (m *Manager) args(operands ...string) []string {
	args := make([]string, 0, len(m.flags)+len(operands))
	args = append(args, m.flags...)
	return append(args, operands...)
}

// ===================
// Command Execution
// ===================

func (m *Manager) run(args ...string) Result {
	res := Result{StartedAt: time.Now(), ExitCode: -1}

	cmd := exec.Command(m.tool, args...)

	// One buffer for both streams, like `2>&1`.
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	res.EndedAt = time.Now()
	res.Output = output.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Status = StatusProcessFailed
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("%w: %s exited with code %d: %s", ErrProcessFailed, m.tool, res.ExitCode, lastLine(res.Output))
			return res
		}
		res.Status = StatusSpawnFailed
		res.Err = fmt.Errorf("%w: %s: %w", ErrSpawnFailed, m.tool, err)
		return res
	}

	res.Status = StatusSuccess
	res.ExitCode = 0
	if sent, rate, ok := parseSummary(res.Output); ok {
		res.BytesTransferred = sent
		res.BytesPerSecond = rate
	}
	return res
}

// filterWildcards make a filter rule a wildcard pattern.
const filterWildcards = "*?["

// escapeFilter makes name match only itself inside a wildcard rule. The tool
// treats backslash as an escape only in rules that contain a wildcard, so a
// rule without one must carry name unescaped.
func escapeFilter(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '\\' || strings.ContainsRune(filterWildcards, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func withSlash(dir string) string {
	if strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		return output[i+1:]
	}
	return output
}
