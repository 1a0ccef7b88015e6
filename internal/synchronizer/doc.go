// Package synchronizer runs the external copy tool (rsync by default) for a
// single (object, target) pair and classifies the outcome.
//
// Overview
//
// Byte copying is never done in-process. Every replication step becomes one
// child process:
//
//	create/update   rsync -avz <source>/<object> <target>
//	remove          rsync -avz --delete --include=/<object> --include=/<object>/*** --exclude=* <source>/ <target>/
//	full sync       rsync -avz [--delete] <source>/ <target>/
//
// Standard output and standard error share one buffer, so the captured
// output interleaves exactly as a terminal would show it. The process is
// reaped once by exec.Cmd.Run on every path.
//
// Classification
//
//   - The tool could not be started          → StatusSpawnFailed
//   - The tool exited non-zero or by signal  → StatusProcessFailed
//   - Otherwise                              → StatusSuccess
//
// On success the output is scanned for rsync's summary line
// ("sent N bytes ... R bytes/sec"). A missing summary is not an error; the
// metrics are simply zero.
//
// There is no subprocess timeout. A hung tool occupies one fan-out worker
// until it exits.
package synchronizer
