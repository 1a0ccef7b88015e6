// Package monitor turns kernel filesystem notifications into replication
// tasks.
//
// # Architecture
//
// A Monitor owns one watch per source directory and two goroutines:
//
//	kernel ──► notifier ──► offloader ──► eventQueue ──► dispatcher ──► Manager.Admit ──► pool
//	              ▲
//	   Interrupt ─┘ (termination channel)
//
//   - The offloader blocks in the notifier's readiness wait with no timeout.
//     When the termination channel becomes ready it cancels the monitor
//     context and returns; that is its only exit path. Otherwise it decodes
//     a buffer of records into a bucket of events and appends the whole
//     bucket to the queue under one lock acquisition.
//   - The dispatcher checks the monitor context at the top of every
//     iteration, drains up to MaxBatch events and builds a task per event.
//     Each task is admitted to its engine in drain order, which fixes its
//     place in that engine's sequence, and the returned job is submitted to
//     the dispatcher's own worker pool. When the queue is empty it sleeps
//     for PollInterval.
//
// # Backends
//
// The inotify backend (Linux) registers exactly two sources with epoll: the
// inotify descriptor and an eventfd used as the termination channel. Records
// are decoded by an explicit parser that validates every declared length
// against the bytes remaining in the buffer.
//
// The fsnotify backend works on every platform fsnotify supports. Watch ids
// are synthetic and termination is a closed channel.
//
// # Failure semantics
//
// New registers every watch before returning. If any registration fails,
// everything already opened is released and no monitor is returned. Close
// always removes every watch and closes every descriptor.
package monitor
