// Package daemon wires the replication pipeline together and runs it until
// shutdown.
//
// # Architecture
//
//   - replication.Manager: one engine per source, a shared fan-out pool
//   - monitor.Monitor: kernel watches, offloader and dispatcher
//   - deadletter.Store: SQLite ledger of dropped tasks (optional)
//   - dashboard.Server: live WebSocket feed (optional)
//
// Components start in that dependency order, with a full synchronization of
// every engine between the manager and the monitor, and stop in reverse:
//
//	d, err := daemon.New(daemon.Config{Settings: settings, Topology: topo}, log)
//	if err != nil {
//	    return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	return d.Run(ctx)
//
// A failed initial full synchronization is logged and does not prevent the
// daemon from watching; the failed targets are dead-lettered.
package daemon
