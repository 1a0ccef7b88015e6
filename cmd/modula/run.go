package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/modula-sync/modula/internal/daemon"
	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the replication daemon",
	Long: `Run the replication daemon in the foreground.

On startup every source is fully synchronized into its targets, then every
source directory is watched and each change is replicated as it happens.
SIGINT or SIGTERM stops the daemon after in-flight tasks complete.

Failed tasks are recorded in the dead-letter ledger (see 'modula deadletter').`,
	Run: func(cmd *cobra.Command, args []string) {
		settings, topo, err := loadAll()
		if err != nil {
			fatal("%v", err)
		}
		if port, _ := cmd.Flags().GetInt("dashboard-port"); port > 0 {
			settings.Dashboard.Port = port
		}
		skip, _ := cmd.Flags().GetBool("skip-full-sync")

		log, err := newLogger(settings, true)
		if err != nil {
			fatal("failed to initialize logging: %v", err)
		}
		defer log.Close()

		d, err := daemon.New(daemon.Config{
			Settings:     settings,
			Topology:     topo,
			SkipFullSync: skip,
		}, log)
		if err != nil {
			log.Critical("daemon startup failed", logging.Fields{"error": err.Error()})
			fatal("%v", err)
		}

		fmt.Fprintf(os.Stderr, "%s Replicating %d source(s)\n", ui.RenderAccent("▶"), len(topo.Mappings))
		if settings.Dashboard.Port > 0 {
			fmt.Fprintf(os.Stderr, "  Dashboard: ws://localhost:%d/ws\n", settings.Dashboard.Port)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Run(ctx); err != nil {
			log.Critical("daemon stopped with error", logging.Fields{"error": err.Error()})
			fatal("%v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	runCmd.Flags().Int("dashboard-port", 0, "serve the live dashboard on this port")
	runCmd.Flags().Bool("skip-full-sync", false, "do not mirror sources into targets on startup")
	rootCmd.AddCommand(runCmd)
}
