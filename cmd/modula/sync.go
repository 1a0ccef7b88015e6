package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modula-sync/modula/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "daemon",
	Short:   "Mirror every source into its targets once",
	Long: `Run one full synchronization of every source into all of its targets and
exit. Sources are processed in parallel. Nothing is watched.

Targets that fail are recorded in the dead-letter ledger.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings, topo, err := loadAll()
		if err != nil {
			fatal("%v", err)
		}
		log, err := newLogger(settings, false)
		if err != nil {
			fatal("failed to initialize logging: %v", err)
		}

		p, err := openPipeline(settings, topo, log)
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Synchronizing %d source(s)...\n", ui.RenderAccent("⟳"), len(topo.Mappings))
		start := time.Now()
		err = p.manager.FullSync(ctx)
		p.Close()

		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			fmt.Printf("%s Sync finished with failures in %v\n", ui.RenderFail("✗"), elapsed)
			fatal("%v", err)
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
