package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modula-sync/modula/internal/deadletter"
	"github.com/modula-sync/modula/internal/task"
	"github.com/modula-sync/modula/internal/ui"
)

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	GroupID: "maint",
	Short:   "Inspect and replay dropped replication tasks",
	Long: `Every task that could not be replicated is recorded in the dead-letter
ledger: unknown watch descriptors, objects that vanished before their task
ran, targets that still failed after every retry and tasks the dispatcher
could not submit during shutdown.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		store := openLedger()
		defer store.Close()

		filter := deadletter.Filter{}
		filter.Source, _ = cmd.Flags().GetString("source")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseTime(since, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			filter.Since = t
		}

		letters, err := store.List(context.Background(), filter)
		if err != nil {
			fatal("%v", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(letters); err != nil {
				fatal("%v", err)
			}
			return
		}

		if len(letters) == 0 {
			fmt.Printf("%s No dead letters\n", ui.RenderPass("✓"))
			return
		}
		rows := make([][]string, 0, len(letters))
		for _, l := range letters {
			rows = append(rows, []string{
				strconv.FormatInt(l.ID, 10),
				task.FormatTimestamp(l.FailedAt),
				l.Action,
				l.Source,
				l.Object,
				l.Target,
				l.Reason,
			})
		}
		fmt.Println(ui.Table([]string{"ID", "FAILED AT", "ACTION", "SOURCE", "OBJECT", "TARGET", "REASON"}, rows))
		fmt.Printf("\n%s %d dead letter(s)\n", ui.RenderWarn("⚠"), len(letters))
	},
}

var deadletterReplayCmd = &cobra.Command{
	Use:   "replay [id...]",
	Short: "Re-execute dead letters and delete the ones that succeed",
	Long: `Re-execute dead letters against the current topology. A letter that names
a target is replayed against that target only. Letters that succeed are
deleted; letters that fail again stay in the ledger.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			fatal("specify dead letter ids or --all")
		}

		settings, topo, err := loadAll()
		if err != nil {
			fatal("%v", err)
		}
		if settings.DeadLetter.Path == "" {
			fatal("dead-lettering is disabled (deadletter.path is empty)")
		}
		log, err := newLogger(settings, false)
		if err != nil {
			fatal("failed to initialize logging: %v", err)
		}

		p, err := openPipeline(settings, topo, log)
		if err != nil {
			fatal("%v", err)
		}
		defer p.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var letters []deadletter.Letter
		if all {
			letters, err = p.letters.List(ctx, deadletter.Filter{})
			if err != nil {
				fatal("%v", err)
			}
		} else {
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					fatal("invalid dead letter id %q", arg)
				}
				l, err := p.letters.Get(ctx, id)
				if err != nil {
					fatal("%v", err)
				}
				letters = append(letters, l)
			}
		}

		var replayed, failed int
		for _, l := range letters {
			if ctx.Err() != nil {
				break
			}
			if err := p.manager.Replay(ctx, l); err != nil {
				failed++
				fmt.Printf("%s #%d %s %s: %v\n", ui.RenderFail("✗"), l.ID, l.Action, l.Object, err)
				continue
			}
			if err := p.letters.Delete(ctx, l.ID); err != nil {
				fmt.Printf("%s #%d replayed but not deleted: %v\n", ui.RenderWarn("⚠"), l.ID, err)
			}
			replayed++
			fmt.Printf("%s #%d %s %s\n", ui.RenderPass("✓"), l.ID, l.Action, l.Object)
		}

		fmt.Printf("\nReplayed %d, failed %d\n", replayed, failed)
		if failed > 0 {
			p.Close()
			os.Exit(1)
		}
	},
}

var deadletterPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters older than a point in time",
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")
		all, _ := cmd.Flags().GetBool("all")
		if before == "" && !all {
			fatal("specify --before or --all")
		}

		var cutoff time.Time
		if !all {
			t, err := parseTime(before, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			cutoff = t
		}

		store := openLedger()
		defer store.Close()

		n, err := store.Purge(context.Background(), cutoff)
		if err != nil {
			fatal("%v", err)
		}
		if all {
			fmt.Printf("%s Purged %d dead letter(s)\n", ui.RenderPass("✓"), n)
			return
		}
		fmt.Printf("%s Purged %d dead letter(s) older than %s\n", ui.RenderPass("✓"), n, task.FormatTimestamp(cutoff))
	},
}

func openLedger() *deadletter.Store {
	settings, _, err := loadSettings()
	if err != nil {
		fatal("%v", err)
	}
	if settings.DeadLetter.Path == "" {
		fatal("dead-lettering is disabled (deadletter.path is empty)")
	}
	store, err := deadletter.Open(settings.DeadLetter.Path)
	if err != nil {
		fatal("%v", err)
	}
	return store
}

func init() {
	deadletterListCmd.Flags().String("since", "", `only letters failed after this time ("2h", "yesterday", "2026-01-02")`)
	deadletterListCmd.Flags().String("source", "", "only letters for this source directory")
	deadletterListCmd.Flags().Int("limit", 0, "maximum number of letters (0 = all)")
	deadletterListCmd.Flags().Bool("json", false, "output JSON")

	deadletterReplayCmd.Flags().Bool("all", false, "replay every dead letter")

	deadletterPurgeCmd.Flags().String("before", "", `delete letters failed before this time ("7 days ago", "168h")`)
	deadletterPurgeCmd.Flags().Bool("all", false, "delete every dead letter")

	deadletterCmd.AddCommand(deadletterListCmd, deadletterReplayCmd, deadletterPurgeCmd)
	rootCmd.AddCommand(deadletterCmd)
}
