package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/modula-sync/modula/internal/config"
	"github.com/modula-sync/modula/internal/directory"
	"github.com/modula-sync/modula/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:     "validate",
	GroupID: "maint",
	Short:   "Check settings, topology and the copy tool",
	Run: func(cmd *cobra.Command, args []string) {
		settings, _, err := loadSettings()
		if err != nil {
			fmt.Printf("%s settings: %v\n", ui.RenderFail("✗"), err)
			fatal("invalid settings")
		}
		fmt.Printf("%s settings\n", ui.RenderPass("✓"))

		failed := false
		if path, err := exec.LookPath(settings.Sync.Tool); err != nil {
			fmt.Printf("%s copy tool %q not found\n", ui.RenderFail("✗"), settings.Sync.Tool)
			failed = true
		} else {
			fmt.Printf("%s copy tool %s\n", ui.RenderPass("✓"), ui.RenderMuted(path))
		}

		topo, err := config.LoadTopology(settings.Topology)
		if err != nil {
			fmt.Printf("%s topology %s: %v\n", ui.RenderFail("✗"), settings.Topology, err)
			fatal("invalid topology")
		}
		fmt.Printf("%s topology %s\n", ui.RenderPass("✓"), ui.RenderMuted(settings.Topology))

		for _, m := range topo.Mappings {
			fmt.Printf("  %s\n", ui.RenderAccent(m.Source))
			for _, raw := range m.Targets {
				note := ""
				if target, err := directory.New(raw); err == nil && !target.Exists() {
					note = ui.RenderWarn(" (will be created)")
				}
				fmt.Printf("    → %s%s\n", raw, note)
			}
		}

		if failed {
			fatal("validation failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
