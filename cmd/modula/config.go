package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings as YAML",
	Long: `Print the settings after defaults, the config file, MODULA_* environment
variables and flags have been applied.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings, v, err := loadSettings()
		if err != nil {
			fatal("%v", err)
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			fatal("failed to encode settings: %v", err)
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# config file: %s\n", used)
		}
		fmt.Print(string(out))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
