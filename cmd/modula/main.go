package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modula-sync/modula/internal/config"
	"github.com/modula-sync/modula/internal/deadletter"
	"github.com/modula-sync/modula/internal/logging"
	"github.com/modula-sync/modula/internal/replication"
	"github.com/modula-sync/modula/internal/synchronizer"
)

var (
	configFile   string
	topologyFlag string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "modula",
	Short: "Event-driven directory replicator",
	Long: `modula watches source directories and replicates every change into one
or more target directories with rsync.

Settings are read from $HOME/.modula/config.yaml (or --config), overridden
by MODULA_* environment variables and flags. The replication topology lives
in its own YAML or TOML file:

  replicas:
    - source: /srv/data
      targets: [/mnt/backup/data, /mnt/mirror/data]`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Replication:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $HOME/.modula/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&topologyFlag, "topology", "", "topology file (overrides the topology setting)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warning, error, critical")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings resolves defaults, config file, environment and flags.
func loadSettings() (config.Settings, *viper.Viper, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return config.Settings{}, nil, err
	}
	if topologyFlag != "" {
		v.Set("topology", topologyFlag)
	}
	if logLevelFlag != "" {
		v.Set("log.level", logLevelFlag)
	}
	settings, err := config.Load(v)
	if err != nil {
		return config.Settings{}, nil, err
	}
	return settings, v, nil
}

// loadAll returns settings and the validated topology.
func loadAll() (config.Settings, config.Topology, error) {
	settings, _, err := loadSettings()
	if err != nil {
		return config.Settings{}, config.Topology{}, err
	}
	topo, err := config.LoadTopology(settings.Topology)
	if err != nil {
		return config.Settings{}, config.Topology{}, err
	}
	return settings, topo, nil
}

// newLogger builds the process logger. Short-lived commands pass fileSink
// false and log to the console only.
func newLogger(settings config.Settings, fileSink bool) (*logging.Logger, error) {
	opts := logging.Options{
		Level:      logging.Level(settings.Log.Level),
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAgeDays: settings.Log.MaxAgeDays,
		Console:    os.Stderr,
	}
	if fileSink {
		opts.Dir = settings.Log.Dir
	}
	return logging.New(opts)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// pipeline is a replication manager with its dead-letter ledger, for
// commands that replicate without watching.
type pipeline struct {
	manager *replication.Manager
	letters *deadletter.Store
}

func openPipeline(settings config.Settings, topo config.Topology, log *logging.Logger) (*pipeline, error) {
	p := &pipeline{}
	var recorder deadletter.Recorder = deadletter.Nop{}
	if settings.DeadLetter.Path != "" {
		store, err := deadletter.Open(settings.DeadLetter.Path)
		if err != nil {
			return nil, err
		}
		p.letters = store
		recorder = store
	}

	mgr, err := replication.New(topo, replication.Options{
		FanoutWorkers: settings.Replication.FanoutWorkers,
		Retries:       settings.Sync.Retries,
		RetryDelay:    settings.Sync.RetryDelay,
		Syncer: synchronizer.New(synchronizer.Options{
			Tool:             settings.Sync.Tool,
			Flags:            settings.Sync.Flags,
			DeleteOnFullSync: settings.Sync.DeleteOnFullSync,
		}),
		DeadLetters: recorder,
	}, log)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.manager = mgr
	return p, nil
}

func (p *pipeline) Close() {
	if p.manager != nil {
		p.manager.Close()
	}
	if p.letters != nil {
		_ = p.letters.Close()
	}
}
