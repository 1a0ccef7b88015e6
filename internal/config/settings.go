// Package config loads process settings and the replication topology.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file, MODULA_* environment variables, and command-line flags bound
// by cmd/modula. The topology lives in its own YAML or TOML file named by the
// "topology" setting.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MODULA_LOG_LEVEL.
const EnvPrefix = "MODULA"

// Settings is the resolved process configuration.
type Settings struct {
	Log         LogSettings         `mapstructure:"log" yaml:"log"`
	Topology    string              `mapstructure:"topology" yaml:"topology"`
	Sync        SyncSettings        `mapstructure:"sync" yaml:"sync"`
	Monitor     MonitorSettings     `mapstructure:"monitor" yaml:"monitor"`
	Replication ReplicationSettings `mapstructure:"replication" yaml:"replication"`
	DeadLetter  DeadLetterSettings  `mapstructure:"deadletter" yaml:"deadletter"`
	Dashboard   DashboardSettings   `mapstructure:"dashboard" yaml:"dashboard"`
}

type LogSettings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Dir        string `mapstructure:"dir" yaml:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type SyncSettings struct {
	Tool             string        `mapstructure:"tool" yaml:"tool"`
	Flags            []string      `mapstructure:"flags" yaml:"flags"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	DeleteOnFullSync bool          `mapstructure:"delete_on_full_sync" yaml:"delete_on_full_sync"`
}

type MonitorSettings struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxBatch          int           `mapstructure:"max_batch" yaml:"max_batch"`
	DispatcherWorkers int           `mapstructure:"dispatcher_workers" yaml:"dispatcher_workers"`
}

type ReplicationSettings struct {
	FanoutWorkers int `mapstructure:"fanout_workers" yaml:"fanout_workers"`
}

type DeadLetterSettings struct {
	// Path of the SQLite ledger. Empty disables dead-lettering.
	Path string `mapstructure:"path" yaml:"path"`
}

type DashboardSettings struct {
	// Port for the live dashboard. Zero disables it.
	Port int `mapstructure:"port" yaml:"port"`
}

// HomeDir returns the per-user state directory, $HOME/.modula.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".modula"
	}
	return filepath.Join(home, ".modula")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	home := HomeDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", filepath.Join(home, "logs"))
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("topology", filepath.Join(home, "topology.yaml"))

	v.SetDefault("sync.tool", "rsync")
	v.SetDefault("sync.flags", []string{"-avz"})
	v.SetDefault("sync.retries", 0)
	v.SetDefault("sync.retry_delay", 2*time.Second)
	v.SetDefault("sync.delete_on_full_sync", false)

	v.SetDefault("monitor.backend", "")
	v.SetDefault("monitor.poll_interval", 10*time.Millisecond)
	v.SetDefault("monitor.max_batch", 256)
	v.SetDefault("monitor.dispatcher_workers", 16)

	v.SetDefault("replication.fanout_workers", 64)

	v.SetDefault("deadletter.path", filepath.Join(home, "deadletters.db"))

	v.SetDefault("dashboard.port", 0)
}

// NewViper returns a viper instance with defaults and environment binding.
// If configFile is empty, $HOME/.modula/config.yaml is read when present.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into Settings and validates it.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	// Env overrides arrive as a single string.
	if len(s.Sync.Flags) == 1 && strings.Contains(s.Sync.Flags[0], " ") {
		s.Sync.Flags = strings.Fields(s.Sync.Flags[0])
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings no component could run with.
func (s Settings) Validate() error {
	switch {
	case s.Sync.Tool == "":
		return fmt.Errorf("sync.tool must not be empty")
	case s.Sync.Retries < 0:
		return fmt.Errorf("sync.retries must not be negative")
	case s.Monitor.MaxBatch <= 0:
		return fmt.Errorf("monitor.max_batch must be positive")
	case s.Monitor.DispatcherWorkers <= 0:
		return fmt.Errorf("monitor.dispatcher_workers must be positive")
	case s.Replication.FanoutWorkers <= 0:
		return fmt.Errorf("replication.fanout_workers must be positive")
	case s.Dashboard.Port < 0 || s.Dashboard.Port > 65535:
		return fmt.Errorf("dashboard.port %d out of range", s.Dashboard.Port)
	}
	return nil
}
