// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level static configuration for the
// dispatcher and daemon worker processes.
// Maps to the `taskmesh:` root key in YAML.
type GlobalConfig struct {
	Node       NodeConfig       `mapstructure:"node"`
	Control    ControlConfig    `mapstructure:"control"`
	Profile    ProfileConfig    `mapstructure:"profile"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local admin control plane settings (taskmeshctl).
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Profile (daemon pool) ───

// ProfileConfig describes the default profile: how many daemons to
// launch, how they're reached, and whether a dispatcher mediates.
type ProfileConfig struct {
	Daemons       int    `mapstructure:"daemons"`        // default count of daemon processes
	Dispatcher    bool   `mapstructure:"dispatcher"`     // true = run a dispatcher process between host and daemons
	URL           string `mapstructure:"url"`            // transport URL the daemons dial (host listens)
	LaunchTimeout string `mapstructure:"launch_timeout"` // bound on waiting for all daemons to connect
	Autoexit      bool   `mapstructure:"autoexit"`       // exit daemons when host process exits
	RetryOnReset  bool   `mapstructure:"retry_on_reset"` // requeue instead of connection_reset on daemon disconnect
}

// ─── Transport ───

// TransportConfig carries TLS material for tls+tcp:// URLs.
type TransportConfig struct {
	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig contains TLS settings for daemon/dispatcher connections.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACert             string `mapstructure:"ca_cert"`
	Cert               string `mapstructure:"cert"`
	Key                string `mapstructure:"key"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ─── Dispatcher ───

// DispatcherConfig configures the in-process dispatcher event loop.
type DispatcherConfig struct {
	QueueCapacity int    `mapstructure:"queue_capacity"` // 0 = unbounded
	EventsBuffer  int    `mapstructure:"events_buffer"`  // connect/disconnect ring buffer size
	TickInterval  string `mapstructure:"tick_interval"`  // poll interval for the cooperative event loop
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Listen          string `mapstructure:"listen"`
	Path            string `mapstructure:"path"`
	CollectInterval string `mapstructure:"collect_interval"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string           `mapstructure:"level"`  // debug / info / warn / error
	Format string           `mapstructure:"format"` // json / text
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures rotated file log output.
type FileOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `taskmesh: ...`.
type configRoot struct {
	Taskmesh GlobalConfig `mapstructure:"taskmesh"`
}

// Load loads configuration from file.
// The YAML file uses `taskmesh:` as root key; env vars use TASKMESH_ prefix
// (e.g. TASKMESH_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// "taskmesh.log.level" → "TASKMESH_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Taskmesh

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "taskmesh." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("taskmesh.control.pid_file", "/var/run/taskmesh.pid")
	v.SetDefault("taskmesh.control.socket", "/var/run/taskmesh.sock")

	v.SetDefault("taskmesh.profile.daemons", 1)
	v.SetDefault("taskmesh.profile.dispatcher", false)
	v.SetDefault("taskmesh.profile.url", "tcp://127.0.0.1:0")
	v.SetDefault("taskmesh.profile.launch_timeout", "30s")
	v.SetDefault("taskmesh.profile.autoexit", true)
	v.SetDefault("taskmesh.profile.retry_on_reset", true)

	v.SetDefault("taskmesh.dispatcher.queue_capacity", 0)
	v.SetDefault("taskmesh.dispatcher.events_buffer", 1024)
	v.SetDefault("taskmesh.dispatcher.tick_interval", "10ms")

	v.SetDefault("taskmesh.log.level", "info")
	v.SetDefault("taskmesh.log.format", "json")
	v.SetDefault("taskmesh.log.file.enabled", false)
	v.SetDefault("taskmesh.log.file.path", "/var/log/taskmesh/taskmesh.log")
	v.SetDefault("taskmesh.log.file.max_size_mb", 100)
	v.SetDefault("taskmesh.log.file.max_age_days", 30)
	v.SetDefault("taskmesh.log.file.max_backups", 5)
	v.SetDefault("taskmesh.log.file.compress", true)

	v.SetDefault("taskmesh.metrics.enabled", true)
	v.SetDefault("taskmesh.metrics.listen", ":9091")
	v.SetDefault("taskmesh.metrics.path", "/metrics")
	v.SetDefault("taskmesh.metrics.collect_interval", "5s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	if cfg.Profile.Daemons < 1 {
		return fmt.Errorf("profile.daemons must be >= 1, got %d", cfg.Profile.Daemons)
	}

	if cfg.Transport.TLS.Enabled {
		if cfg.Transport.TLS.Cert == "" || cfg.Transport.TLS.Key == "" {
			return fmt.Errorf("transport.tls.cert and transport.tls.key are required when transport.tls.enabled=true")
		}
	}

	return nil
}
