// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is reported by the CLI and daemon_status. Overridden at link time.
var Version = "0.1.0"

// GlobalConfig represents the top-level daemon configuration.
// Maps to the `opte:` root key in YAML.
type GlobalConfig struct {
	Control ControlConfig `mapstructure:"control"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	API     APIConfig     `mapstructure:"api"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Events  EventsConfig  `mapstructure:"events"`
	// Ports are registered at startup. Each entry is decoded by the port package.
	Ports []map[string]interface{} `mapstructure:"ports"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Engine ───

// EngineConfig sizes the data path tables and timers shared by every port.
type EngineConfig struct {
	LayerFlowLimit     int           `mapstructure:"layer_flow_limit"`
	UFTLimit           int           `mapstructure:"uft_limit"`
	FlowIdleTimeout    time.Duration `mapstructure:"flow_idle_timeout"`
	TCPLinger          time.Duration `mapstructure:"tcp_linger"`
	GCInterval         time.Duration `mapstructure:"gc_interval"`
	ARPTTL             time.Duration `mapstructure:"arp_ttl"`
	ARPSeedLink        string        `mapstructure:"arp_seed_link"` // empty = no seeding
	FirewallDefaultIn  string        `mapstructure:"firewall_default_in"`
	FirewallDefaultOut string        `mapstructure:"firewall_default_out"`
}

// ─── Flow events ───

// EventsConfig controls flow event publication.
type EventsConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Partitions int               `mapstructure:"partitions"`
	BufferSize int               `mapstructure:"buffer_size"`
	Kafka      KafkaExportConfig `mapstructure:"kafka"`
}

// KafkaExportConfig configures the flow event exporter.
type KafkaExportConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Encoding     string        `mapstructure:"encoding"`    // protobuf | json
	Compression  string        `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// ─── Metrics / API ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// APIConfig contains the read-only HTTP dump API settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `opte: ...`.
type configRoot struct {
	Opte GlobalConfig `mapstructure:"opte"`
}

// Load loads configuration from file. An empty path yields the defaults.
// Env vars override file values via the key replacer, e.g. OPTE_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Opte

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use the "opte." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("opte.control.pid_file", "/var/run/opte.pid")
	v.SetDefault("opte.control.socket", "/var/run/opte.sock")

	// Log defaults
	v.SetDefault("opte.log.level", "info")
	v.SetDefault("opte.log.format", "text")
	v.SetDefault("opte.log.outputs.file.enabled", false)
	v.SetDefault("opte.log.outputs.file.path", "/var/log/opte/opte.log")
	v.SetDefault("opte.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("opte.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("opte.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("opte.log.outputs.file.rotation.compress", true)
	v.SetDefault("opte.log.outputs.loki.enabled", false)
	v.SetDefault("opte.log.outputs.loki.batch_size", 100)
	v.SetDefault("opte.log.outputs.loki.batch_timeout", "5s")

	// Metrics / API defaults
	v.SetDefault("opte.metrics.enabled", true)
	v.SetDefault("opte.metrics.listen", ":9091")
	v.SetDefault("opte.metrics.path", "/metrics")
	v.SetDefault("opte.api.enabled", false)
	v.SetDefault("opte.api.listen", "127.0.0.1:9092")

	// Engine defaults
	v.SetDefault("opte.engine.layer_flow_limit", 8096)
	v.SetDefault("opte.engine.uft_limit", 8096)
	v.SetDefault("opte.engine.flow_idle_timeout", "60s")
	v.SetDefault("opte.engine.tcp_linger", "30s")
	v.SetDefault("opte.engine.gc_interval", "10s")
	v.SetDefault("opte.engine.arp_ttl", "5m")
	v.SetDefault("opte.engine.arp_seed_link", "")
	v.SetDefault("opte.engine.firewall_default_in", "deny")
	v.SetDefault("opte.engine.firewall_default_out", "deny")

	// Event defaults
	v.SetDefault("opte.events.enabled", false)
	v.SetDefault("opte.events.partitions", 4)
	v.SetDefault("opte.events.buffer_size", 1024)
	v.SetDefault("opte.events.kafka.enabled", false)
	v.SetDefault("opte.events.kafka.topic", "opte-flows")
	v.SetDefault("opte.events.kafka.encoding", "protobuf")
	v.SetDefault("opte.events.kafka.compression", "snappy")
	v.SetDefault("opte.events.kafka.batch_size", 100)
	v.SetDefault("opte.events.kafka.batch_timeout", "1s")
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("log.outputs.loki.endpoint is required when loki output is enabled")
	}

	// ── Engine validation ──
	e := &cfg.Engine
	if e.LayerFlowLimit <= 0 {
		return fmt.Errorf("engine.layer_flow_limit must be positive, got %d", e.LayerFlowLimit)
	}
	if e.UFTLimit <= 0 {
		return fmt.Errorf("engine.uft_limit must be positive, got %d", e.UFTLimit)
	}
	if e.FlowIdleTimeout <= 0 {
		return fmt.Errorf("engine.flow_idle_timeout must be positive")
	}
	if e.GCInterval <= 0 {
		e.GCInterval = e.FlowIdleTimeout / 6
	}
	if e.TCPLinger <= 0 || e.TCPLinger > e.FlowIdleTimeout {
		e.TCPLinger = e.FlowIdleTimeout
	}
	for name, v := range map[string]string{
		"firewall_default_in":  e.FirewallDefaultIn,
		"firewall_default_out": e.FirewallDefaultOut,
	} {
		if v != "allow" && v != "deny" {
			return fmt.Errorf("invalid engine.%s: %s (must be allow/deny)", name, v)
		}
	}

	// ── Events validation ──
	if cfg.Events.Partitions <= 0 {
		cfg.Events.Partitions = 1
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = 1024
	}
	k := &cfg.Events.Kafka
	if k.Enabled {
		if !cfg.Events.Enabled {
			return fmt.Errorf("events.kafka.enabled requires events.enabled=true")
		}
		if len(k.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when events.kafka.enabled=true")
		}
		if k.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when events.kafka.enabled=true")
		}
		if k.Encoding != "protobuf" && k.Encoding != "json" {
			return fmt.Errorf("invalid events.kafka.encoding: %s (must be protobuf/json)", k.Encoding)
		}
	}

	return nil
}
