// Package config loads and validates tether configuration. Values come from
// a YAML file layered under TETHER_* environment overrides, with defaults
// applied first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tetherlabs/tether/internal/artifact"
	"github.com/tetherlabs/tether/internal/chathistory"
	"github.com/tetherlabs/tether/internal/supervisor"
	"github.com/tetherlabs/tether/internal/syncservice"
)

// Config is the full runtime configuration.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

// SupervisorConfig mirrors supervisor.Config in file form.
type SupervisorConfig struct {
	ConcurrencyLimit     int           `mapstructure:"concurrencyLimit"`
	PendingQueueCapacity int           `mapstructure:"pendingQueueCapacity"`
	PendingQueueStrategy string        `mapstructure:"pendingQueueStrategy"`
	MaxPendingTime       time.Duration `mapstructure:"maxPendingTime"`
	MaxPromptChars       int           `mapstructure:"maxPromptChars"`
	MetricsEnabled       bool          `mapstructure:"metricsEnabled"`
	TracingEnabled       bool          `mapstructure:"tracingEnabled"`
	EmitEvents           bool          `mapstructure:"emitEvents"`
	EventBufferCapacity  int           `mapstructure:"eventBufferCapacity"`
	EventBufferStrategy  string        `mapstructure:"eventBufferStrategy"`
}

// ToSupervisor converts to the supervisor's native config.
func (c SupervisorConfig) ToSupervisor() supervisor.Config {
	return supervisor.Config{
		ConcurrencyLimit:     c.ConcurrencyLimit,
		PendingQueueCapacity: c.PendingQueueCapacity,
		PendingQueueStrategy: supervisor.Strategy(c.PendingQueueStrategy),
		MaxPendingTime:       c.MaxPendingTime,
		MaxPromptChars:       c.MaxPromptChars,
		MetricsEnabled:       c.MetricsEnabled,
		TracingEnabled:       c.TracingEnabled,
		EmitEvents:           c.EmitEvents,
		EventBufferCapacity:  c.EventBufferCapacity,
		EventBufferStrategy:  supervisor.Strategy(c.EventBufferStrategy),
	}
}

// SyncConfig configures the sync service and its remote endpoint.
type SyncConfig struct {
	URL          string        `mapstructure:"url"`
	Identity     string        `mapstructure:"identity"`
	SyncInterval time.Duration `mapstructure:"syncInterval"`
	DisablePing  bool          `mapstructure:"disablePing"`
	Protocols    []string      `mapstructure:"protocols"`
}

// ToSync converts to the sync service's native config.
func (c SyncConfig) ToSync() syncservice.Config {
	return syncservice.Config{
		Identity:     c.Identity,
		SyncInterval: c.SyncInterval,
		DisablePing:  c.DisablePing,
		Protocols:    c.Protocols,
	}
}

// ChatRetentionConfig bounds per-session chat history.
type ChatRetentionConfig struct {
	MaxEvents int           `mapstructure:"maxEvents"`
	MaxAge    time.Duration `mapstructure:"maxAge"`
}

// ArtifactRetentionConfig bounds per-session artifacts.
type ArtifactRetentionConfig struct {
	MaxArtifacts     int           `mapstructure:"maxArtifacts"`
	MaxArtifactBytes int64         `mapstructure:"maxArtifactBytes"`
	MaxAge           time.Duration `mapstructure:"maxAge"`
}

// EnabledConfig gates store writes entirely.
type EnabledConfig struct {
	ChatHistory bool `mapstructure:"chatHistory"`
	Artifacts   bool `mapstructure:"artifacts"`
}

// StorageConfig holds retention limits and store gates.
type StorageConfig struct {
	Chat      ChatRetentionConfig     `mapstructure:"chat"`
	Artifacts ArtifactRetentionConfig `mapstructure:"artifacts"`
	Enabled   EnabledConfig           `mapstructure:"enabled"`
}

// ChatRetention converts to the chat store's retention type.
func (c StorageConfig) ChatRetention() chathistory.Retention {
	return chathistory.Retention{MaxEvents: c.Chat.MaxEvents, MaxAge: c.Chat.MaxAge}
}

// ArtifactRetention converts to the artifact store's retention type.
func (c StorageConfig) ArtifactRetention() artifact.Retention {
	return artifact.Retention{
		MaxArtifacts:     c.Artifacts.MaxArtifacts,
		MaxArtifactBytes: c.Artifacts.MaxArtifactBytes,
		MaxAge:           c.Artifacts.MaxAge,
	}
}

// Default returns the baseline configuration.
func Default() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		Supervisor: SupervisorConfig{
			ConcurrencyLimit:     sup.ConcurrencyLimit,
			PendingQueueCapacity: sup.PendingQueueCapacity,
			PendingQueueStrategy: string(sup.PendingQueueStrategy),
			EmitEvents:           sup.EmitEvents,
			EventBufferCapacity:  sup.EventBufferCapacity,
			EventBufferStrategy:  string(sup.EventBufferStrategy),
		},
		Sync: SyncConfig{
			Identity: "tether",
		},
		Storage: StorageConfig{
			Enabled: EnabledConfig{ChatHistory: true, Artifacts: true},
		},
	}
}

// Validate checks the loaded configuration.
func (c Config) Validate() error {
	if err := c.Supervisor.ToSupervisor().Validate(); err != nil {
		return err
	}
	if c.Sync.SyncInterval < 0 {
		return fmt.Errorf("config: sync.syncInterval must be >= 0")
	}
	if c.Storage.Chat.MaxEvents < 0 || c.Storage.Artifacts.MaxArtifacts < 0 || c.Storage.Artifacts.MaxArtifactBytes < 0 {
		return fmt.Errorf("config: retention limits must be >= 0")
	}
	return nil
}

// Load reads the config file at path (YAML) with TETHER_* environment
// overrides on top of defaults. An empty path loads defaults + env only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("supervisor.concurrencyLimit", def.Supervisor.ConcurrencyLimit)
	v.SetDefault("supervisor.pendingQueueCapacity", def.Supervisor.PendingQueueCapacity)
	v.SetDefault("supervisor.pendingQueueStrategy", def.Supervisor.PendingQueueStrategy)
	v.SetDefault("supervisor.emitEvents", def.Supervisor.EmitEvents)
	v.SetDefault("supervisor.eventBufferCapacity", def.Supervisor.EventBufferCapacity)
	v.SetDefault("supervisor.eventBufferStrategy", def.Supervisor.EventBufferStrategy)
	v.SetDefault("sync.identity", def.Sync.Identity)
	v.SetDefault("storage.enabled.chatHistory", def.Storage.Enabled.ChatHistory)
	v.SetDefault("storage.enabled.artifacts", def.Storage.Enabled.Artifacts)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
