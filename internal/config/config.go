// Package config loads the orchestrator's YAML configuration file and
// watches it for changes, per spec.md §6 "Environment".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TasksConfig holds task-intake defaults.
type TasksConfig struct {
	DefaultPriority string        `yaml:"default_priority"`
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
}

// BackendConfig selects and configures the Backend Adapter.
type BackendConfig struct {
	Type      string `yaml:"type"` // "process" or "docker"
	Model     string `yaml:"model"`
	Binary    string `yaml:"binary"`     // executable invoked for ProcessBackend
	DockerImg string `yaml:"docker_img"` // image used for DockerBackend
}

// NotifyConfig controls outbound notification behavior (consumed by chat
// channels subscribing to the Event Bus; core only carries the settings).
type NotifyConfig struct {
	OnHumanGate  bool `yaml:"on_human_gate"`
	OnCompletion bool `yaml:"on_completion"`
	OnFailure    bool `yaml:"on_failure"`
}

// MemoryConfig tunes the forgetting/association engine (spec.md §4.10).
type MemoryConfig struct {
	DefaultStabilityHours float64 `yaml:"default_stability_hours"`
	MaxStabilityHours     float64 `yaml:"max_stability_hours"`
	DeleteThreshold       float64 `yaml:"delete_threshold"`
	ArchiveThreshold      float64 `yaml:"archive_threshold"`
	OverlapThreshold      float64 `yaml:"overlap_threshold"`
	ActivationDepth       int     `yaml:"activation_depth"`
}

// SessionConfig tunes the Session Manager (spec.md §4.9).
type SessionConfig struct {
	MaxSessions     int `yaml:"max_sessions"`
	TimeoutMinutes  int `yaml:"timeout_minutes"`
}

// ChannelsConfig configures the optional chat-bot transports the daemon
// starts (spec.md §1 "chat-bot surfaces"). TelegramToken empty disables
// the channel entirely.
type ChannelsConfig struct {
	TelegramToken      string  `yaml:"telegram_token"`
	TelegramAllowedIDs []int64 `yaml:"telegram_allowed_ids"`
}

// GatewayConfig configures the read-only websocket event push (spec.md
// §1 "webhook servers"). Addr empty disables the gateway entirely.
type GatewayConfig struct {
	Addr         string   `yaml:"addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// ScheduleConfig tunes the cron Scheduler's poll cadence.
type ScheduleConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Config is the root orchestrator configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Backend  BackendConfig  `yaml:"backend"`
	Notify   NotifyConfig   `yaml:"notify"`
	Memory   MemoryConfig   `yaml:"memory"`
	Session  SessionConfig  `yaml:"session"`
	Channels ChannelsConfig `yaml:"channels"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Schedule ScheduleConfig `yaml:"schedule"`

	// NeedsGenesis is true when no config file existed and defaults were used;
	// surfaced by `orchestrate doctor`.
	NeedsGenesis bool `yaml:"-"`
	// Path is where the config was loaded from (or would be written to).
	Path string `yaml:"-"`
}

// Default returns the built-in default configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	dataDir := filepath.Join(home, ".config", "orchestrate")
	return Config{
		DataDir: dataDir,
		Tasks: TasksConfig{
			DefaultPriority: "medium",
			MaxRetries:      3,
			Timeout:         30 * time.Minute,
		},
		Backend: BackendConfig{
			Type:   "process",
			Binary: "code-agent",
		},
		Notify: NotifyConfig{
			OnHumanGate:  true,
			OnCompletion: true,
			OnFailure:    true,
		},
		Memory: MemoryConfig{
			DefaultStabilityHours: 24,
			MaxStabilityHours:     8760,
			DeleteThreshold:       5,
			ArchiveThreshold:      10,
			OverlapThreshold:      0.3,
			ActivationDepth:       2,
		},
		Session: SessionConfig{
			MaxSessions:    500,
			TimeoutMinutes: 60,
		},
		Schedule: ScheduleConfig{
			IntervalSeconds: 30,
		},
		Path: filepath.Join(dataDir, "config.yaml"),
	}
}

// Load reads the config file at path, merging onto Default(). A missing file
// is not an error: Default() is returned with NeedsGenesis=true.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = cfg.Path
	}
	cfg.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Save writes cfg to its Path, creating parent directories as needed.
func Save(cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, cfg.Path)
}
