// Package config loads the JSON5 configuration file and watches it for
// changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// StoreConfig selects where job snapshots are persisted.
type StoreConfig struct {
	Backend     string `json:"backend"` // "file" or "postgres"
	Path        string `json:"path"`    // file backend: root directory
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

// PolicyConfig is the default lateness/retry policy applied to new jobs.
type PolicyConfig struct {
	MaxLatenessMS  int64 `json:"maxLatenessMs"`
	RetryMax       int   `json:"retryMax"`
	RetryBackoffMS int64 `json:"retryBackoffMs"`
	DeleteAfterRun bool  `json:"deleteAfterRun"`
}

// CronConfig holds the scheduler knobs.
type CronConfig struct {
	Enabled         bool         `json:"enabled"`
	DefaultTimezone string       `json:"defaultTimezone,omitempty"`
	MaxJobsPerChat  int          `json:"maxJobsPerChat"`
	MaxRunMS        int64        `json:"maxRunMs"`
	Defaults        PolicyConfig `json:"defaults"`
}

// ExecutorConfig wires fired prompts to an external agent command. The
// prompt arrives on stdin; stdout becomes the run summary. When no command
// is configured, runs are logged and succeed immediately.
type ExecutorConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `json:"level"` // debug|info|warn|error
}

// Config is the root of the config file.
type Config struct {
	BotName    string         `json:"botName"`
	Store      StoreConfig    `json:"store"`
	RunLogPath string         `json:"runLogPath"`
	Cron       CronConfig     `json:"cron"`
	Executor   ExecutorConfig `json:"executor"`
	Log        LogConfig      `json:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BotName: "main",
		Store: StoreConfig{
			Backend: "file",
			Path:    "~/.cronclaw",
		},
		RunLogPath: "~/.cronclaw/runs.db",
		Cron: CronConfig{
			Enabled:        true,
			MaxJobsPerChat: 25,
			MaxRunMS:       10 * 60 * 1000,
			Defaults: PolicyConfig{
				MaxLatenessMS:  60 * 60 * 1000,
				RetryMax:       3,
				RetryBackoffMS: 2000,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a JSON5 config file, layering it over the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("store.postgresDsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if NormalizeBotName(c.BotName) == "" {
		return fmt.Errorf("botName is required")
	}
	return nil
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
