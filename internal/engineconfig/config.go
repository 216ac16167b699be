// Package engineconfig loads and, optionally, hot-reloads Cord's engine
// configuration: concurrency and budget ceilings, the store file location,
// and the command used to launch an agent subprocess.
package engineconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration, loaded from a single YAML
// file.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Agent  AgentConfig  `yaml:"agent"`
	Budget BudgetConfig `yaml:"budget"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig locates the persistent coordination store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig names the subprocess Cord launches for each active node, and
// how many of them may run at once.
type AgentConfig struct {
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	LaunchTimeout Duration `yaml:"launch_timeout"`
	SocketDir     string   `yaml:"socket_dir"`
	// LogDir, if set, receives one append-only log file per launched node
	// (cord-node-<id>.log) alongside the engine's own structured logs.
	LogDir string `yaml:"log_dir"`

	// Model and Runtime name the agent binary's own configuration; Cord
	// passes them through unchanged, it never interprets them.
	Model   string `yaml:"model"`
	Runtime string `yaml:"runtime"`
	// BudgetUSD is a per-process cost ceiling handed to the agent binary at
	// launch; enforcing it is the agent's responsibility, not the engine's.
	BudgetUSD float64 `yaml:"budget_usd"`
}

// BudgetConfig caps total node creation for a run, guarding against runaway
// self-spawning trees.
type BudgetConfig struct {
	MaxNodes int `yaml:"max_nodes"`
}

// LogConfig controls the slog handler cmd/cord installs.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Duration wraps time.Duration so it can be expressed as "30s" in YAML
// rather than a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "cord.db"},
		Agent: AgentConfig{
			Command:       "cord-agent",
			MaxConcurrent: 4,
			LaunchTimeout: Duration{30 * time.Second},
			SocketDir:     os.TempDir(),
		},
		Budget: BudgetConfig{MaxNodes: 500},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses a YAML config file at path, filling any field left
// zero in the file with its Default() counterpart.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
