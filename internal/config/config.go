package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/executor"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/fsutil"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/supervisor"
)

// FileNames are searched, in order, by FindInTree
var FileNames = []string{"acc.json", "acc.yaml", "acc.yml"}

// Config represents the acc.json configuration file
type Config struct {
	Version    string           `json:"version" yaml:"version"`
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Claude     ClaudeConfig     `json:"claude" yaml:"claude"`
	Loop       LoopConfig       `json:"loop" yaml:"loop"`
	DualAgent  DualAgentConfig  `json:"dual_agent" yaml:"dual_agent"`
	Sessions   SessionsConfig   `json:"sessions" yaml:"sessions"`
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Monitor    MonitorConfig    `json:"monitor" yaml:"monitor"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
}

// ClaudeConfig controls how the claude CLI is invoked
type ClaudeConfig struct {
	Binary       string   `json:"binary" yaml:"binary"`
	Model        string   `json:"model" yaml:"model"`
	OutputFormat string   `json:"output_format" yaml:"output_format"`
	TimeoutS     int      `json:"timeout_s" yaml:"timeout_s"`
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	Verbose      bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// LoopConfig controls the orchestration loop
type LoopConfig struct {
	MaxIterations    int  `json:"max_iterations" yaml:"max_iterations"`
	IterationDelayMs int  `json:"iteration_delay_ms" yaml:"iteration_delay_ms"`
	ContinueOnError  bool `json:"continue_on_error" yaml:"continue_on_error"`
}

// DualAgentConfig controls manager/worker mode
type DualAgentConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ManagerModel string `json:"manager_model" yaml:"manager_model"`
	WorkerModel  string `json:"worker_model" yaml:"worker_model"`
	// DefaultTask is handed to the worker on an implicit handoff without a
	// breakdown. Empty disables implicit handoffs without items.
	DefaultTask string `json:"default_task" yaml:"default_task"`
}

// SessionsConfig controls the session lifecycle manager
type SessionsConfig struct {
	MaxConcurrent    int `json:"max_concurrent" yaml:"max_concurrent"`
	CleanupIntervalS int `json:"cleanup_interval_s" yaml:"cleanup_interval_s"`
	MaxAgeH          int `json:"max_age_h" yaml:"max_age_h"`
}

// ControllerConfig controls the interactive process attached to each session
type ControllerConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Cmd     []string `json:"cmd" yaml:"cmd"`
}

// MonitorConfig controls the dashboard server
type MonitorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// ClassifierConfig selects the output classifier
type ClassifierConfig struct {
	// Script is a Lua file defining classify(text). Empty uses the built-in
	// phrase vocabulary.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:  "1.0",
		DataDir:  "~/.acc",
		LogLevel: "info",
		Claude: ClaudeConfig{
			Binary:       executor.ResolveBinary(""),
			Model:        "sonnet",
			OutputFormat: executor.FormatJSON,
			TimeoutS:     1800,
		},
		Loop: LoopConfig{
			MaxIterations:    10,
			IterationDelayMs: 2000,
			ContinueOnError:  false,
		},
		DualAgent: DualAgentConfig{
			Enabled:      false,
			ManagerModel: "opus",
			WorkerModel:  "sonnet",
			DefaultTask:  "Implement user request",
		},
		Sessions: SessionsConfig{
			MaxConcurrent:    3,
			CleanupIntervalS: 3600,
			MaxAgeH:          168,
		},
		Controller: ControllerConfig{
			Enabled: true,
			Cmd:     supervisor.DefaultCommand(),
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Addr:    "127.0.0.1:4001",
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("configuration error: invalid 'loop.max_iterations' value: %d\n\nHint: At least one iteration is required:\n  \"loop\": {\n    \"max_iterations\": 10\n  }", c.Loop.MaxIterations)
	}

	if c.Loop.IterationDelayMs < 0 {
		return fmt.Errorf("configuration error: invalid 'loop.iteration_delay_ms' value: %d\n\nHint: The delay must not be negative; use 0 to disable it", c.Loop.IterationDelayMs)
	}

	if c.Sessions.MaxConcurrent < 1 {
		return fmt.Errorf("configuration error: invalid 'sessions.max_concurrent' value: %d\n\nHint: At least one concurrent session is required:\n  \"sessions\": {\n    \"max_concurrent\": 3\n  }", c.Sessions.MaxConcurrent)
	}

	if c.Claude.TimeoutS < 1 {
		return fmt.Errorf("configuration error: invalid 'claude.timeout_s' value: %d\n\nHint: The timeout is in seconds and must be at least 1:\n  \"claude\": {\n    \"timeout_s\": 1800\n  }", c.Claude.TimeoutS)
	}

	if strings.TrimSpace(c.Claude.Binary) == "" {
		return fmt.Errorf("configuration error: empty 'claude.binary' field\n\nHint: Name the claude executable or set $%s:\n  \"claude\": {\n    \"binary\": \"claude\"\n  }", executor.BinaryEnv)
	}

	switch c.Claude.OutputFormat {
	case executor.FormatJSON, executor.FormatStreamJSON:
	default:
		return fmt.Errorf("configuration error: invalid 'claude.output_format' value: %q\n\nHint: Use %q or %q", c.Claude.OutputFormat, executor.FormatJSON, executor.FormatStreamJSON)
	}

	if c.DualAgent.Enabled && (c.DualAgent.ManagerModel == "" || c.DualAgent.WorkerModel == "") {
		return fmt.Errorf("configuration error: dual-agent mode requires 'dual_agent.manager_model' and 'dual_agent.worker_model'\n\nHint: Name a model for each role:\n  \"dual_agent\": {\n    \"enabled\": true,\n    \"manager_model\": \"opus\",\n    \"worker_model\": \"sonnet\"\n  }")
	}

	if c.Controller.Enabled && len(c.Controller.Cmd) == 0 {
		return fmt.Errorf("configuration error: controller has empty 'cmd' field\n\nHint: Specify the command to run in each session's terminal:\n  \"controller\": {\n    \"cmd\": [\"/bin/sh\"]\n  }")
	}

	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		return fmt.Errorf("configuration error: monitor is enabled without 'monitor.addr'\n\nHint: Choose a listen address:\n  \"monitor\": {\n    \"addr\": \"127.0.0.1:4001\"\n  }")
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("configuration error: unknown 'log_level' value: %q\n\nHint: Use one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// Timeout returns the per-call execution timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Claude.TimeoutS) * time.Second
}

// IterationDelay returns the pause between non-terminal iterations
func (c *Config) IterationDelay() time.Duration {
	return time.Duration(c.Loop.IterationDelayMs) * time.Millisecond
}

// CleanupInterval returns the period of the background reaper
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Sessions.CleanupIntervalS) * time.Second
}

// MaxSessionAge returns how long terminal session records are kept
func (c *Config) MaxSessionAge() time.Duration {
	return time.Duration(c.Sessions.MaxAgeH) * time.Hour
}

// ExecOptionsFor derives the execution options for role in workDir
func (c *Config) ExecOptionsFor(role protocol.Role, workDir string) protocol.ExecOptions {
	model := c.Claude.Model
	switch role {
	case protocol.RoleManager:
		model = c.DualAgent.ManagerModel
	case protocol.RoleWorker:
		model = c.DualAgent.WorkerModel
	}
	return protocol.ExecOptions{
		Model:        model,
		WorkDir:      workDir,
		AllowedTools: append([]string(nil), c.Claude.AllowedTools...),
		Timeout:      c.Timeout(),
		Verbose:      c.Claude.Verbose,
	}
}

// LoadFromFile loads a configuration from a JSON or YAML file. Keys missing
// from the file keep their default values; unknown keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := GenerateDefault()
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// SaveToFile writes the configuration with 0600 permissions. The format
// follows the file extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// FindInTree walks up from start looking for a config file
func FindInTree(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
