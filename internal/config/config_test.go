package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

// pinEnv fixes the environment that feeds defaults
func pinEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLAUDE_CLI", "")
	t.Setenv("SHELL", "/bin/bash")
}

func TestGenerateDefault(t *testing.T) {
	pinEnv(t)
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "~/.acc", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, "claude", cfg.Claude.Binary)
	assert.Equal(t, "sonnet", cfg.Claude.Model)
	assert.Equal(t, 30*time.Minute, cfg.Timeout())

	assert.Equal(t, 10, cfg.Loop.MaxIterations)
	assert.Equal(t, 2*time.Second, cfg.IterationDelay())
	assert.False(t, cfg.Loop.ContinueOnError)

	assert.False(t, cfg.DualAgent.Enabled)
	assert.Equal(t, "opus", cfg.DualAgent.ManagerModel)
	assert.Equal(t, "sonnet", cfg.DualAgent.WorkerModel)
	assert.Equal(t, "Implement user request", cfg.DualAgent.DefaultTask)

	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.CleanupInterval())
	assert.Equal(t, 7*24*time.Hour, cfg.MaxSessionAge())

	assert.True(t, cfg.Controller.Enabled)
	assert.Equal(t, []string{"/bin/bash"}, cfg.Controller.Cmd)

	assert.False(t, cfg.Monitor.Enabled)
	assert.Equal(t, "127.0.0.1:4001", cfg.Monitor.Addr)
}

func TestGenerateDefaultHonorsClaudeEnv(t *testing.T) {
	t.Setenv("CLAUDE_CLI", "/opt/claude/bin/claude")
	assert.Equal(t, "/opt/claude/bin/claude", GenerateDefault().Claude.Binary)
}

func TestGenerateDefaultMatchesGoldenFile(t *testing.T) {
	pinEnv(t)

	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	goldenBytes, err := os.ReadFile(goldenPath)
	require.NoError(t, err, "Failed to read golden config file")

	generatedJSON, err := json.MarshalIndent(GenerateDefault(), "", "  ")
	require.NoError(t, err)

	assert.JSONEq(t, string(goldenBytes), string(generatedJSON),
		"Generated config should match golden file")
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GenerateDefault()
	assert.NoError(t, cfg.Validate(), "Default config should be valid")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version"},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }, "max_iterations"},
		{"negative delay", func(c *Config) { c.Loop.IterationDelayMs = -1 }, "iteration_delay_ms"},
		{"zero concurrency", func(c *Config) { c.Sessions.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero timeout", func(c *Config) { c.Claude.TimeoutS = 0 }, "timeout_s"},
		{"empty binary", func(c *Config) { c.Claude.Binary = " " }, "claude.binary"},
		{"bad output format", func(c *Config) { c.Claude.OutputFormat = "text" }, "output_format"},
		{"dual agent without models", func(c *Config) {
			c.DualAgent.Enabled = true
			c.DualAgent.WorkerModel = ""
		}, "worker_model"},
		{"controller without cmd", func(c *Config) { c.Controller.Cmd = nil }, "cmd"},
		{"monitor without addr", func(c *Config) {
			c.Monitor.Enabled = true
			c.Monitor.Addr = ""
		}, "monitor.addr"},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "Hint:")
		})
	}
}

func TestValidate_DisabledControllerNeedsNoCmd(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Controller.Enabled = false
	cfg.Controller.Cmd = nil
	assert.NoError(t, cfg.Validate())
}

func TestExecOptionsFor(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Claude.AllowedTools = []string{"Read", "Edit"}
	cfg.Claude.Verbose = true

	single := cfg.ExecOptionsFor(protocol.RoleSingle, "/work")
	assert.Equal(t, "sonnet", single.Model)
	assert.Equal(t, "/work", single.WorkDir)
	assert.Equal(t, 30*time.Minute, single.Timeout)
	assert.Equal(t, []string{"Read", "Edit"}, single.AllowedTools)
	assert.True(t, single.Verbose)
	assert.NoError(t, single.Validate())

	assert.Equal(t, "opus", cfg.ExecOptionsFor(protocol.RoleManager, "/work").Model)
	assert.Equal(t, "sonnet", cfg.ExecOptionsFor(protocol.RoleWorker, "/work").Model)

	// options do not alias the config
	single.AllowedTools[0] = "Bash"
	assert.Equal(t, "Read", cfg.Claude.AllowedTools[0])
}

func TestLoadFromFile_ValidFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	cfg, err := LoadFromFile(goldenPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, []string{"/bin/bash"}, cfg.Controller.Cmd)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1.0","loop":{"max_iterations":4}}`), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Loop.MaxIterations)
	assert.Equal(t, 2000, cfg.Loop.IterationDelayMs)
	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acc.yaml")
	data := `version: "1.0"
claude:
  model: opus
  allowed_tools: [Read, Grep]
dual_agent:
  enabled: true
sessions:
  max_concurrent: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "opus", cfg.Claude.Model)
	assert.Equal(t, []string{"Read", "Grep"}, cfg.Claude.AllowedTools)
	assert.True(t, cfg.DualAgent.Enabled)
	assert.Equal(t, 5, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, 1800, cfg.Claude.TimeoutS)
}

func TestLoadFromFile_UnknownKeys(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "acc.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"version":"1.0","max_iteratons":3}`), 0600))
	_, err := LoadFromFile(jsonPath)
	assert.ErrorContains(t, err, "max_iteratons")

	yamlPath := filepath.Join(dir, "acc.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("version: \"1.0\"\nloop:\n  max_iteratons: 3\n"), 0600))
	_, err = LoadFromFile(yamlPath)
	assert.ErrorContains(t, err, "max_iteratons")
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	invalidFile := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(invalidFile, []byte("{invalid json"), 0600))

	cfg, err := LoadFromFile(invalidFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestSaveToFile(t *testing.T) {
	for _, name := range []string{"acc.json", "acc.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := GenerateDefault()
			cfg.Loop.MaxIterations = 7
			configPath := filepath.Join(t.TempDir(), name)

			require.NoError(t, cfg.SaveToFile(configPath))

			loaded, err := LoadFromFile(configPath)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)

			info, err := os.Stat(configPath)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestFindInTree(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0700))

	_, found := FindInTree(nested)
	assert.False(t, found)

	cfgPath := filepath.Join(root, "a", "acc.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("version: \"1.0\"\n"), 0600))

	got, found := FindInTree(nested)
	require.True(t, found)
	assert.Equal(t, cfgPath, got)

	// acc.json wins over acc.yaml in the same directory
	jsonPath := filepath.Join(root, "a", "acc.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"version":"1.0"}`), 0600))
	got, found = FindInTree(nested)
	require.True(t, found)
	assert.Equal(t, jsonPath, got)
}
