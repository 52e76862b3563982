// Package executor runs the claude CLI once per iteration
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

const (
	// DefaultBinary is used when neither a flag nor $CLAUDE_CLI names one
	DefaultBinary = "claude"
	// BinaryEnv overrides the claude binary path
	BinaryEnv = "CLAUDE_CLI"

	FormatJSON       = "json"
	FormatStreamJSON = "stream-json"

	defaultWaitDelay = 5 * time.Second
)

// ErrTimeout is returned when a call exceeds its timeout
var ErrTimeout = errors.New("claude execution timed out")

// ExitError reports a non-zero exit that produced no output to parse
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("claude exited with code %d and no output", e.Code)
	}
	return fmt.Sprintf("claude exited with code %d: %s", e.Code, firstLine(msg))
}

// Executor implements protocol.Adapter on top of the claude CLI
type Executor struct {
	Binary       string
	OutputFormat string
	ExtraArgs    []string
	BaseEnv      []string
	WaitDelay    time.Duration

	logger *slog.Logger
}

// New creates an executor for binary
func New(binary, outputFormat string, logger *slog.Logger) *Executor {
	if outputFormat == "" {
		outputFormat = FormatJSON
	}
	return &Executor{
		Binary:       ResolveBinary(binary),
		OutputFormat: outputFormat,
		WaitDelay:    defaultWaitDelay,
		logger:       logger,
	}
}

// ResolveBinary picks the explicit value, then $CLAUDE_CLI, then "claude"
func ResolveBinary(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(BinaryEnv)); v != "" {
		return v
	}
	return DefaultBinary
}

// Args returns the CLI arguments for one call
func (e *Executor) Args(opts protocol.ExecOptions) []string {
	args := append([]string{}, e.ExtraArgs...)
	args = append(args, "--print", "--output-format", e.OutputFormat)
	// stream-json is rejected by the CLI without --verbose
	if opts.Verbose || e.OutputFormat == FormatStreamJSON {
		args = append(args, "--verbose")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.ContinuationID != "" {
		args = append(args, "--resume", opts.ContinuationID)
	}
	return args
}

// BuildCommand constructs the process for one call. The prompt is fed on stdin.
func (e *Executor) BuildCommand(ctx context.Context, prompt string, opts protocol.ExecOptions) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.Binary, e.Args(opts)...)
	cmd.Dir = opts.WorkDir

	env := e.BaseEnv
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append([]string{}, env...)

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = e.WaitDelay
	cmd.Stdin = strings.NewReader(prompt)
	return cmd
}

// Execute implements protocol.Adapter
func (e *Executor) Execute(ctx context.Context, prompt string, opts protocol.ExecOptions) (*protocol.ExecResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := e.BuildCommand(callCtx, prompt, opts)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("launching claude CLI",
		"binary", e.Binary,
		"args", cmd.Args[1:],
		"work_dir", opts.WorkDir,
		"prompt_len", len(prompt))

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("claude CLI timed out", "timeout", opts.Timeout, "duration", duration)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
	}

	result := &protocol.ExecResult{
		RawOutput: stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", e.Binary, err)
		}
		result.ExitCode = exitErr.ExitCode()
		if strings.TrimSpace(result.RawOutput) == "" {
			e.logger.Error("claude CLI exited with error",
				"exit_code", result.ExitCode,
				"stderr", firstLine(result.Stderr))
			return nil, &ExitError{Code: result.ExitCode, Stderr: result.Stderr}
		}
	}

	e.logger.Debug("claude CLI finished", "exit_code", result.ExitCode, "duration", duration)
	return result, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
