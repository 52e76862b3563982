package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/executor"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/scheduler"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/sessions"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/transcript"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Start a new orchestration session",
	Long: `Start a new orchestration session for task. When no task is given it is
read from stdin, prompting when stdin is a terminal.

The exit status is 0 when the session completes or reaches the iteration
limit and 1 when it fails or is interrupted.`,
	RunE: runRun,
}

var errTaskRequired = errors.New("task is required")

// ErrSessionNotCompleted is returned when a session ends failed or paused
var ErrSessionNotCompleted = errors.New("session did not complete")

func init() {
	addRunFlags(runCmd)
}

// addRunFlags registers the loop flags. The root command carries them too so
// that 'acc <task>' accepts them.
func addRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntP("max-iterations", "n", 0, "Maximum iterations (default from config)")
	flags.StringP("model", "m", "", "Model for single-agent mode")
	flags.StringP("dir", "d", "", "Working directory for claude (default: current directory)")
	flags.StringSlice("allowed-tools", nil, "Tools claude may use without asking (repeatable)")
	flags.Bool("continue-on-error", false, "Keep iterating when errors are detected")
	flags.Duration("timeout", 0, "Per-call timeout, e.g. 10m (default from config)")
	flags.Bool("dual-agent", false, "Use a manager and a worker agent")
	flags.String("manager-model", "", "Model for the manager agent")
	flags.String("worker-model", "", "Model for the worker agent")
	flags.BoolP("verbose", "v", false, "Pass --verbose to claude")
	flags.Bool("monitor", false, "Serve the monitoring dashboard while the session runs")
}

// applyRunFlags overrides config values with the flags that were set
func applyRunFlags(a *app, cmd *cobra.Command) error {
	flags := cmd.Flags()
	cfg := a.cfg

	if flags.Changed("max-iterations") {
		cfg.Loop.MaxIterations, _ = flags.GetInt("max-iterations")
	}
	if flags.Changed("model") {
		cfg.Claude.Model, _ = flags.GetString("model")
	}
	if flags.Changed("allowed-tools") {
		cfg.Claude.AllowedTools, _ = flags.GetStringSlice("allowed-tools")
	}
	if flags.Changed("continue-on-error") {
		cfg.Loop.ContinueOnError, _ = flags.GetBool("continue-on-error")
	}
	if flags.Changed("timeout") {
		timeout, _ := flags.GetDuration("timeout")
		cfg.Claude.TimeoutS = int(timeout.Round(time.Second) / time.Second)
	}
	if flags.Changed("dual-agent") {
		cfg.DualAgent.Enabled, _ = flags.GetBool("dual-agent")
	}
	if flags.Changed("manager-model") {
		cfg.DualAgent.ManagerModel, _ = flags.GetString("manager-model")
	}
	if flags.Changed("worker-model") {
		cfg.DualAgent.WorkerModel, _ = flags.GetString("worker-model")
	}
	if flags.Changed("verbose") {
		cfg.Claude.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("monitor") {
		cfg.Monitor.Enabled, _ = flags.GetBool("monitor")
	}
	return a.validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(a, cmd); err != nil {
		return err
	}

	workDir, err := resolveWorkDir(cmd)
	if err != nil {
		return err
	}

	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" {
		task, err = promptForTask(cmd.InOrStdin(), cmd.ErrOrStderr(), isTerminalReader(cmd.InOrStdin()))
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.openServices(ctx); err != nil {
		return err
	}
	defer a.close()

	id, err := a.manager.CreateSession(task, workDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s started in %s\n", id, workDir)
	if a.monitor != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Monitor: http://%s/api/sessions/%s\n", a.monitor.Addr(), id)
	}

	return driveSession(ctx, cmd, a, scheduler.Job{SessionID: id, Task: task}, workDir)
}

// driveSession runs the loop for a created or resumed session and records
// its terminal state
func driveSession(ctx context.Context, cmd *cobra.Command, a *app, job scheduler.Job, workDir string) error {
	out := cmd.OutOrStdout()

	sessionCtx, err := a.manager.SessionContext(job.SessionID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// a force kill aborts the in-flight call
	stopAfter := context.AfterFunc(sessionCtx, cancel)
	defer stopAfter()

	sched := newScheduler(a, workDir)
	sched.SetTranscriptFormatter(transcript.NewFormatter(), out)

	outcome, runErr := sched.Run(runCtx, job)
	completion := outcome.Completion()
	if ctx.Err() != nil {
		completion = runstate.Completion{Status: runstate.StatusPaused, Reason: "interrupted"}
	}

	if err := a.manager.CompleteSession(job.SessionID, completion); err != nil && !errors.Is(err, sessions.ErrNotRunning) {
		a.logger.Warn("failed to record session outcome", "session_id", job.SessionID, "error", err)
	}

	record, err := a.manager.Get(job.SessionID)
	if err == nil {
		fmt.Fprintln(out, transcript.NewFormatter().FormatOutcome(record))
	}

	if runErr != nil {
		a.logger.Debug("session loop ended with error", "session_id", job.SessionID, "error", runErr)
	}

	var status runstate.Status
	if record != nil {
		status = record.Status
	} else {
		status = completion.Status
	}
	switch status {
	case runstate.StatusCompleted, runstate.StatusIterationLimit:
		return nil
	case runstate.StatusPaused:
		fmt.Fprintf(out, "Resume with: acc resume %s\n", job.SessionID)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", ErrSessionNotCompleted, status, runErr)
	}
	return fmt.Errorf("%w: %s", ErrSessionNotCompleted, status)
}

// newScheduler builds the loop from the effective config
func newScheduler(a *app, workDir string) *scheduler.Scheduler {
	cfg := a.cfg
	exec := executor.New(cfg.Claude.Binary, cfg.Claude.OutputFormat, a.logger)

	opts := scheduler.Options{
		MaxIterations:   cfg.Loop.MaxIterations,
		Delay:           cfg.IterationDelay(),
		ContinueOnError: cfg.Loop.ContinueOnError,
		DualAgent:       cfg.DualAgent.Enabled,
		Exec:            cfg.ExecOptionsFor(protocol.RoleSingle, workDir),
		Manager:         cfg.ExecOptionsFor(protocol.RoleManager, workDir),
		Worker:          cfg.ExecOptionsFor(protocol.RoleWorker, workDir),
	}
	return scheduler.NewScheduler(exec, a.analyzer, a.manager, opts, a.logger)
}

func resolveWorkDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		return cwd, nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}

func promptForTask(r io.Reader, w io.Writer, tty bool) (string, error) {
	reader := bufio.NewReader(r)
	if tty {
		fmt.Fprint(w, "acc> What should I do? ")
	}

	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errTaskRequired
	}
	if tty {
		fmt.Fprintln(w)
	}
	return line, nil
}
