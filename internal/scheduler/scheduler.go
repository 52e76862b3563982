package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/analyzer"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/eventlog"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/parser"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/prompt"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

// ErrSessionFailed wraps the error that ended a session
var ErrSessionFailed = errors.New("session failed")

// Recorder persists what the loop produces. The session manager implements it.
type Recorder interface {
	AppendIteration(sessionID string, it runstate.Iteration) (runstate.Iteration, error)
	RecordHandoff(sessionID string, h eventlog.Handoff)
}

// TranscriptFormatter formats loop progress for console display
type TranscriptFormatter interface {
	FormatIteration(it runstate.Iteration) string
	FormatHandoff(h eventlog.Handoff) string
}

// Options controls one scheduler
type Options struct {
	MaxIterations   int
	Delay           time.Duration
	ContinueOnError bool
	DualAgent       bool

	// Exec is used in single-agent mode; Manager and Worker in dual-agent mode
	Exec    protocol.ExecOptions
	Manager protocol.ExecOptions
	Worker  protocol.ExecOptions
}

func (o Options) execFor(role protocol.Role) protocol.ExecOptions {
	switch role {
	case protocol.RoleManager:
		return o.Manager
	case protocol.RoleWorker:
		return o.Worker
	default:
		return o.Exec
	}
}

// Job is one run of the loop over a session
type Job struct {
	SessionID string
	Task      string
	// Prompt overrides the first prompt; defaults to Task (or the manager
	// breakdown prompt in dual-agent mode)
	Prompt string
	// History holds iterations recorded by earlier runs of the same session
	History []runstate.Iteration
}

// Outcome summarizes how a run ended
type Outcome struct {
	Status       runstate.Status
	Reason       string
	Iterations   int
	Completed    bool
	LastError    string
	LastExitCode int
	TotalCostUSD float64
}

// Completion converts the outcome into a terminal session transition
func (o Outcome) Completion() runstate.Completion {
	return runstate.Completion{
		Status:       o.Status,
		Reason:       o.Reason,
		LastError:    o.LastError,
		LastExitCode: o.LastExitCode,
	}
}

// Scheduler drives the execute/parse/analyze/persist/decide cycle
type Scheduler struct {
	adapter  protocol.Adapter
	analyzer *analyzer.Analyzer
	recorder Recorder
	opts     Options
	logger   *slog.Logger

	transcript TranscriptFormatter
	out        io.Writer
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a new scheduler
func NewScheduler(adapter protocol.Adapter, an *analyzer.Analyzer, recorder Recorder, opts Options, logger *slog.Logger) *Scheduler {
	if an == nil {
		an = analyzer.New(nil, analyzer.DefaultImplicitTask)
	}
	return &Scheduler{
		adapter:  adapter,
		analyzer: an,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// SetTranscriptFormatter sets the transcript formatter and where its lines go
func (s *Scheduler) SetTranscriptFormatter(formatter TranscriptFormatter, out io.Writer) {
	s.transcript = formatter
	s.out = out
}

// SetSleep replaces the inter-iteration delay function
func (s *Scheduler) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// step is the result of one execute/parse/analyze/persist cycle
type step struct {
	iteration runstate.Iteration
	output    protocol.ParsedOutput
	analysis  protocol.AnalysisResult
	handoff   protocol.HandoffDecision
	exitCode  int
	// execErr is set when the adapter failed and nothing was parsed
	execErr error
}

// Run executes the loop until the session reaches a terminal state. A
// non-nil error means the run failed outside the analysis rules: an adapter
// failure without continue-on-error, a persistence failure, or cancellation.
func (s *Scheduler) Run(ctx context.Context, job Job) (Outcome, error) {
	if s.opts.MaxIterations < 1 {
		return Outcome{}, fmt.Errorf("max iterations must be at least 1")
	}
	if s.opts.DualAgent {
		return s.runDual(ctx, job)
	}
	return s.runSingle(ctx, job)
}

func (s *Scheduler) runSingle(ctx context.Context, job Job) (Outcome, error) {
	var outcome Outcome
	history := append([]runstate.Iteration(nil), job.History...)
	continuation := (&runstate.Session{Iterations: history}).ContinuationID(protocol.RoleSingle)

	current := job.Prompt
	if current == "" {
		current = job.Task
	}

	s.logger.Info("starting session loop", "session_id", job.SessionID, "max_iterations", s.opts.MaxIterations)

	for i := 1; ; i++ {
		if i > s.opts.MaxIterations {
			return s.limitReached(job, outcome), nil
		}

		st, err := s.step(ctx, job.SessionID, protocol.RoleSingle, current, continuation)
		if err != nil {
			return s.failed(outcome, err), err
		}
		outcome.Iterations++
		outcome.TotalCostUSD += st.output.Cost()
		outcome.LastExitCode = st.exitCode
		history = append(history, st.iteration)
		if st.output.SessionID != "" {
			continuation = st.output.SessionID
		}

		if st.execErr != nil {
			if err := s.adapterFailure(ctx, job.SessionID, st.execErr); err != nil {
				outcome.LastError = st.execErr.Error()
				return s.failed(outcome, err), err
			}
			current = prompt.AdapterFailure(st.execErr)
		} else {
			outcome.Completed = st.analysis.IsComplete
			switch analyzer.Decide(st.analysis, s.opts.ContinueOnError) {
			case analyzer.DecisionComplete:
				outcome.Status = runstate.StatusCompleted
				outcome.Reason = "completion detected"
				s.logger.Info("session completed", "session_id", job.SessionID, "iterations", outcome.Iterations)
				return outcome, nil
			case analyzer.DecisionFail:
				return s.analysisFailed(job, outcome, st), nil
			}
			current = prompt.BuildNextPrompt(st.output, history, st.analysis)
		}

		if i < s.opts.MaxIterations {
			if err := s.sleep(ctx, s.opts.Delay); err != nil {
				return s.failed(outcome, err), err
			}
		}
	}
}

// dualState tracks the work queue handed from the manager to the worker
type dualState struct {
	role      protocol.Role
	queue     []string
	next      int
	completed []string
}

func (d *dualState) pending() bool {
	return d.next < len(d.queue)
}

func (d *dualState) currentItem() string {
	if d.pending() {
		return d.queue[d.next]
	}
	return ""
}

func (s *Scheduler) runDual(ctx context.Context, job Job) (Outcome, error) {
	var outcome Outcome
	history := append([]runstate.Iteration(nil), job.History...)
	prior := &runstate.Session{Iterations: history}
	continuations := map[protocol.Role]string{
		protocol.RoleManager: prior.ContinuationID(protocol.RoleManager),
		protocol.RoleWorker:  prior.ContinuationID(protocol.RoleWorker),
	}
	state := &dualState{role: protocol.RoleManager}

	current := job.Prompt
	if current == "" {
		current = prompt.ManagerPrompt(job.Task)
	}

	s.logger.Info("starting dual-agent session loop", "session_id", job.SessionID, "max_iterations", s.opts.MaxIterations)

	for i := 1; ; i++ {
		if i > s.opts.MaxIterations {
			return s.limitReached(job, outcome), nil
		}

		role := state.role
		st, err := s.step(ctx, job.SessionID, role, current, continuations[role])
		if err != nil {
			return s.failed(outcome, err), err
		}
		outcome.Iterations++
		outcome.TotalCostUSD += st.output.Cost()
		outcome.LastExitCode = st.exitCode
		history = append(history, st.iteration)
		if st.output.SessionID != "" {
			continuations[role] = st.output.SessionID
		}

		if st.execErr != nil {
			if err := s.adapterFailure(ctx, job.SessionID, st.execErr); err != nil {
				outcome.LastError = st.execErr.Error()
				return s.failed(outcome, err), err
			}
			current = prompt.AdapterFailure(st.execErr)
		} else {
			outcome.Completed = st.analysis.IsComplete
			var done bool
			switch role {
			case protocol.RoleManager:
				current, done = s.afterManager(job, state, st, history)
			case protocol.RoleWorker:
				current, done = s.afterWorker(job, state, st, history)
			}
			if done {
				return s.finishDual(job, outcome, st), nil
			}
		}

		if i < s.opts.MaxIterations {
			if err := s.sleep(ctx, s.opts.Delay); err != nil {
				return s.failed(outcome, err), err
			}
		}
	}
}

// afterManager returns the next prompt, or done when the manager's output
// ends the session
func (s *Scheduler) afterManager(job Job, state *dualState, st step, history []runstate.Iteration) (string, bool) {
	if st.handoff.NeedsHandoff && st.exitCode == 0 {
		state.queue = st.handoff.TaskBreakdown
		state.next = 0
		state.completed = nil
		state.role = protocol.RoleWorker
		s.handoff(job.SessionID, eventlog.Handoff{
			From:   protocol.RoleManager,
			To:     protocol.RoleWorker,
			Reason: st.handoff.Reason,
			Items:  state.queue,
		})
		return prompt.WorkerPrompt(job.Task, state.queue[0], 1, len(state.queue)), false
	}

	if st.analysis.HasError && !s.opts.ContinueOnError {
		return "", true
	}
	if st.analysis.IsComplete && !st.analysis.HasError && !state.pending() {
		return "", true
	}
	return prompt.BuildNextPrompt(st.output, history, st.analysis), false
}

// afterWorker returns the next prompt, or done when the worker's output
// ends the session
func (s *Scheduler) afterWorker(job Job, state *dualState, st step, history []runstate.Iteration) (string, bool) {
	item := state.currentItem()

	switch {
	case st.handoff.NeedsHandoff && st.handoff.Reason == protocol.HandoffWorkerNeedsHelp:
		if st.exitCode != 0 && !s.opts.ContinueOnError {
			return "", true
		}
		state.role = protocol.RoleManager
		s.handoff(job.SessionID, eventlog.Handoff{
			From:   protocol.RoleWorker,
			To:     protocol.RoleManager,
			Reason: st.handoff.Reason,
			Items:  nonEmpty(item),
		})
		return prompt.EscalationPrompt(job.Task, item, st.output), false

	case st.handoff.NeedsHandoff && st.handoff.Reason == protocol.HandoffTaskCompleted:
		if state.pending() {
			state.completed = append(state.completed, item)
			state.next++
		}
		if state.pending() {
			return prompt.WorkerPrompt(job.Task, state.currentItem(), state.next+1, len(state.queue)), false
		}
		state.role = protocol.RoleManager
		s.handoff(job.SessionID, eventlog.Handoff{
			From:   protocol.RoleWorker,
			To:     protocol.RoleManager,
			Reason: st.handoff.Reason,
			Items:  state.completed,
		})
		return prompt.ReviewPrompt(job.Task, state.completed), false
	}

	if st.exitCode != 0 && !s.opts.ContinueOnError {
		return "", true
	}
	return prompt.BuildNextPrompt(st.output, history, st.analysis), false
}

func (s *Scheduler) finishDual(job Job, outcome Outcome, st step) Outcome {
	if st.analysis.IsComplete && !st.analysis.HasError && st.exitCode == 0 {
		outcome.Status = runstate.StatusCompleted
		outcome.Reason = "completion detected"
		s.logger.Info("session completed", "session_id", job.SessionID, "iterations", outcome.Iterations)
		return outcome
	}
	return s.analysisFailed(job, outcome, st)
}

// step runs one iteration and persists it. Adapter failures are recorded and
// reported through step.execErr; the returned error is reserved for
// persistence failures.
func (s *Scheduler) step(ctx context.Context, sessionID string, role protocol.Role, text, continuation string) (step, error) {
	opts := s.opts.execFor(role).WithContinuation(continuation)

	start := time.Now()
	res, execErr := s.adapter.Execute(ctx, text, opts)
	elapsed := time.Since(start)

	var st step
	it := runstate.Iteration{Role: role, Prompt: text}

	if execErr != nil {
		s.logger.Warn("claude execution failed", "session_id", sessionID, "role", role, "error", execErr)
		it.ExitCode = -1
		it.Error = execErr.Error()
		it.DurationMs = elapsed.Milliseconds()
		st.exitCode = -1
		st.execErr = execErr
	} else {
		if res.Duration > 0 {
			elapsed = res.Duration
		}
		out := parser.Parse(res.RawOutput)
		if out.Error == "" && res.ExitCode != 0 && strings.TrimSpace(res.Stderr) != "" {
			out.Error = firstLine(res.Stderr)
		}
		analysis := s.analyzer.Analyze(out, res.ExitCode)
		if role != protocol.RoleSingle {
			st.handoff = s.analyzer.AnalyzeForRole(out, role)
			out = out.WithHandoff(role, st.handoff)
		}

		it.Output = out
		it.Analysis = &analysis
		it.ExitCode = res.ExitCode
		it.DurationMs = elapsed.Milliseconds()

		st.output = out
		st.analysis = analysis
		st.exitCode = res.ExitCode
	}

	persisted, err := s.recorder.AppendIteration(sessionID, it)
	if err != nil {
		return st, fmt.Errorf("failed to persist iteration: %w", err)
	}
	st.iteration = persisted

	s.logger.Info("iteration finished",
		"session_id", sessionID,
		"iteration", persisted.Sequence,
		"role", role,
		"exit_code", persisted.ExitCode,
		"duration", persisted.Duration())
	if s.transcript != nil && s.out != nil {
		fmt.Fprintln(s.out, s.transcript.FormatIteration(persisted))
	}
	return st, nil
}

// adapterFailure decides whether the loop survives an adapter error
func (s *Scheduler) adapterFailure(ctx context.Context, sessionID string, execErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.opts.ContinueOnError {
		return fmt.Errorf("%w: %w", ErrSessionFailed, execErr)
	}
	s.logger.Info("continuing after execution failure", "session_id", sessionID, "error", execErr)
	return nil
}

func (s *Scheduler) handoff(sessionID string, h eventlog.Handoff) {
	s.logger.Info("handoff",
		"session_id", sessionID,
		"from", h.From,
		"to", h.To,
		"reason", h.Reason,
		"items", len(h.Items))
	s.recorder.RecordHandoff(sessionID, h)
	if s.transcript != nil && s.out != nil {
		fmt.Fprintln(s.out, s.transcript.FormatHandoff(h))
	}
}

func (s *Scheduler) limitReached(job Job, outcome Outcome) Outcome {
	outcome.Status = runstate.StatusIterationLimit
	outcome.Reason = "iteration limit reached"
	s.logger.Info("iteration limit reached", "session_id", job.SessionID, "iterations", outcome.Iterations)
	return outcome
}

func (s *Scheduler) analysisFailed(job Job, outcome Outcome, st step) Outcome {
	outcome.Status = runstate.StatusFailed
	outcome.Reason = "error detected"
	outcome.LastError = st.output.Error
	if outcome.LastError == "" {
		outcome.LastError = firstLine(st.output.Result)
	}
	if outcome.LastError == "" && st.exitCode != 0 {
		outcome.LastError = fmt.Sprintf("claude exited with code %d", st.exitCode)
	}
	s.logger.Warn("session failed",
		"session_id", job.SessionID,
		"iterations", outcome.Iterations,
		"exit_code", st.exitCode,
		"error", outcome.LastError)
	return outcome
}

func (s *Scheduler) failed(outcome Outcome, err error) Outcome {
	outcome.Status = runstate.StatusFailed
	outcome.Reason = "error"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome.Reason = "cancelled"
	}
	if outcome.LastError == "" {
		outcome.LastError = err.Error()
	}
	return outcome
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nonEmpty(item string) []string {
	if item == "" {
		return nil
	}
	return []string{item}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
