package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/eventlog"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/transcript"
)

type reply struct {
	raw      string
	exitCode int
	err      error
}

type call struct {
	prompt string
	opts   protocol.ExecOptions
}

// scriptedAdapter returns replies in order and repeats the last one
type scriptedAdapter struct {
	mu      sync.Mutex
	replies []reply
	calls   []call
}

func (a *scriptedAdapter) Execute(ctx context.Context, prompt string, opts protocol.ExecOptions) (*protocol.ExecResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, call{prompt: prompt, opts: opts})
	r := a.replies[min(len(a.calls), len(a.replies))-1]
	if r.err != nil {
		return nil, r.err
	}
	return &protocol.ExecResult{RawOutput: r.raw, ExitCode: r.exitCode, Duration: time.Millisecond}, nil
}

type memoryRecorder struct {
	session  *runstate.Session
	handoffs []eventlog.Handoff
	failWith error
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{session: runstate.New("sess-1", "task", "/tmp")}
}

func (r *memoryRecorder) AppendIteration(sessionID string, it runstate.Iteration) (runstate.Iteration, error) {
	if r.failWith != nil {
		return runstate.Iteration{}, r.failWith
	}
	return r.session.AppendIteration(it)
}

func (r *memoryRecorder) RecordHandoff(sessionID string, h eventlog.Handoff) {
	r.handoffs = append(r.handoffs, h)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	exec := protocol.ExecOptions{WorkDir: "/tmp", Timeout: time.Minute}
	manager, worker := exec, exec
	manager.Model = "opus"
	worker.Model = "sonnet"
	return Options{MaxIterations: 10, Delay: time.Second, Exec: exec, Manager: manager, Worker: worker}
}

func newTestScheduler(adapter protocol.Adapter, rec Recorder, opts Options) (*Scheduler, *int) {
	s := NewScheduler(adapter, nil, rec, opts, testLogger())
	sleeps := new(int)
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		*sleeps++
		return ctx.Err()
	})
	return s, sleeps
}

func TestRunCompletesOnFirstIteration(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: `{"result":"Task completed successfully. All tests pass.","session_id":"s1","total_cost_usd":0.05}`},
	}}
	rec := newMemoryRecorder()
	s, sleeps := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "fix bug"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	assert.True(t, outcome.Completed)
	assert.Equal(t, 1, outcome.Iterations)
	assert.InDelta(t, 0.05, outcome.TotalCostUSD, 1e-9)
	assert.Equal(t, 0, *sleeps)

	require.Len(t, rec.session.Iterations, 1)
	it := rec.session.Iterations[0]
	assert.Equal(t, 1, it.Sequence)
	assert.Equal(t, "fix bug", it.Prompt)
	assert.Equal(t, protocol.RoleSingle, it.Role)
	require.NotNil(t, it.Analysis)
	assert.True(t, it.Analysis.IsComplete)
	assert.Equal(t, "fix bug", adapter.calls[0].prompt)
}

func TestRunFailsOnError(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: "Error: cannot find module 'foo'", exitCode: 1},
	}}
	rec := newMemoryRecorder()
	s, _ := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "build it"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusFailed, outcome.Status)
	assert.False(t, outcome.Completed)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 1, outcome.LastExitCode)
	assert.Contains(t, outcome.LastError, "cannot find module 'foo'")
	assert.Len(t, adapter.calls, 1)
	assert.Len(t, rec.session.Iterations, 1)
}

func TestRunContinuesUntilComplete(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: `{"result":"Added the handler. TODO: add input checks","session_id":"s1"}`},
		{raw: `{"result":"Task completed","session_id":"s1"}`},
	}}
	rec := newMemoryRecorder()
	s, sleeps := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "add handler"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 1, *sleeps)

	require.Len(t, adapter.calls, 2)
	assert.Empty(t, adapter.calls[0].opts.ContinuationID)
	assert.Equal(t, "s1", adapter.calls[1].opts.ContinuationID)
	assert.Contains(t, adapter.calls[1].prompt, "Next steps:")
	assert.Contains(t, adapter.calls[1].prompt, "TODO")

	assert.Equal(t, []int{1, 2}, []int{rec.session.Iterations[0].Sequence, rec.session.Iterations[1].Sequence})
}

func TestRunStopsAtIterationLimit(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{{raw: "Still working on the parser"}}}
	rec := newMemoryRecorder()
	s, sleeps := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "write parser"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusIterationLimit, outcome.Status)
	assert.Equal(t, 10, outcome.Iterations)
	assert.False(t, outcome.Completed)
	assert.Len(t, adapter.calls, 10)
	assert.Len(t, rec.session.Iterations, 10)
	assert.Equal(t, 9, *sleeps, "no delay after the final iteration")
}

func TestRunContinueOnError(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: "TypeError: x is not a function", exitCode: 1},
		{raw: "Task completed"},
	}}
	rec := newMemoryRecorder()
	opts := testOptions()
	opts.ContinueOnError = true
	s, _ := newTestScheduler(adapter, rec, opts)

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "fix types"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	require.Len(t, adapter.calls, 2)
	assert.Contains(t, adapter.calls[1].prompt, "Type errors:")
	assert.Contains(t, adapter.calls[1].prompt, "TypeError: x is not a function")
}

func TestRunErrorAndCompletionStillFails(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: "Task completed, but the build failed"},
	}}
	rec := newMemoryRecorder()
	s, _ := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "ship"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusFailed, outcome.Status)
	assert.True(t, outcome.Completed)
}

func TestRunAdapterErrorFailsSession(t *testing.T) {
	boom := errors.New("claude execution timed out")
	adapter := &scriptedAdapter{replies: []reply{{err: boom}}}
	rec := newMemoryRecorder()
	s, _ := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "slow task"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, runstate.StatusFailed, outcome.Status)
	assert.Equal(t, -1, outcome.LastExitCode)
	assert.Contains(t, outcome.LastError, "timed out")

	require.Len(t, rec.session.Iterations, 1)
	assert.Equal(t, -1, rec.session.Iterations[0].ExitCode)
	assert.Equal(t, boom.Error(), rec.session.Iterations[0].Error)
	assert.Nil(t, rec.session.Iterations[0].Analysis)
}

func TestRunAdapterErrorWithContinueOnError(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{err: errors.New("spawn failed")},
		{raw: "Task completed"},
	}}
	rec := newMemoryRecorder()
	opts := testOptions()
	opts.ContinueOnError = true
	s, _ := newTestScheduler(adapter, rec, opts)

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "retry"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	require.Len(t, adapter.calls, 2)
	assert.Contains(t, adapter.calls[1].prompt, "spawn failed")
	assert.Len(t, rec.session.Iterations, 2)
}

func TestRunPersistFailure(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{{raw: "Task completed"}}}
	rec := newMemoryRecorder()
	rec.failWith = errors.New("disk full")
	s, _ := newTestScheduler(adapter, rec, testOptions())

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "x"})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, runstate.StatusFailed, outcome.Status)
}

func TestRunCancelledDuringDelay(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{{raw: "Still working"}}}
	rec := newMemoryRecorder()
	s := NewScheduler(adapter, nil, rec, testOptions(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.SetSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})

	outcome, err := s.Run(ctx, Job{SessionID: "sess-1", Task: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, runstate.StatusFailed, outcome.Status)
	assert.Equal(t, "cancelled", outcome.Reason)
	assert.Equal(t, 1, outcome.Iterations)
}

func TestRunResumesFromHistory(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{{raw: "Task completed"}}}
	rec := newMemoryRecorder()
	prior, err := rec.session.AppendIteration(runstate.Iteration{
		Role:   protocol.RoleSingle,
		Prompt: "first",
		Output: protocol.ParsedOutput{Result: "partial", SessionID: "prev-token"},
	})
	require.NoError(t, err)

	s, _ := newTestScheduler(adapter, rec, testOptions())
	outcome, err := s.Run(context.Background(), Job{
		SessionID: "sess-1",
		Task:      "x",
		Prompt:    "resume now",
		History:   []runstate.Iteration{prior},
	})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	assert.Equal(t, "resume now", adapter.calls[0].prompt)
	assert.Equal(t, "prev-token", adapter.calls[0].opts.ContinuationID)
	assert.Equal(t, 2, rec.session.Iterations[1].Sequence)
}

func TestRunRejectsZeroIterations(t *testing.T) {
	opts := testOptions()
	opts.MaxIterations = 0
	s, _ := newTestScheduler(&scriptedAdapter{}, newMemoryRecorder(), opts)

	_, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "x"})
	assert.Error(t, err)
}

func TestDualAgentFlow(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: `{"result":"Analysis complete, ready to implement.\n1. Add the login handler\n2. Write the login tests","session_id":"m1"}`},
		{raw: `{"result":"Task completed","session_id":"w1"}`},
		{raw: `{"result":"Task completed","session_id":"w1"}`},
		{raw: `{"result":"Task completed. Everything looks good.","session_id":"m1"}`},
	}}
	rec := newMemoryRecorder()
	opts := testOptions()
	opts.DualAgent = true
	s, _ := newTestScheduler(adapter, rec, opts)

	var out bytes.Buffer
	s.SetTranscriptFormatter(transcript.NewFormatter(), &out)

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "add login"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	assert.Equal(t, 4, outcome.Iterations)

	var roles []protocol.Role
	for _, it := range rec.session.Iterations {
		roles = append(roles, it.Role)
	}
	assert.Equal(t, []protocol.Role{protocol.RoleManager, protocol.RoleWorker, protocol.RoleWorker, protocol.RoleManager}, roles)

	first := rec.session.Iterations[0].Output
	assert.True(t, first.NeedsHandoff)
	assert.True(t, first.ReadyForWorker)
	assert.Equal(t, []string{"Add the login handler", "Write the login tests"}, first.TaskBreakdown)

	require.Len(t, adapter.calls, 4)
	assert.Contains(t, adapter.calls[0].prompt, "You are the manager")
	assert.Equal(t, "opus", adapter.calls[0].opts.Model)
	assert.Contains(t, adapter.calls[1].prompt, "Work item 1 of 2")
	assert.Equal(t, "sonnet", adapter.calls[1].opts.Model)
	assert.Empty(t, adapter.calls[1].opts.ContinuationID)
	assert.Contains(t, adapter.calls[2].prompt, "Work item 2 of 2")
	assert.Equal(t, "w1", adapter.calls[2].opts.ContinuationID)
	assert.Contains(t, adapter.calls[3].prompt, "finished every work item")
	assert.Equal(t, "m1", adapter.calls[3].opts.ContinuationID)

	require.Len(t, rec.handoffs, 2)
	assert.Equal(t, protocol.RoleManager, rec.handoffs[0].From)
	assert.Equal(t, protocol.HandoffTaskAnalysisComplete, rec.handoffs[0].Reason)
	assert.Equal(t, protocol.RoleWorker, rec.handoffs[1].From)
	assert.Equal(t, protocol.HandoffTaskCompleted, rec.handoffs[1].Reason)
	assert.Len(t, rec.handoffs[1].Items, 2)

	assert.Contains(t, out.String(), "[manager]")
	assert.Contains(t, out.String(), "manager -> worker")
}

func TestDualAgentEscalation(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: "Analysis complete.\n1. Call the payments API"},
		{raw: "I'm stuck: cannot proceed without an API key"},
		{raw: "Analysis complete.\n1. Use the fixture API key from testdata"},
		{raw: "Task completed"},
		{raw: "Task completed"},
	}}
	rec := newMemoryRecorder()
	opts := testOptions()
	opts.DualAgent = true
	s, _ := newTestScheduler(adapter, rec, opts)

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "payments"})
	require.NoError(t, err)

	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	assert.Equal(t, 5, outcome.Iterations)
	require.Len(t, adapter.calls, 5)
	assert.Contains(t, adapter.calls[2].prompt, "The worker needs help")
	assert.Contains(t, adapter.calls[2].prompt, "cannot proceed without an API key")
	assert.Contains(t, adapter.calls[3].prompt, "Use the fixture API key from testdata")

	require.Len(t, rec.handoffs, 4)
	assert.Equal(t, protocol.HandoffWorkerNeedsHelp, rec.handoffs[1].Reason)
	assert.Equal(t, []string{"Call the payments API"}, rec.handoffs[1].Items)
}

func TestDualAgentManagerCompletesWithoutHandoff(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{{raw: "Nothing to split up. Task completed"}}}
	rec := newMemoryRecorder()
	opts := testOptions()
	opts.DualAgent = true
	s, _ := newTestScheduler(adapter, rec, opts)

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "noop"})
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Empty(t, rec.handoffs)
}

func TestDualAgentIterationLimit(t *testing.T) {
	adapter := &scriptedAdapter{replies: []reply{
		{raw: "Analysis complete.\n1. Rewrite the storage layer"},
		{raw: "Still going through the storage layer"},
	}}
	rec := newMemoryRecorder()
	opts := testOptions()
	opts.DualAgent = true
	opts.MaxIterations = 3
	s, _ := newTestScheduler(adapter, rec, opts)

	outcome, err := s.Run(context.Background(), Job{SessionID: "sess-1", Task: "storage"})
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusIterationLimit, outcome.Status)
	assert.Equal(t, protocol.RoleWorker, rec.session.Iterations[2].Role)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
