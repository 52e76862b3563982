package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the persona that produced an iteration
type Role string

const (
	// RoleSingle is the single-agent mode where one role refines its own output.
	RoleSingle Role = "single"
	// RoleManager plans the work and breaks it into items for the worker.
	RoleManager Role = "manager"
	// RoleWorker implements the items handed over by the manager.
	RoleWorker Role = "worker"
)

// HandoffReason explains why control passes from one role to another
type HandoffReason string

const (
	HandoffTaskAnalysisComplete     HandoffReason = "task_analysis_complete"
	HandoffAnalysisCompleteImplicit HandoffReason = "analysis_complete_implicit"
	HandoffWorkerNeedsHelp          HandoffReason = "worker_needs_help"
	HandoffTaskCompleted            HandoffReason = "task_completed"
)

// ParsedOutput is the structured form of one assistant invocation.
// It is produced once per iteration and never mutated afterwards.
type ParsedOutput struct {
	Result    string   `json:"result"`
	SessionID string   `json:"session_id,omitempty"`
	CostUSD   *float64 `json:"cost_usd,omitempty"`
	Error     string   `json:"error,omitempty"`
	Files     []string `json:"files,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// Dual-agent mode only
	NeedsHandoff   bool          `json:"needs_handoff,omitempty"`
	HandoffReason  HandoffReason `json:"handoff_reason,omitempty"`
	TaskBreakdown  []string      `json:"task_breakdown,omitempty"`
	ReadyForWorker bool          `json:"ready_for_worker,omitempty"`
}

// Cost returns the reported cost or zero when the assistant did not report one
func (p ParsedOutput) Cost() float64 {
	if p.CostUSD == nil {
		return 0
	}
	return *p.CostUSD
}

// WithHandoff returns a copy of p carrying the handoff fields of d.
// The task breakdown is kept only for manager handoffs.
func (p ParsedOutput) WithHandoff(role Role, d HandoffDecision) ParsedOutput {
	out := p
	out.NeedsHandoff = d.NeedsHandoff
	out.HandoffReason = ""
	out.TaskBreakdown = nil
	out.ReadyForWorker = false
	if !d.NeedsHandoff {
		return out
	}
	out.HandoffReason = d.Reason
	if role == RoleManager {
		out.TaskBreakdown = append([]string(nil), d.TaskBreakdown...)
		out.ReadyForWorker = d.ReadyForExecution
	}
	return out
}

// AnalysisResult is the completion/error verdict for a single iteration.
// HasError and NeedsMoreWork may both be true.
type AnalysisResult struct {
	IsComplete    bool     `json:"is_complete"`
	HasError      bool     `json:"has_error"`
	NeedsMoreWork bool     `json:"needs_more_work"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// HandoffDecision is the role-aware verdict used in dual-agent mode
type HandoffDecision struct {
	NeedsHandoff      bool
	Reason            HandoffReason
	TaskBreakdown     []string
	ReadyForExecution bool
}

// ExecOptions enumerates every option understood by an execution adapter
type ExecOptions struct {
	Model          string
	WorkDir        string
	AllowedTools   []string
	ContinuationID string
	Timeout        time.Duration
	Verbose        bool
}

// Validate checks that the options can be handed to an adapter
func (o ExecOptions) Validate() error {
	if strings.TrimSpace(o.WorkDir) == "" {
		return errors.New("exec options: work dir is required")
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("exec options: timeout must be positive, got %s", o.Timeout)
	}
	for _, tool := range o.AllowedTools {
		if strings.TrimSpace(tool) == "" {
			return errors.New("exec options: allowed tools must not contain empty names")
		}
	}
	return nil
}

// WithContinuation returns a copy of o that resumes the given assistant session
func (o ExecOptions) WithContinuation(id string) ExecOptions {
	o.ContinuationID = id
	return o
}

// ExecResult is the raw outcome of one adapter call
type ExecResult struct {
	RawOutput string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
}

// Adapter runs the assistant once with a prompt and returns its raw output.
// Timeouts and spawn failures are reported as errors.
type Adapter interface {
	Execute(ctx context.Context, prompt string, opts ExecOptions) (*ExecResult, error)
}
