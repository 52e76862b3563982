package runstate

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/fsutil"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

// Status represents the overall state of a session
type Status string

const (
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusPaused         Status = "paused"
	StatusIterationLimit Status = "iteration_limit"
)

// Terminal reports whether the status ends a session
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Iteration is one execute/parse/analyze cycle. Immutable once appended.
type Iteration struct {
	Sequence   int                      `json:"iteration"`
	Role       protocol.Role            `json:"role"`
	Prompt     string                   `json:"prompt"`
	Output     protocol.ParsedOutput    `json:"output"`
	Analysis   *protocol.AnalysisResult `json:"analysis,omitempty"`
	ExitCode   int                      `json:"exit_code"`
	DurationMs int64                    `json:"duration_ms"`
	Timestamp  time.Time                `json:"timestamp"`
	// Error carries adapter failures (timeouts, spawn errors)
	Error string `json:"error,omitempty"`
}

// Duration returns the wall-clock duration of the iteration
func (it Iteration) Duration() time.Duration {
	return time.Duration(it.DurationMs) * time.Millisecond
}

// Session is the persisted record of one orchestration run
type Session struct {
	ID            string      `json:"id"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       *time.Time  `json:"end_time,omitempty"`
	InitialPrompt string      `json:"initial_prompt"`
	WorkDir       string      `json:"work_dir"`
	DualAgent     bool        `json:"dual_agent,omitempty"`
	Iterations    []Iteration `json:"iterations"`
	Status        Status      `json:"status"`
	StopReason    string      `json:"stop_reason,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	LastExitCode  int         `json:"last_exit_code"`
	TotalCostUSD  float64     `json:"total_cost_usd"`
	ResumeCount   int         `json:"resume_count,omitempty"`
}

// Completion describes how a session ended
type Completion struct {
	Status       Status
	Reason       string
	LastError    string
	LastExitCode int
}

// New creates a running session record
func New(id, task, workDir string) *Session {
	return &Session{
		ID:            id,
		StartTime:     time.Now().UTC(),
		InitialPrompt: task,
		WorkDir:       workDir,
		Iterations:    []Iteration{},
		Status:        StatusRunning,
	}
}

// Save writes the full session record atomically
func Save(s *Session, path string) error {
	return fsutil.AtomicWriteJSON(path, s)
}

// Load reads a session record from disk
func Load(path string) (*Session, error) {
	var s Session
	if err := fsutil.ReadJSON(path, &s); err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if s.Iterations == nil {
		s.Iterations = []Iteration{}
	}
	return &s, nil
}

// Path returns the standard record path for a session under dataDir
func Path(dataDir, id string) string {
	return filepath.Join(dataDir, "sessions", id+".json")
}

// LogPath returns the standard event log path for a session under dataDir
func LogPath(dataDir, id string) string {
	return filepath.Join(dataDir, "logs", id+".ndjson")
}

// NextSequence returns the sequence number the next iteration must carry
func (s *Session) NextSequence() int {
	return len(s.Iterations) + 1
}

// AppendIteration adds it to the record. A zero sequence is assigned the next
// number; any other value must be exactly NextSequence.
func (s *Session) AppendIteration(it Iteration) (Iteration, error) {
	next := s.NextSequence()
	if it.Sequence == 0 {
		it.Sequence = next
	}
	if it.Sequence != next {
		return Iteration{}, fmt.Errorf("iteration %d out of order: expected %d", it.Sequence, next)
	}
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now().UTC()
	}
	s.Iterations = append(s.Iterations, it)
	s.LastExitCode = it.ExitCode
	s.TotalCostUSD += it.Output.Cost()
	if it.Error != "" {
		s.LastError = it.Error
	} else if it.Output.Error != "" {
		s.LastError = it.Output.Error
	}
	return it, nil
}

// LastIteration returns the most recent iteration, or nil
func (s *Session) LastIteration() *Iteration {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// ContinuationID returns the latest assistant session token reported by role.
// RoleSingle matches iterations of any role.
func (s *Session) ContinuationID(role protocol.Role) string {
	for i := len(s.Iterations) - 1; i >= 0; i-- {
		it := s.Iterations[i]
		if role != protocol.RoleSingle && it.Role != role {
			continue
		}
		if it.Output.SessionID != "" {
			return it.Output.SessionID
		}
	}
	return ""
}

// Finish applies a terminal completion to the record
func (s *Session) Finish(c Completion) {
	s.Status = c.Status
	s.StopReason = c.Reason
	if c.LastError != "" {
		s.LastError = c.LastError
	}
	if c.Status == StatusFailed {
		s.LastExitCode = c.LastExitCode
	}
	now := time.Now().UTC()
	s.EndTime = &now
}

// MarkCompleted marks the session as completed
func (s *Session) MarkCompleted(reason string) {
	s.Finish(Completion{Status: StatusCompleted, Reason: reason})
}

// MarkFailed marks the session as failed with its last error and exit code
func (s *Session) MarkFailed(lastError string, exitCode int) {
	s.Finish(Completion{Status: StatusFailed, Reason: "error", LastError: lastError, LastExitCode: exitCode})
}

// MarkIterationLimit marks the session as stopped by the iteration limit
func (s *Session) MarkIterationLimit() {
	s.Finish(Completion{Status: StatusIterationLimit, Reason: "iteration limit reached"})
}

// MarkPaused marks the session as resumable
func (s *Session) MarkPaused(reason string) {
	s.Finish(Completion{Status: StatusPaused, Reason: reason})
}

// MarkResumed puts a non-running session back into the running state
func (s *Session) MarkResumed() {
	s.Status = StatusRunning
	s.StopReason = ""
	s.EndTime = nil
	s.ResumeCount++
}
