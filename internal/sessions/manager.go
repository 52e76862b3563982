// Package sessions tracks concurrently running sessions, the process
// controller bound to each, and their persisted records.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/eventlog"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/storage"
)

var (
	// ErrCapacity is wrapped by *CapacityError
	ErrCapacity       = errors.New("session capacity reached")
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("session not running")
)

// CapacityError reports a rejected creation while the running limit is reached
type CapacityError struct {
	Limit   int
	Running int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session capacity reached: %d of %d sessions running", e.Running, e.Limit)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacity
}

// Index mirrors session records into a queryable store
type Index interface {
	UpsertSession(sum storage.Summary) error
	DeleteSession(id string) error
}

// Publisher receives live copies of session events. It must not block.
type Publisher interface {
	Publish(e eventlog.Entry)
}

// Options configures a Manager
type Options struct {
	DataDir         string
	MaxConcurrent   int
	CleanupInterval time.Duration
	MaxAge          time.Duration
	// DualAgent is recorded on sessions created by this manager
	DualAgent bool
}

// State is a read-only snapshot of one tracked session
type State struct {
	ID            string          `json:"id"`
	Task          string          `json:"task"`
	WorkDir       string          `json:"work_dir"`
	Status        runstate.Status `json:"status"`
	StartTime     time.Time       `json:"start_time"`
	LastActivity  time.Time       `json:"last_activity"`
	Iterations    int             `json:"iterations"`
	ResumeCount   int             `json:"resume_count"`
	HasController bool            `json:"has_controller"`
	RecordPath    string          `json:"record_path"`
	LogPath       string          `json:"log_path"`
}

// entry is the manager's bookkeeping for one session
type entry struct {
	session      *runstate.Session
	controller   Controller
	lastActivity time.Time
	eventLog     *eventlog.EventLog
	ctx          context.Context
	cancel       context.CancelFunc
}

func (e *entry) running() bool {
	return e.session.Status == runstate.StatusRunning
}

// Manager owns every session started by this process. All bookkeeping is
// guarded by mu.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	factory ControllerFactory
	index   Index
	publish Publisher

	mu      sync.Mutex
	entries map[string]*entry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	sweepDone chan struct{}
	done      chan struct{}
}

// NewManager creates a session manager rooted at opts.DataDir
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Manager{
		opts:      opts,
		logger:    logger,
		entries:   make(map[string]*entry),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetControllerFactory sets how process controllers are created. Without one
// sessions run without a controller.
func (m *Manager) SetControllerFactory(f ControllerFactory) {
	m.factory = f
}

// SetIndex sets the session index kept in sync with records
func (m *Manager) SetIndex(index Index) {
	m.index = index
}

// SetPublisher sets the live event sink
func (m *Manager) SetPublisher(p Publisher) {
	m.publish = p
}

// CreateSession starts tracking a new running session
func (m *Manager) CreateSession(task, workDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if running := m.runningLocked(); running >= m.opts.MaxConcurrent {
		return "", &CapacityError{Limit: m.opts.MaxConcurrent, Running: running}
	}

	id := uuid.NewString()
	session := runstate.New(id, task, workDir)
	session.DualAgent = m.opts.DualAgent
	if err := runstate.Save(session, m.recordPath(id)); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	e := m.newEntryLocked(session)
	m.entries[id] = e
	e.controller = m.startController(id, workDir)

	m.logger.Info("session created", "session_id", id, "work_dir", workDir)
	m.emit(e, eventlog.Entry{Kind: eventlog.KindSessionStarted, Task: task, WorkDir: workDir, Status: session.Status})
	m.indexLocked(e)
	return id, nil
}

// ResumeSession puts a paused or finished session back into the running
// state. When extraPrompt is set a synthetic iteration records it.
func (m *Manager) ResumeSession(id, extraPrompt string) (*runstate.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, tracked := m.entries[id]
	if tracked && e.running() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if running := m.runningLocked(); running >= m.opts.MaxConcurrent {
		return nil, &CapacityError{Limit: m.opts.MaxConcurrent, Running: running}
	}

	session, err := runstate.Load(m.recordPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	session.MarkResumed()

	var resumed *runstate.Iteration
	if extraPrompt != "" {
		it, err := session.AppendIteration(runstate.Iteration{
			Role:   lastRole(session),
			Prompt: extraPrompt,
			Output: protocol.ParsedOutput{Result: "session resumed"},
		})
		if err != nil {
			return nil, err
		}
		resumed = &it
	}
	if err := runstate.Save(session, m.recordPath(id)); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	var controller Controller
	if tracked && e.controller != nil && e.controller.IsRunning() {
		controller = e.controller
	}
	if tracked {
		e.cancel()
		m.closeEventLog(e)
	}

	e = m.newEntryLocked(session)
	m.entries[id] = e
	e.controller = controller
	if e.controller == nil {
		e.controller = m.startController(id, session.WorkDir)
	}

	m.logger.Info("session resumed", "session_id", id, "resume_count", session.ResumeCount)
	m.emit(e, eventlog.Entry{Kind: eventlog.KindSessionResumed, Status: session.Status, Message: extraPrompt})
	if resumed != nil {
		m.emit(e, eventlog.Entry{Kind: eventlog.KindIteration, Iteration: resumed})
	}
	m.indexLocked(e)
	return cloneSession(session), nil
}

// AppendIteration persists the next iteration of a running session
func (m *Manager) AppendIteration(id string, it runstate.Iteration) (runstate.Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.runningEntryLocked(id)
	if err != nil {
		return runstate.Iteration{}, err
	}

	appended, err := e.session.AppendIteration(it)
	if err != nil {
		return runstate.Iteration{}, err
	}
	if err := runstate.Save(e.session, m.recordPath(id)); err != nil {
		return runstate.Iteration{}, fmt.Errorf("failed to persist session: %w", err)
	}
	e.lastActivity = time.Now()

	m.emit(e, eventlog.Entry{Kind: eventlog.KindIteration, Iteration: &appended})
	m.indexLocked(e)
	return appended, nil
}

// RecordHandoff logs a dual-agent role change
func (m *Manager) RecordHandoff(id string, h eventlog.Handoff) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.lastActivity = time.Now()
	m.emit(e, eventlog.Entry{Kind: eventlog.KindHandoff, Handoff: &h})
}

// Touch records activity on a session
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		e.lastActivity = time.Now()
	}
}

// SessionContext returns a context cancelled when the session is force
// killed, completed or shut down
func (m *Manager) SessionContext(id string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.runningEntryLocked(id)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// CompleteSession applies a terminal status and releases the controller
func (m *Manager) CompleteSession(id string, c runstate.Completion) error {
	if !c.Status.Terminal() {
		return fmt.Errorf("cannot complete session with status %q", c.Status)
	}

	m.mu.Lock()
	e, err := m.runningEntryLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	controller, err := m.finishLocked(e, c)
	m.mu.Unlock()

	m.closeController(id, controller)
	return err
}

// ForceKillSession tears down the controller, aborts any in-flight call and
// marks the session failed regardless of loop state
func (m *Manager) ForceKillSession(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var err error
	controller := e.controller
	e.controller = nil
	if e.running() {
		m.logger.Warn("force killing session", "session_id", id)
		_, err = m.finishLocked(e, runstate.Completion{
			Status:       runstate.StatusFailed,
			Reason:       "force killed",
			LastError:    "session force killed",
			LastExitCode: -1,
		})
	}
	e.cancel()
	m.mu.Unlock()

	m.closeController(id, controller)
	return err
}

// ListActiveSessions returns the running sessions, oldest first
func (m *Manager) ListActiveSessions() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var states []State
	for _, e := range m.entries {
		if e.running() {
			states = append(states, m.snapshot(e))
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartTime.Before(states[j].StartTime) })
	return states
}

// Get returns a copy of the session record, from memory when tracked
func (m *Manager) Get(id string) (*runstate.Session, error) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		defer m.mu.Unlock()
		return cloneSession(e.session), nil
	}
	m.mu.Unlock()

	session, err := runstate.Load(m.recordPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	return session, nil
}

// Controller returns the live controller of a session
func (m *Manager) Controller(id string) (Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.controller == nil {
		return nil, false
	}
	return e.controller, true
}

// finishLocked persists a terminal transition and detaches the controller,
// which the caller closes after releasing mu
func (m *Manager) finishLocked(e *entry, c runstate.Completion) (Controller, error) {
	id := e.session.ID
	e.session.Finish(c)
	e.lastActivity = time.Now()

	var err error
	if saveErr := runstate.Save(e.session, m.recordPath(id)); saveErr != nil {
		err = fmt.Errorf("failed to persist session: %w", saveErr)
	}

	m.logger.Info("session finished",
		"session_id", id,
		"status", c.Status,
		"reason", c.Reason,
		"iterations", len(e.session.Iterations))
	m.emit(e, eventlog.Entry{Kind: eventlog.KindSessionFinished, Status: c.Status, Message: c.Reason})
	m.indexLocked(e)
	m.closeEventLog(e)
	e.cancel()

	controller := e.controller
	e.controller = nil
	return controller, err
}

func (m *Manager) newEntryLocked(session *runstate.Session) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		session:      session,
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	log, err := eventlog.NewEventLog(m.logPath(session.ID), m.logger)
	if err != nil {
		m.logger.Warn("failed to open session log", "session_id", session.ID, "error", err)
	} else {
		e.eventLog = log
	}
	return e
}

func (m *Manager) runningEntryLocked(id string) (*entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.running() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, e.session.Status)
	}
	return e, nil
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.running() {
			n++
		}
	}
	return n
}

func (m *Manager) startController(id, workDir string) Controller {
	if m.factory == nil {
		return nil
	}
	c, err := m.factory(id, workDir)
	if err != nil {
		m.logger.Warn("failed to start process controller", "session_id", id, "error", err)
		return nil
	}
	return c
}

func (m *Manager) closeController(id string, c Controller) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		m.logger.Warn("failed to close process controller", "session_id", id, "error", err)
	}
}

// emit writes an entry to the session log and the live publisher
func (m *Manager) emit(e *entry, ev eventlog.Entry) {
	ev.SessionID = e.session.ID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if e.eventLog != nil {
		if err := e.eventLog.Write(ev); err != nil {
			m.logger.Warn("failed to write session log", "session_id", e.session.ID, "error", err)
		}
	}
	if m.publish != nil {
		m.publish.Publish(ev)
	}
}

func (m *Manager) indexLocked(e *entry) {
	if m.index == nil {
		return
	}
	if err := m.index.UpsertSession(storage.SummaryOf(e.session)); err != nil {
		m.logger.Warn("failed to update session index", "session_id", e.session.ID, "error", err)
	}
}

func (m *Manager) closeEventLog(e *entry) {
	if e.eventLog == nil {
		return
	}
	if err := e.eventLog.Close(); err != nil {
		m.logger.Warn("failed to close session log", "session_id", e.session.ID, "error", err)
	}
	e.eventLog = nil
}

func (m *Manager) snapshot(e *entry) State {
	return State{
		ID:            e.session.ID,
		Task:          e.session.InitialPrompt,
		WorkDir:       e.session.WorkDir,
		Status:        e.session.Status,
		StartTime:     e.session.StartTime,
		LastActivity:  e.lastActivity,
		Iterations:    len(e.session.Iterations),
		ResumeCount:   e.session.ResumeCount,
		HasController: e.controller != nil,
		RecordPath:    m.recordPath(e.session.ID),
		LogPath:       m.logPath(e.session.ID),
	}
}

func (m *Manager) recordPath(id string) string {
	return runstate.Path(m.opts.DataDir, id)
}

func (m *Manager) logPath(id string) string {
	return runstate.LogPath(m.opts.DataDir, id)
}

func lastRole(s *runstate.Session) protocol.Role {
	if last := s.LastIteration(); last != nil && last.Role != "" {
		return last.Role
	}
	if s.DualAgent {
		return protocol.RoleManager
	}
	return protocol.RoleSingle
}

func cloneSession(s *runstate.Session) *runstate.Session {
	c := *s
	c.Iterations = append([]runstate.Iteration(nil), s.Iterations...)
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return &c
}
