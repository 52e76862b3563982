package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/ndjson"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

// Kind identifies a session log entry
type Kind string

const (
	KindSessionStarted  Kind = "session_started"
	KindIteration       Kind = "iteration"
	KindHandoff         Kind = "handoff"
	KindSessionFinished Kind = "session_finished"
	KindSessionResumed  Kind = "session_resumed"
)

// Handoff records control passing between roles in dual-agent mode
type Handoff struct {
	From   protocol.Role          `json:"from"`
	To     protocol.Role          `json:"to"`
	Reason protocol.HandoffReason `json:"reason,omitempty"`
	Items  []string               `json:"items,omitempty"`
}

// Entry is one line of a session log. The same value is published to live
// monitor subscribers.
type Entry struct {
	Kind      Kind                `json:"kind"`
	SessionID string              `json:"session_id"`
	Time      time.Time           `json:"ts"`
	Task      string              `json:"task,omitempty"`
	WorkDir   string              `json:"work_dir,omitempty"`
	Iteration *runstate.Iteration `json:"iteration,omitempty"`
	Handoff   *Handoff            `json:"handoff,omitempty"`
	Status    runstate.Status     `json:"status,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// EventLog appends session entries to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog opens logPath for appending, creating it if needed
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends an entry, stamping its time if unset
func (l *EventLog) Write(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log closed")
	}
	return l.encoder.Encode(e)
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Read returns every entry in the log at path, in write order
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := ndjson.NewDecoder(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var entries []Entry
	for {
		var e Entry
		err := decoder.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}
