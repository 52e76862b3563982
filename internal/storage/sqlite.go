// Package storage keeps a queryable index of session records. The JSON
// record under sessions/ stays the source of truth.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

// ErrNotFound is returned when the index has no row for a session
var ErrNotFound = errors.New("session not in index")

// Summary is one indexed session
type Summary struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	WorkDir    string          `json:"work_dir"`
	Status     runstate.Status `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Iterations int             `json:"iterations"`
	CostUSD    float64         `json:"cost_usd"`
	LastError  string          `json:"last_error,omitempty"`
}

// SummaryOf builds the index row for a session record
func SummaryOf(s *runstate.Session) Summary {
	return Summary{
		ID:         s.ID,
		Task:       s.InitialPrompt,
		WorkDir:    s.WorkDir,
		Status:     s.Status,
		StartedAt:  s.StartTime,
		EndedAt:    s.EndTime,
		Iterations: len(s.Iterations),
		CostUSD:    s.TotalCostUSD,
		LastError:  s.LastError,
	}
}

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer at a time; sessions upsert from several goroutines
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session index: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		work_dir TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		iterations INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertSession inserts or replaces the row for sum.ID
func (s *Storage) UpsertSession(sum Summary) error {
	var endedAt sql.NullTime
	if sum.EndedAt != nil {
		endedAt = sql.NullTime{Time: sum.EndedAt.UTC(), Valid: true}
	}
	var lastError sql.NullString
	if sum.LastError != "" {
		lastError = sql.NullString{String: sum.LastError, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, task, work_dir, status, started_at, ended_at, iterations, cost_usd, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			task = excluded.task,
			work_dir = excluded.work_dir,
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			iterations = excluded.iterations,
			cost_usd = excluded.cost_usd,
			last_error = excluded.last_error`,
		sum.ID, sum.Task, sum.WorkDir, string(sum.Status), sum.StartedAt.UTC(),
		endedAt, sum.Iterations, sum.CostUSD, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to index session %s: %w", sum.ID, err)
	}
	return nil
}

// GetSession returns the indexed row for id
func (s *Storage) GetSession(id string) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT id, task, work_dir, status, started_at, ended_at, iterations, cost_usd, last_error
		 FROM sessions WHERE id = ?`, id,
	)

	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sum, err
}

// ListSessions returns the most recently started sessions first. A limit of
// zero or less returns every row.
func (s *Storage) ListSessions(limit int) ([]*Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, task, work_dir, status, started_at, ended_at, iterations, cost_usd, last_error
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sum)
	}

	return sessions, rows.Err()
}

// DeleteSession removes the row for id. Missing rows are not an error.
func (s *Storage) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove session %s from index: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*Summary, error) {
	var sum Summary
	var status string
	var endedAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&sum.ID, &sum.Task, &sum.WorkDir, &status, &sum.StartedAt,
		&endedAt, &sum.Iterations, &sum.CostUSD, &lastError,
	)
	if err != nil {
		return nil, err
	}

	sum.Status = runstate.Status(status)
	if endedAt.Valid {
		t := endedAt.Time
		sum.EndedAt = &t
	}
	if lastError.Valid {
		sum.LastError = lastError.String
	}
	return &sum, nil
}
