package sessions

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/fsutil"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

// ReapResult reports what one sweep removed
type ReapResult struct {
	Removed   int
	Reclaimed int
}

// CleanupOldSessions removes the records and logs of non-running sessions
// that ended before now minus maxAge. It returns the number removed.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) (int, error) {
	dir := filepath.Join(m.opts.DataDir, "sessions")
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		session, err := runstate.Load(filepath.Join(dir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable session record", "session_id", id, "error", err)
			continue
		}
		if session.Status == runstate.StatusRunning || session.EndTime == nil || !session.EndTime.Before(cutoff) {
			continue
		}
		if m.remove(id) {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("cleaned up old sessions", "removed", removed, "max_age", maxAge)
	}
	return removed, nil
}

// remove deletes a session's files and bookkeeping unless it is running
func (m *Manager) remove(id string) bool {
	m.mu.Lock()
	e, tracked := m.entries[id]
	if tracked && e.running() {
		m.mu.Unlock()
		return false
	}
	var controller Controller
	if tracked {
		controller = e.controller
		m.closeEventLog(e)
		e.cancel()
		delete(m.entries, id)
	}
	m.mu.Unlock()

	m.closeController(id, controller)

	if err := fsutil.RemoveFiles(m.recordPath(id), m.logPath(id)); err != nil {
		m.logger.Warn("failed to remove session files", "session_id", id, "error", err)
		return false
	}
	if m.index != nil {
		if err := m.index.DeleteSession(id); err != nil {
			m.logger.Warn("failed to update session index", "session_id", id, "error", err)
		}
	}
	return true
}

// Reap runs one sweep: old-session cleanup plus closing every controller not
// backed by a running session
func (m *Manager) Reap() ReapResult {
	var result ReapResult

	removed, err := m.CleanupOldSessions(m.opts.MaxAge)
	if err != nil {
		m.logger.Warn("session cleanup failed", "error", err)
	}
	result.Removed = removed

	type orphan struct {
		id         string
		controller Controller
	}
	var orphans []orphan

	m.mu.Lock()
	for id, e := range m.entries {
		if e.controller != nil && !e.running() {
			orphans = append(orphans, orphan{id: id, controller: e.controller})
			e.controller = nil
		}
	}
	m.mu.Unlock()

	for _, o := range orphans {
		m.logger.Info("reclaiming orphaned process controller", "session_id", o.id)
		m.closeController(o.id, o.controller)
	}
	result.Reclaimed = len(orphans)
	return result
}

// Start runs Reap every CleanupInterval until ctx is done or Shutdown is
// called. Calling Start more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		interval := m.opts.CleanupInterval
		if interval <= 0 {
			close(m.sweepDone)
			return
		}

		go func() {
			defer close(m.sweepDone)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				case <-ticker.C:
					m.Reap()
				}
			}
		}()
	})
}

// Shutdown stops the sweep, pauses every running session so it can be
// resumed later and closes every controller. Close failures are logged.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
		// a sweep that never started has nothing to wait for
		m.startOnce.Do(func() { close(m.sweepDone) })
		<-m.sweepDone

		type closing struct {
			id         string
			controller Controller
		}
		var controllers []closing

		m.mu.Lock()
		for id, e := range m.entries {
			if e.running() {
				controller, err := m.finishLocked(e, runstate.Completion{Status: runstate.StatusPaused, Reason: "shutdown"})
				if err != nil {
					m.logger.Warn("failed to pause session", "session_id", id, "error", err)
				}
				e.controller = controller
			}
			if e.controller != nil {
				controllers = append(controllers, closing{id: id, controller: e.controller})
				e.controller = nil
			}
			m.closeEventLog(e)
			e.cancel()
		}
		m.mu.Unlock()

		for _, c := range controllers {
			m.closeController(c.id, c.controller)
		}

		m.logger.Info("session manager stopped", "controllers_closed", len(controllers))
		close(m.done)
	})
}

// Done is closed once Shutdown has finished
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
