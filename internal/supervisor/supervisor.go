// Package supervisor owns the interactive process attached to each session:
// a shell running under a pseudo-terminal in the session's working directory.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	defaultRows     = 24
	defaultCols     = 80
	readBufferLen   = 4096
	maxTailBytes    = 64 * 1024
	subscriberQueue = 64
	// StopGrace is how long Close waits before escalating to SIGKILL
	StopGrace = 2 * time.Second
)

// ErrNotRunning is returned when writing to a controller whose process exited
var ErrNotRunning = errors.New("process controller not running")

// DefaultCommand returns $SHELL, falling back to /bin/sh
func DefaultCommand() []string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return []string{shell}
	}
	return []string{"/bin/sh"}
}

// PTYController runs one interactive process under a pty
type PTYController struct {
	sessionID string
	cmd       []string
	workDir   string
	logger    *slog.Logger

	mu          sync.Mutex
	process     *exec.Cmd
	ptmx        *os.File
	running     bool
	closed      bool
	exitErr     error
	done        chan struct{}
	tail        []byte
	subscribers map[int]chan []byte
	nextSub     int
}

// NewPTYController creates a controller; call Start to launch the process
func NewPTYController(sessionID string, cmd []string, workDir string, logger *slog.Logger) *PTYController {
	if len(cmd) == 0 {
		cmd = DefaultCommand()
	}
	return &PTYController{
		sessionID:   sessionID,
		cmd:         cmd,
		workDir:     workDir,
		logger:      logger,
		done:        make(chan struct{}),
		subscribers: make(map[int]chan []byte),
	}
}

// Start launches the process in its own process group
func (c *PTYController) Start() error {
	c.mu.Lock()
	if c.running || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("process controller already started")
	}
	c.mu.Unlock()

	proc := exec.Command(c.cmd[0], c.cmd[1:]...)
	proc.Dir = c.workDir
	proc.Env = append(os.Environ(), "ACC_SESSION_ID="+c.sessionID)
	attrs := &syscall.SysProcAttr{Setpgid: true}

	ptmx, err := pty.StartWithAttrs(proc, &pty.Winsize{Rows: defaultRows, Cols: defaultCols}, attrs)
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	c.mu.Lock()
	c.process = proc
	c.ptmx = ptmx
	c.running = true
	c.mu.Unlock()

	c.logger.Debug("process controller started",
		"session_id", c.sessionID,
		"cmd", c.cmd,
		"pid", proc.Process.Pid)

	go c.readOutput(ptmx)
	go c.waitForExit(proc)
	return nil
}

// SessionID returns the session the controller belongs to
func (c *PTYController) SessionID() string {
	return c.sessionID
}

// IsRunning reports whether the process is still alive
func (c *PTYController) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done is closed once the process has exited
func (c *PTYController) Done() <-chan struct{} {
	return c.done
}

// Write sends input to the process
func (c *PTYController) Write(p []byte) (int, error) {
	c.mu.Lock()
	ptmx, running := c.ptmx, c.running
	c.mu.Unlock()

	if !running || ptmx == nil {
		return 0, ErrNotRunning
	}
	return ptmx.Write(p)
}

// Resize changes the terminal size
func (c *PTYController) Resize(rows, cols uint16) error {
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()

	if ptmx == nil {
		return ErrNotRunning
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Tail returns the most recent output, bounded in size
func (c *PTYController) Tail() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.tail...)
}

// Subscribe streams output chunks. Slow subscribers miss chunks instead of
// blocking the reader. The returned func unsubscribes.
func (c *PTYController) Subscribe() (<-chan []byte, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan []byte, subscriberQueue)
	id := c.nextSub
	c.nextSub++
	if c.process != nil && !c.running {
		close(ch)
		return ch, func() {}
	}
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close terminates the process group: SIGHUP and SIGTERM, then SIGKILL
// after StopGrace
func (c *PTYController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	proc, ptmx, running := c.process, c.ptmx, c.running
	c.mu.Unlock()

	if proc == nil {
		return nil
	}

	var errs []error
	if running && proc.Process != nil {
		pid := proc.Process.Pid
		// interactive shells ignore SIGTERM but exit on hangup
		for _, sig := range []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM} {
			if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
				errs = append(errs, fmt.Errorf("signal process group: %w", err))
				break
			}
		}
		select {
		case <-c.done:
		case <-time.After(StopGrace):
			c.logger.Warn("process controller did not stop gracefully, killing", "session_id", c.sessionID, "pid", pid)
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				errs = append(errs, fmt.Errorf("kill process group: %w", err))
			}
			<-c.done
		}
	}

	if ptmx != nil {
		if err := ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *PTYController) readOutput(ptmx *os.File) {
	buf := make([]byte, readBufferLen)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			c.publish(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			// EIO is the normal end of a pty once the child exits
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				c.logger.Debug("process controller read failed", "session_id", c.sessionID, "error", err)
			}
			return
		}
	}
}

func (c *PTYController) publish(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tail = append(c.tail, chunk...)
	if over := len(c.tail) - maxTailBytes; over > 0 {
		c.tail = append([]byte(nil), c.tail[over:]...)
	}

	for _, sub := range c.subscribers {
		select {
		case sub <- chunk:
		default:
		}
	}
}

func (c *PTYController) waitForExit(proc *exec.Cmd) {
	err := proc.Wait()

	c.mu.Lock()
	c.running = false
	c.exitErr = err
	for id, sub := range c.subscribers {
		close(sub)
		delete(c.subscribers, id)
	}
	c.mu.Unlock()
	close(c.done)

	if err != nil {
		c.logger.Debug("process controller exited", "session_id", c.sessionID, "error", err)
	} else {
		c.logger.Debug("process controller exited cleanly", "session_id", c.sessionID)
	}
}

// ExitCode returns the process exit code, or -1 while it is still running
func (c *PTYController) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.process == nil {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(c.exitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if c.exitErr != nil {
		return 1
	}
	return 0
}
