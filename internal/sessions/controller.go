package sessions

import (
	"log/slog"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/supervisor"
)

// Controller is the interactive process bound to a session
type Controller interface {
	SessionID() string
	IsRunning() bool
	Close() error
}

// ControllerFactory creates and starts the controller for a session
type ControllerFactory func(sessionID, workDir string) (Controller, error)

// PTYControllerFactory starts cmd under a pseudo-terminal for each session
func PTYControllerFactory(cmd []string, logger *slog.Logger) ControllerFactory {
	return func(sessionID, workDir string) (Controller, error) {
		c := supervisor.NewPTYController(sessionID, cmd, workDir, logger)
		if err := c.Start(); err != nil {
			return nil, err
		}
		return c, nil
	}
}
