package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/analyzer"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/classify"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/config"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/monitor"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/sessions"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/storage"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/workspace"
)

// app holds everything a command needs, built once from the config
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	logger  *slog.Logger

	index    *storage.Storage
	manager  *sessions.Manager
	hub      *monitor.Hub
	monitor  *monitor.Server
	analyzer *analyzer.Analyzer

	closers []func()
}

// loadApp resolves the config, logger and data directory. Services are
// opened separately so read-only commands stay cheap.
func loadApp(cmd *cobra.Command) (*app, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	logLevel, _, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), logLevel)
	if cfgPath != "" {
		logger.Debug("loaded configuration", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	dataDir, err := workspace.ExpandHome(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, cfgPath: cfgPath, dataDir: dataDir, logger: logger}, nil
}

// validate checks the config once flags have been applied
func (a *app) validate() error {
	return a.cfg.Validate()
}

// openIndex opens the session index. A failure is logged and leaves the
// index nil; the JSON records remain authoritative.
func (a *app) openIndex() {
	if err := workspace.Initialize(a.dataDir); err != nil {
		a.logger.Warn("failed to initialize data directory", "path", a.dataDir, "error", err)
		return
	}
	idx, err := storage.New(workspace.IndexPath(a.dataDir))
	if err != nil {
		a.logger.Warn("session index unavailable", "path", workspace.IndexPath(a.dataDir), "error", err)
		return
	}
	a.index = idx
	a.closers = append(a.closers, func() {
		if err := idx.Close(); err != nil {
			a.logger.Warn("failed to close session index", "error", err)
		}
	})
}

// openServices starts the session manager, classifier and optional monitor
func (a *app) openServices(ctx context.Context) error {
	if err := workspace.Initialize(a.dataDir); err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}
	a.openIndex()

	classifier, err := a.classifier()
	if err != nil {
		return err
	}
	a.analyzer = analyzer.New(classifier, a.cfg.DualAgent.DefaultTask)

	a.manager = sessions.NewManager(sessions.Options{
		DataDir:         a.dataDir,
		MaxConcurrent:   a.cfg.Sessions.MaxConcurrent,
		CleanupInterval: a.cfg.CleanupInterval(),
		MaxAge:          a.cfg.MaxSessionAge(),
		DualAgent:       a.cfg.DualAgent.Enabled,
	}, a.logger)
	if a.index != nil {
		a.manager.SetIndex(a.index)
	}
	if a.cfg.Controller.Enabled {
		a.manager.SetControllerFactory(sessions.PTYControllerFactory(a.cfg.Controller.Cmd, a.logger))
	}
	a.manager.Start(ctx)
	// closers run in reverse, so the manager stops before the index closes
	a.closers = append(a.closers, a.manager.Shutdown)

	if a.cfg.Monitor.Enabled {
		a.hub = monitor.NewHub(monitor.DefaultSubscriberBuffer, a.logger)
		a.manager.SetPublisher(a.hub)
		a.monitor = monitor.NewServer(a.cfg.Monitor.Addr, a.manager, a.hub, a.logger)
		if err := a.monitor.Start(); err != nil {
			a.logger.Warn("monitor unavailable", "error", err)
			a.monitor = nil
		} else {
			srv := a.monitor
			a.closers = append(a.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("monitor shutdown failed", "error", err)
				}
			})
		}
	}
	return nil
}

// classifier returns the Lua classifier when a script is configured
func (a *app) classifier() (classify.Classifier, error) {
	if a.cfg.Classifier.Script == "" {
		return classify.NewPhraseClassifier(), nil
	}
	lc, err := classify.NewLuaClassifierFromFile(a.cfg.Classifier.Script, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier script: %w", err)
	}
	a.closers = append(a.closers, lc.Close)
	return lc, nil
}

// close releases everything opened, most recent first
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadConfig loads an explicit config file, else the nearest one up the
// directory tree, else the defaults. No file is written.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}
	if found, ok := config.FindInTree(cwd); ok {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, found, nil
	}

	return config.GenerateDefault(), "", nil
}

// newLogger writes text to terminals and JSON everywhere else
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isTerminalWriter(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(input string) (slog.Level, string, error) {
	level := strings.ToLower(strings.TrimSpace(input))
	switch level {
	case "", "info":
		return slog.LevelInfo, "info", nil
	case "debug":
		return slog.LevelDebug, "debug", nil
	case "warn", "warning":
		return slog.LevelWarn, "warn", nil
	case "error", "err":
		return slog.LevelError, "error", nil
	default:
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
}

type fdWriter interface {
	Fd() uintptr
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(fdWriter)
	return ok && isatty.IsTerminal(f.Fd())
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(fdWriter)
	return ok && isatty.IsTerminal(f.Fd())
}
