package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/sessions"
)

// Sessions is the read-only view of the session manager the dashboard needs
type Sessions interface {
	ListActiveSessions() []sessions.State
	Get(id string) (*runstate.Session, error)
	Controller(id string) (sessions.Controller, bool)
	ForceKillSession(id string) error
}

// Server is the dashboard HTTP server
type Server struct {
	addr     string
	sessions Sessions
	hub      *Hub
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a dashboard server on addr. Start must be called to
// begin serving.
func NewServer(addr string, src Sessions, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		sessions: src,
		hub:      hub,
		logger:   logger,
	}
}

// Handler returns the dashboard routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recovery(s.logger))

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Post("/{id}/kill", s.handleKillSession)
		})
	})

	// websocket routes need the unwrapped writer for the upgrade
	r.Get("/ws/events", s.handleEvents)
	r.Get("/ws/sessions/{id}/terminal", s.handleTerminal)

	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("monitor already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("monitor stopped with error", "error", err)
		}
	}()

	s.logger.Info("monitor listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started, else the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server and ends every event subscription
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	states := s.sessions.ListActiveSessions()
	if states == nil {
		states = []sessions.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := s.sessions.Get(id)
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sessions.ForceKillSession(id)
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("session killed from monitor", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "killed"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
