package monitor

import (
	"context"
	"encoding/base64"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/sessions"
)

const writeTimeout = 15 * time.Second

// Terminal is implemented by controllers that expose their pty
type Terminal interface {
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Subscribe() (<-chan []byte, func())
	Tail() []byte
	Done() <-chan struct{}
	ExitCode() int
}

// Envelope wraps every message on the events socket
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Event socket message types
const (
	MsgSnapshot = "snapshot"
	MsgEvent    = "event"
)

// TerminalMessage is one frame on the terminal socket. Data is base64.
type TerminalMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Code int    `json:"code,omitempty"`
}

// Terminal socket message types
const (
	TermInput  = "input"
	TermResize = "resize"
	TermOutput = "output"
	TermExit   = "exit"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// the socket is write-only; CloseRead notices the client going away
	ctx := ws.CloseRead(r.Context())

	states := s.sessions.ListActiveSessions()
	if states == nil {
		states = []sessions.State{}
	}
	if err := writeWithTimeout(ctx, ws, Envelope{Type: MsgSnapshot, Data: states}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "monitor shutting down")
				return
			}
			if err := writeWithTimeout(ctx, ws, Envelope{Type: MsgEvent, Data: e}); err != nil {
				s.logger.Debug("event subscriber disconnected", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	controller, ok := s.sessions.Controller(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no terminal for session")
		return
	}
	term, ok := controller.(Terminal)
	if !ok {
		writeError(w, http.StatusNotImplemented, "session controller has no terminal")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(msg TerminalMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeWithTimeout(ctx, ws, msg)
	}

	output, unsubscribe := term.Subscribe()
	defer unsubscribe()

	if tail := term.Tail(); len(tail) > 0 {
		if err := send(TerminalMessage{Type: TermOutput, Data: base64.StdEncoding.EncodeToString(tail)}); err != nil {
			return
		}
	}

	go func() {
		defer cancel()
		for chunk := range output {
			if err := send(TerminalMessage{Type: TermOutput, Data: base64.StdEncoding.EncodeToString(chunk)}); err != nil {
				return
			}
		}
		select {
		case <-term.Done():
			_ = send(TerminalMessage{Type: TermExit, Code: term.ExitCode()})
			ws.Close(websocket.StatusNormalClosure, "process exited")
		default:
		}
	}()

	// closing the socket leaves the process running; the session owns it
	for {
		var msg TerminalMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return
		}

		switch msg.Type {
		case TermInput:
			decoded, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil || len(decoded) == 0 {
				continue
			}
			if _, err := term.Write(decoded); err != nil {
				s.logger.Debug("terminal write failed", "session_id", id, "error", err)
				return
			}
		case TermResize:
			if msg.Cols <= 0 || msg.Rows <= 0 {
				continue
			}
			if err := term.Resize(clampToUint16(msg.Rows), clampToUint16(msg.Cols)); err != nil {
				s.logger.Debug("terminal resize failed", "session_id", id, "error", err)
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, ws *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, ws, v)
}

func clampToUint16(value int) uint16 {
	if value < 1 {
		return 1
	}
	if value > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(value)
}
