package parser

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/ndjson"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type streamEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *streamMessage `json:"message,omitempty"`

	Result       *string  `json:"result,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type toolInput struct {
	Command      string `json:"command"`
	FilePath     string `json:"file_path"`
	Path         string `json:"path"`
	NotebookPath string `json:"notebook_path"`
}

// fileTools write to the paths they are given; read-only tools are ignored
var fileTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

type streamState struct {
	out       protocol.ParsedOutput
	texts     []string
	sawResult bool
	events    int
}

func (s *streamState) add(ev streamEvent) {
	s.events++
	if ev.SessionID != "" {
		s.out.SessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) != "" {
					s.texts = append(s.texts, block.Text)
				}
			case "tool_use":
				s.addToolUse(block)
			}
		}
	case "result":
		s.sawResult = true
		if ev.Result != nil {
			s.out.Result = *ev.Result
		}
		if ev.TotalCostUSD != nil {
			cost := *ev.TotalCostUSD
			s.out.CostUSD = &cost
		}
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			s.out.Error = firstNonEmpty(s.out.Result, ev.Subtype)
		}
	}
}

func (s *streamState) addToolUse(block contentBlock) {
	if block.Name == "" {
		return
	}
	s.out.Tools = append(s.out.Tools, block.Name)

	var in toolInput
	if len(block.Input) == 0 || json.Unmarshal(block.Input, &in) != nil {
		return
	}
	if block.Name == "Bash" && in.Command != "" {
		s.out.Commands = append(s.out.Commands, in.Command)
	}
	if fileTools[block.Name] {
		if p := firstNonEmpty(in.FilePath, in.NotebookPath, in.Path); p != "" {
			s.out.Files = append(s.out.Files, p)
		}
	}
}

func (s *streamState) finish() (protocol.ParsedOutput, bool) {
	if s.events == 0 {
		return protocol.ParsedOutput{}, false
	}
	if !s.sawResult || s.out.Result == "" {
		s.out.Result = strings.Join(s.texts, "\n")
	}
	s.out.Files = dedupe(s.out.Files)
	s.out.Commands = dedupe(s.out.Commands)
	s.out.Tools = dedupe(s.out.Tools)
	return s.out, true
}

// parseStream decodes NDJSON stream-json output. Any undecodable line
// abandons structured parsing so the caller can fall back to text.
func parseStream(text string) (protocol.ParsedOutput, bool) {
	decoder := ndjson.NewDecoder(strings.NewReader(text), discard)
	var state streamState
	for {
		env, err := decoder.DecodeEnvelope(eventTypeKey)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return protocol.ParsedOutput{}, false
		}
		var ev streamEvent
		if err := env.Into(&ev); err != nil {
			return protocol.ParsedOutput{}, false
		}
		state.add(ev)
	}
	return state.finish()
}

// parseEvents handles the JSON array form emitted by --output-format json --verbose
func parseEvents(events []json.RawMessage) (protocol.ParsedOutput, bool) {
	var state streamState
	for _, raw := range events {
		var ev streamEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
			return protocol.ParsedOutput{}, false
		}
		state.add(ev)
	}
	return state.finish()
}
