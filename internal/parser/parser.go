// Package parser turns raw assistant output into a protocol.ParsedOutput.
//
// Three shapes are understood, tried in order: a single JSON record
// (--output-format json), a stream of JSON events (stream-json, either as
// NDJSON or as a JSON array), and free text. Parsing never fails; anything
// that does not decode as structured output is scanned line by line.
package parser

import (
	"encoding/json"
	"strings"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

// Aliases accepted for each structured field, canonical spelling first.
var (
	resultKeys   = []string{"result", "output", "text", "response"}
	sessionKeys  = []string{"session_id", "sessionId", "continuation_id"}
	costKeys     = []string{"total_cost_usd", "cost_usd", "cost"}
	errorKeys    = []string{"error", "error_message"}
	fileKeys     = []string{"files_modified", "filesModified", "files"}
	commandKeys  = []string{"commands_executed", "commandsExecuted", "commands"}
	toolKeys     = []string{"tools_used", "toolsUsed", "tools"}
	isErrorKey   = "is_error"
	eventTypeKey = "type"
)

// Parse converts one raw adapter output into a ParsedOutput
func Parse(raw string) protocol.ParsedOutput {
	trimmed := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(trimmed, "{"):
		var record map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &record); err == nil {
			if isStreamEvent(record) && !hasResultField(record) {
				if out, ok := parseStream(trimmed); ok {
					return out
				}
			}
			return fromRecord(record, trimmed)
		}
		if out, ok := parseStream(trimmed); ok {
			return out
		}
	case strings.HasPrefix(trimmed, "["):
		var events []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &events); err == nil {
			if out, ok := parseEvents(events); ok {
				return out
			}
		}
	}

	return parseText(raw)
}

func fromRecord(record map[string]json.RawMessage, raw string) protocol.ParsedOutput {
	out := protocol.ParsedOutput{}

	if s, ok := firstString(record, resultKeys); ok {
		out.Result = s
	} else {
		out.Result = raw
	}
	out.SessionID, _ = firstString(record, sessionKeys)
	out.CostUSD = firstNumber(record, costKeys)
	out.Error = firstError(record)
	if out.Error == "" && boolField(record, isErrorKey) {
		out.Error = firstNonEmpty(out.Result, "assistant reported an error")
	}
	out.Files = dedupe(firstStrings(record, fileKeys))
	out.Commands = dedupe(firstStrings(record, commandKeys))
	out.Tools = dedupe(firstStrings(record, toolKeys))
	return out
}

func isStreamEvent(record map[string]json.RawMessage) bool {
	var kind string
	if raw, ok := record[eventTypeKey]; ok && json.Unmarshal(raw, &kind) == nil {
		return kind == "system" || kind == "assistant" || kind == "user"
	}
	return false
}

func hasResultField(record map[string]json.RawMessage) bool {
	_, ok := firstString(record, resultKeys)
	return ok
}

func firstString(record map[string]json.RawMessage, keys []string) (string, bool) {
	for _, k := range keys {
		raw, ok := record[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

func firstNumber(record map[string]json.RawMessage, keys []string) *float64 {
	for _, k := range keys {
		raw, ok := record[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
	}
	return nil
}

func firstStrings(record map[string]json.RawMessage, keys []string) []string {
	for _, k := range keys {
		raw, ok := record[k]
		if !ok {
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list
		}
		// tool lists sometimes arrive as [{"name": "..."}]
		var named []struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &named); err == nil {
			for _, n := range named {
				list = append(list, n.Name)
			}
			return list
		}
	}
	return nil
}

func firstError(record map[string]json.RawMessage) string {
	for _, k := range errorKeys {
		raw, ok := record[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return ""
}

func boolField(record map[string]json.RawMessage, key string) bool {
	raw, ok := record[key]
	if !ok {
		return false
	}
	var b bool
	return json.Unmarshal(raw, &b) == nil && b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// dedupe drops blanks and repeats, keeping first-seen order
func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
