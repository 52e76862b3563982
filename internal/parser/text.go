package parser

import (
	"regexp"
	"strings"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

var (
	sessionIDPattern = regexp.MustCompile(`(?i)session[ _-]?id:\s*([A-Za-z0-9._-]+)`)
	filePattern      = regexp.MustCompile("(?i)\\b(?:created|modified|updated|edited|wrote|writing|deleted)\\b[^\"'`]*[\"'`]([^\"'`]+)[\"'`]")
	toolPattern      = regexp.MustCompile(`(?i)using tool:\s*([A-Za-z0-9_.:-]+)`)
)

// parseText is the line-scanning fallback. Result always carries the full
// raw text.
func parseText(raw string) protocol.ParsedOutput {
	out := protocol.ParsedOutput{Result: raw}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")

		if out.SessionID == "" {
			if m := sessionIDPattern.FindStringSubmatch(line); m != nil {
				out.SessionID = m[1]
			}
		}

		// case-sensitive on the literal token; the first one wins
		if out.Error == "" && (strings.Contains(line, "Error:") || strings.Contains(line, "ERROR:")) {
			out.Error = strings.TrimSpace(line)
		}

		if m := filePattern.FindStringSubmatch(line); m != nil {
			out.Files = append(out.Files, m[1])
		}

		if cmd, ok := shellCommand(line); ok {
			out.Commands = append(out.Commands, cmd)
		}

		if m := toolPattern.FindStringSubmatch(line); m != nil {
			out.Tools = append(out.Tools, m[1])
		}
	}

	out.Files = dedupe(out.Files)
	out.Commands = dedupe(out.Commands)
	out.Tools = dedupe(out.Tools)
	return out
}

func shellCommand(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	for _, marker := range []string{"$", ">"} {
		if !strings.HasPrefix(trimmed, marker) {
			continue
		}
		cmd := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
		if cmd == "" {
			return "", false
		}
		return cmd, true
	}
	return "", false
}
