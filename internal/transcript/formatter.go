package transcript

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/eventlog"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

const maxSnippetRunes = 60

// Formatter formats session progress for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatIteration formats one iteration for console display
func (f *Formatter) FormatIteration(it runstate.Iteration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] #%d exit=%d %s", it.Role, it.Sequence, it.ExitCode, f.formatDuration(it.Duration()))

	if n := len(it.Output.Files); n > 0 {
		fmt.Fprintf(&b, " files=%d", n)
	}
	if n := len(it.Output.Commands); n > 0 {
		fmt.Fprintf(&b, " cmds=%d", n)
	}
	if it.Output.NeedsHandoff {
		fmt.Fprintf(&b, " handoff=%s", it.Output.HandoffReason)
	}

	switch {
	case it.Error != "":
		fmt.Fprintf(&b, " error: %s", snippet(it.Error))
	case it.Output.Result != "":
		fmt.Fprintf(&b, " %q", snippet(it.Output.Result))
	}
	return b.String()
}

// FormatHandoff formats a role change in dual-agent mode
func (f *Formatter) FormatHandoff(h eventlog.Handoff) string {
	line := fmt.Sprintf("[handoff] %s -> %s", h.From, h.To)
	if h.Reason != "" {
		line += fmt.Sprintf(" (%s)", h.Reason)
	}
	if n := len(h.Items); n > 0 {
		line += fmt.Sprintf(" items=%d", n)
	}
	return line
}

// FormatOutcome formats the final state of a session
func (f *Formatter) FormatOutcome(s *runstate.Session) string {
	line := fmt.Sprintf("[session] %s %s after %d iterations", s.ID, s.Status, len(s.Iterations))
	if s.StopReason != "" {
		line += fmt.Sprintf(" (%s)", s.StopReason)
	}
	if s.TotalCostUSD > 0 {
		line += fmt.Sprintf(" cost=$%.4f", s.TotalCostUSD)
	}
	if s.Status == runstate.StatusFailed && s.LastError != "" {
		line += fmt.Sprintf(": %s", snippet(s.LastError))
	}
	return line
}

// formatDuration formats a duration in a short human-readable form
func (f *Formatter) formatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// snippet returns the first line of s, truncated
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if utf8.RuneCountInString(s) <= maxSnippetRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxSnippetRunes]) + "…"
}
