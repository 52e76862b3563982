package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	labelStyle  = lipgloss.NewStyle().Bold(true)

	statusStyles = map[runstate.Status]lipgloss.Style{
		runstate.StatusRunning:        lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		runstate.StatusCompleted:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		runstate.StatusFailed:         lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		runstate.StatusPaused:         lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		runstate.StatusIterationLimit: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
)

func formatStatus(s runstate.Status) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// printTable writes aligned columns. Widths ignore ANSI styling.
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  (none)"))
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		var b strings.Builder
		b.WriteString("  ")
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		return b.String()
	}

	fmt.Fprintln(w, line(headers, &headerStyle))
	for _, row := range rows {
		fmt.Fprintln(w, line(row, nil))
	}
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
