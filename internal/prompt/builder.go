// Package prompt synthesizes the next prompt for the orchestration loop.
// Every function here is a pure function of its inputs.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

const (
	maxErrorsPerClass  = 3
	maxNextSteps       = 3
	maxRecentFiles     = 3
	maxRefinements     = 2
	recentHistoryDepth = 2
)

type errorClass struct {
	name    string
	pattern *regexp.Regexp
	// lines matching exclude belong to a more specific class
	exclude *regexp.Regexp
}

var specificError = regexp.MustCompile(`(?:Type|Syntax|Reference)Error:`)

var errorClasses = []errorClass{
	{name: "Type errors", pattern: regexp.MustCompile(`TypeError:[^\n]*`)},
	{name: "Syntax errors", pattern: regexp.MustCompile(`SyntaxError:[^\n]*`)},
	{name: "Reference errors", pattern: regexp.MustCompile(`ReferenceError:[^\n]*`)},
	{name: "Other errors", pattern: regexp.MustCompile(`(?im)^[^\n]*(?:error:|failed|cannot)[^\n]*$`), exclude: specificError},
}

// BuildNextPrompt picks the error-recovery, continuation or refinement
// prompt for the iteration that produced last. history holds every iteration
// recorded so far, oldest first.
func BuildNextPrompt(last protocol.ParsedOutput, history []runstate.Iteration, analysis protocol.AnalysisResult) string {
	switch {
	case analysis.HasError:
		return ErrorRecovery(errorText(last))
	case analysis.NeedsMoreWork:
		return Continuation(last, history)
	default:
		return Refinement(analysis)
	}
}

// ErrorRecovery lists up to three distinct matches per error class found in
// text, or asks for a general diagnosis when nothing is recognizable.
func ErrorRecovery(text string) string {
	seen := make(map[string]bool)
	var sections []string

	for _, class := range errorClasses {
		var found []string
		for _, m := range class.pattern.FindAllString(text, -1) {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] {
				continue
			}
			if class.exclude != nil && class.exclude.MatchString(m) {
				continue
			}
			seen[m] = true
			found = append(found, m)
			if len(found) == maxErrorsPerClass {
				break
			}
		}
		if len(found) == 0 {
			continue
		}
		var b strings.Builder
		b.WriteString(class.name + ":\n")
		for _, f := range found {
			b.WriteString("- " + f + "\n")
		}
		sections = append(sections, b.String())
	}

	if len(sections) == 0 {
		return "The previous step did not succeed. Diagnose the root cause of the failure, fix it, and verify the fix by re-running the relevant build or tests."
	}

	var b strings.Builder
	b.WriteString("The previous step reported errors. Fix them before continuing.\n\n")
	b.WriteString(strings.Join(sections, "\n"))
	b.WriteString("\nAfter fixing, re-run the relevant build or tests to confirm the errors are resolved.")
	return b.String()
}

// AdapterFailure folds an execution failure into an error-recovery prompt
func AdapterFailure(err error) string {
	return fmt.Sprintf("The previous attempt could not be completed: %v\n\nCheck the state of the working directory, then retry the last step in smaller increments.", err)
}

// Continuation summarizes progress and proposes the next steps
func Continuation(last protocol.ParsedOutput, history []runstate.Iteration) string {
	var b strings.Builder
	b.WriteString("Continue working on the task.\n")

	if summary := progressSummary(last); summary != "" {
		b.WriteString("\n" + summary + "\n")
	}

	b.WriteString("\nNext steps:\n")
	for i, step := range nextSteps(last, history) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	if files := recentFiles(last, history); len(files) > 0 {
		b.WriteString("\nRecently modified files: " + strings.Join(files, ", ") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Refinement asks for up to two improvements from the analysis suggestions
func Refinement(analysis protocol.AnalysisResult) string {
	items := analysis.Suggestions
	if len(items) > maxRefinements {
		items = items[:maxRefinements]
	}
	if len(items) == 0 {
		return "The task looks complete. Review the changes once more and confirm nothing is left unfinished."
	}

	var b strings.Builder
	b.WriteString("The task looks complete. Consider these improvements:\n")
	for _, s := range items {
		b.WriteString("- " + s + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func errorText(out protocol.ParsedOutput) string {
	if out.Error == "" || strings.Contains(out.Result, out.Error) {
		return out.Result
	}
	return out.Error + "\n" + out.Result
}

func progressSummary(out protocol.ParsedOutput) string {
	var parts []string
	if n := len(out.Files); n > 0 {
		parts = append(parts, plural(n, "file", "files")+" modified")
	}
	if n := len(out.Commands); n > 0 {
		parts = append(parts, plural(n, "command", "commands")+" executed")
	}
	if n := len(out.Tools); n > 0 {
		parts = append(parts, plural(n, "tool", "tools")+" used")
	}
	if len(parts) == 0 {
		return ""
	}
	return "Progress so far: " + strings.Join(parts, ", ") + "."
}

func nextSteps(last protocol.ParsedOutput, history []runstate.Iteration) []string {
	lower := strings.ToLower(last.Result)
	var steps []string
	add := func(s string) bool {
		steps = append(steps, s)
		return len(steps) == maxNextSteps
	}

	triggers := []struct {
		hit  bool
		step string
	}{
		{strings.Contains(lower, "todo"), "Complete the remaining TODO items"},
		{mentionsUnconfirmed(lower, "test", "pass", "passing", "passed", "succeed"), "Run the tests and fix any failures"},
		{mentionsUnconfirmed(lower, "implement", "implemented", "implementation complete"), "Complete the implementation"},
		{touchesScripts(last.Files) && !recentlyChecked(history), "Run linting and build checks"},
		{strings.Contains(lower, "error") || strings.Contains(lower, "warning"), "Resolve the reported errors and warnings"},
	}
	for _, t := range triggers {
		if t.hit && add(t.step) {
			return steps
		}
	}
	if len(steps) > 0 {
		return steps
	}

	recent := strings.ToLower(recentText(history, recentHistoryDepth) + "\n" + last.Result)
	if !strings.Contains(recent, "doc") {
		steps = append(steps, "Update the documentation for the changes made")
	}
	if !strings.Contains(recent, "test") {
		steps = append(steps, "Add tests covering the new behavior")
	}
	if len(steps) == 0 {
		steps = append(steps, "Continue with the next part of the task")
	}
	return steps
}

func mentionsUnconfirmed(lower, word string, confirmations ...string) bool {
	if !strings.Contains(lower, word) {
		return false
	}
	for _, c := range confirmations {
		if strings.Contains(lower, c) {
			return false
		}
	}
	return true
}

func touchesScripts(files []string) bool {
	for _, f := range files {
		for _, ext := range []string{".ts", ".tsx", ".js", ".jsx"} {
			if strings.HasSuffix(f, ext) {
				return true
			}
		}
	}
	return false
}

func recentlyChecked(history []runstate.Iteration) bool {
	start := max(0, len(history)-recentHistoryDepth)
	for _, it := range history[start:] {
		for _, cmd := range it.Output.Commands {
			lower := strings.ToLower(cmd)
			if strings.Contains(lower, "lint") || strings.Contains(lower, "build") {
				return true
			}
		}
	}
	return false
}

func recentText(history []runstate.Iteration, depth int) string {
	start := max(0, len(history)-depth)
	var parts []string
	for _, it := range history[start:] {
		parts = append(parts, it.Prompt, it.Output.Result)
	}
	return strings.Join(parts, "\n")
}

func recentFiles(last protocol.ParsedOutput, history []runstate.Iteration) []string {
	seen := make(map[string]bool)
	var files []string
	collect := func(list []string) bool {
		for i := len(list) - 1; i >= 0; i-- {
			f := list[i]
			if seen[f] {
				continue
			}
			seen[f] = true
			files = append(files, f)
			if len(files) == maxRecentFiles {
				return true
			}
		}
		return false
	}

	if collect(last.Files) {
		return files
	}
	for i := len(history) - 1; i >= 0; i-- {
		if collect(history[i].Output.Files) {
			break
		}
	}
	return files
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
