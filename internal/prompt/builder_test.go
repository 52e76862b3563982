package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
)

func TestBuildNextPromptSelectsMode(t *testing.T) {
	out := protocol.ParsedOutput{Result: "TypeError: x is not a function"}

	errPrompt := BuildNextPrompt(out, nil, protocol.AnalysisResult{HasError: true})
	assert.Contains(t, errPrompt, "TypeError: x is not a function")

	contPrompt := BuildNextPrompt(protocol.ParsedOutput{Result: "working"}, nil, protocol.AnalysisResult{NeedsMoreWork: true})
	assert.True(t, strings.HasPrefix(contPrompt, "Continue working on the task."))

	refPrompt := BuildNextPrompt(protocol.ParsedOutput{Result: "done"}, nil, protocol.AnalysisResult{IsComplete: true, Suggestions: []string{"A", "B", "C"}})
	assert.Contains(t, refPrompt, "- A")
	assert.Contains(t, refPrompt, "- B")
	assert.NotContains(t, refPrompt, "- C")
}

func TestErrorRecoveryCapsAndDedupes(t *testing.T) {
	text := strings.Join([]string{
		"TypeError: a is undefined",
		"TypeError: a is undefined",
		"TypeError: b is undefined",
		"TypeError: c is undefined",
		"TypeError: d is undefined",
		"SyntaxError: unexpected token",
		"Build failed with 2 errors",
	}, "\n")

	got := ErrorRecovery(text)

	assert.Equal(t, 1, strings.Count(got, "TypeError: a is undefined"))
	assert.Contains(t, got, "TypeError: c is undefined")
	assert.NotContains(t, got, "TypeError: d is undefined")
	assert.Contains(t, got, "Syntax errors:\n- SyntaxError: unexpected token")
	assert.Contains(t, got, "Other errors:\n- Build failed with 2 errors")
	assert.NotContains(t, got, "Reference errors")
}

func TestErrorRecoveryGeneric(t *testing.T) {
	got := ErrorRecovery("the process exited unexpectedly")
	assert.Contains(t, got, "Diagnose the root cause")
}

func TestErrorRecoveryUsesStructuredError(t *testing.T) {
	out := protocol.ParsedOutput{Result: "some output", Error: "Error: rate limited"}
	got := BuildNextPrompt(out, nil, protocol.AnalysisResult{HasError: true})
	assert.Contains(t, got, "Error: rate limited")
}

func TestAdapterFailure(t *testing.T) {
	got := AdapterFailure(errors.New("claude timed out after 30m0s"))
	assert.Contains(t, got, "claude timed out after 30m0s")
}

func TestContinuationSummaryAndSteps(t *testing.T) {
	last := protocol.ParsedOutput{
		Result:   "Added a TODO for the retry logic; still need to implement the cache and run the tests",
		Files:    []string{"src/a.ts", "src/b.ts"},
		Commands: []string{"npm install"},
		Tools:    []string{"Edit", "Bash", "Read"},
	}
	history := []runstate.Iteration{{Sequence: 1, Output: last}}

	got := Continuation(last, history)

	assert.Contains(t, got, "Progress so far: 2 files modified, 1 command executed, 3 tools used.")
	assert.Contains(t, got, "1. Complete the remaining TODO items")
	assert.Contains(t, got, "2. Run the tests and fix any failures")
	assert.Contains(t, got, "3. Complete the implementation")
	assert.NotContains(t, got, "4.")
	assert.Contains(t, got, "Recently modified files: src/b.ts, src/a.ts")
}

func TestContinuationLintStep(t *testing.T) {
	last := protocol.ParsedOutput{Result: "Updated the component", Files: []string{"app.js"}}

	steps := nextSteps(last, []runstate.Iteration{{Output: last}})
	assert.Equal(t, []string{"Run linting and build checks"}, steps)

	checked := []runstate.Iteration{
		{Output: protocol.ParsedOutput{Commands: []string{"npm run lint"}}},
		{Output: last},
	}
	steps = nextSteps(last, checked)
	assert.NotContains(t, steps, "Run linting and build checks")

	stale := []runstate.Iteration{
		{Output: protocol.ParsedOutput{Commands: []string{"npm run build"}}},
		{Output: protocol.ParsedOutput{}},
		{Output: last},
	}
	steps = nextSteps(last, stale)
	assert.Contains(t, steps, "Run linting and build checks")
}

func TestContinuationConfirmedMentionsAreSkipped(t *testing.T) {
	steps := nextSteps(protocol.ParsedOutput{Result: "Implemented the parser and the tests pass"}, nil)

	assert.NotContains(t, steps, "Run the tests and fix any failures")
	assert.NotContains(t, steps, "Complete the implementation")
}

func TestContinuationDefaults(t *testing.T) {
	steps := nextSteps(protocol.ParsedOutput{Result: "Refactored the module"}, nil)
	assert.Equal(t, []string{"Update the documentation for the changes made", "Add tests covering the new behavior"}, steps)

	history := []runstate.Iteration{{Prompt: "write docs", Output: protocol.ParsedOutput{Result: "added unit test"}}}
	steps = nextSteps(protocol.ParsedOutput{Result: "Refactored the module"}, history)
	assert.Equal(t, []string{"Continue with the next part of the task"}, steps)
}

func TestContinuationWarningStep(t *testing.T) {
	steps := nextSteps(protocol.ParsedOutput{Result: "Compiled with 3 warnings"}, nil)
	assert.Equal(t, []string{"Resolve the reported errors and warnings"}, steps)
}

func TestContinuationWithoutProgressOmitsSummary(t *testing.T) {
	got := Continuation(protocol.ParsedOutput{Result: "thinking"}, nil)
	assert.NotContains(t, got, "Progress so far")
	assert.NotContains(t, got, "Recently modified files")
}

func TestRecentFilesWalksHistory(t *testing.T) {
	history := []runstate.Iteration{
		{Output: protocol.ParsedOutput{Files: []string{"old.go", "older.go"}}},
		{Output: protocol.ParsedOutput{Files: []string{"mid.go"}}},
	}
	last := protocol.ParsedOutput{Files: []string{"new.go"}}

	assert.Equal(t, []string{"new.go", "mid.go", "older.go"}, recentFiles(last, history))
}

func TestRefinementWithoutSuggestions(t *testing.T) {
	got := Refinement(protocol.AnalysisResult{IsComplete: true})
	assert.Contains(t, got, "confirm nothing is left unfinished")
}

func TestBuildNextPromptIsPure(t *testing.T) {
	last := protocol.ParsedOutput{Result: "TODO: wire config", Files: []string{"x.ts"}}
	history := []runstate.Iteration{{Output: last}}
	analysis := protocol.AnalysisResult{NeedsMoreWork: true}

	assert.Equal(t, BuildNextPrompt(last, history, analysis), BuildNextPrompt(last, history, analysis))
}

func TestRolePrompts(t *testing.T) {
	assert.Contains(t, ManagerPrompt("build login"), "Task: build login")
	assert.Contains(t, WorkerPrompt("build login", "Add auth", 1, 2), "Work item 1 of 2: Add auth")

	esc := EscalationPrompt("build login", "Add auth", protocol.ParsedOutput{Result: "stuck", Error: "Error: no jwt lib"})
	assert.Contains(t, esc, "Error: no jwt lib")

	review := ReviewPrompt("build login", []string{"Add auth", "Add tests"})
	assert.Contains(t, review, "1. Add auth\n2. Add tests")

	assert.NotContains(t, ResumePrompt("build login", ""), "Additional instructions")
	assert.Contains(t, ResumePrompt("build login", "use bcrypt"), "Additional instructions: use bcrypt")
}
