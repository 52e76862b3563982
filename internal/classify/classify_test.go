package classify

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPhraseClassifierLabels(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    []Label
		notWant []Label
	}{
		{
			name: "completion",
			text: "Fixed the bug successfully, all tests pass",
			want: []Label{LabelCompletion, LabelWorkerSuccess},
			notWant: []Label{LabelFailure},
		},
		{
			name:    "failure",
			text:    "Error: cannot find module 'foo'",
			want:    []Label{LabelFailure},
			notWant: []Label{LabelCompletion},
		},
		{
			name: "case-insensitive failure",
			text: "The build FAILED on step 3",
			want: []Label{LabelFailure},
		},
		{
			name: "manager handoff",
			text: "Analysis complete, ready to implement.",
			want: []Label{LabelHandoffTrigger, LabelAnalysisComplete},
		},
		{
			name:    "tasks identified",
			text:    "I have three tasks identified for the worker",
			want:    []Label{LabelHandoffTrigger},
			notWant: []Label{LabelAnalysisComplete},
		},
		{
			name: "worker task complete",
			text: "The task is complete and the build passes",
			want: []Label{LabelTaskComplete, LabelWorkerSuccess},
		},
		{
			name: "worker asks for help",
			text: "I'm stuck: unable to continue without the API key",
			want: []Label{LabelWorkerHelp},
		},
		{
			name:    "neutral",
			text:    "Looked at the repository layout and read the README.",
			notWant: []Label{LabelFailure, LabelCompletion, LabelHandoffTrigger, LabelAnalysisComplete, LabelTaskComplete, LabelWorkerHelp},
		},
	}

	c := NewPhraseClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.text)
			for _, l := range tt.want {
				assert.True(t, got.Has(l), "expected label %s in %v", l, got.Labels)
			}
			for _, l := range tt.notWant {
				assert.False(t, got.Has(l), "unexpected label %s in %v", l, got.Labels)
			}
		})
	}
}

func TestExtractBreakdown(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "numbered list",
			text: "1. Add auth\n2. Add tests\nAnalysis complete, ready to implement.",
			want: []string{"Add auth", "Add tests"},
		},
		{
			name: "bullets and parens",
			text: "- Create the user model\n* Wire the login route\n3) Document the endpoints",
			want: []string{"Create the user model", "Wire the login route", "Document the endpoints"},
		},
		{
			name: "labeled lines",
			text: "Work Item 1: Build the parser\nTask: Write parser tests\nTask #3 - Update docs please",
			want: []string{"Build the parser", "Write parser tests", "Update docs please"},
		},
		{
			name: "short lines are noise",
			text: "1. Fix\n- ok\n2. Refactor the scheduler loop",
			want: []string{"Refactor the scheduler loop"},
		},
		{
			name: "plain prose",
			text: "Nothing to enumerate here.\nJust sentences.",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractBreakdown(tt.text))
		})
	}
}

func TestExtractBreakdownCapsItems(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 15; i++ {
		fmt.Fprintf(&b, "%d. Implement component number %d\n", i, i)
	}

	items := ExtractBreakdown(b.String())

	require.Len(t, items, MaxBreakdownItems)
	assert.Equal(t, "Implement component number 1", items[0])
	assert.Equal(t, "Implement component number 10", items[9])
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := NewPhraseClassifier()
	text := "1. Add auth module\nError: failed\nAnalysis complete"
	assert.Equal(t, c.Classify(text), c.Classify(text))
}

const testScript = `
function classify(text)
  local labels = {}
  if string.find(text, "SHIP IT", 1, true) then
    table.insert(labels, "completion")
  end
  if string.find(text, "BROKEN", 1, true) then
    table.insert(labels, "failure")
  end
  local breakdown = {}
  for item in string.gmatch(text, "TODO%(([^)]+)%)") do
    table.insert(breakdown, item)
  end
  return { labels = labels, breakdown = breakdown }
end
`

func TestLuaClassifier(t *testing.T) {
	c, err := NewLuaClassifier(testScript, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	got := c.Classify("SHIP IT TODO(write docs) TODO(add tests)")

	assert.True(t, got.Has(LabelCompletion))
	assert.False(t, got.Has(LabelFailure))
	assert.Equal(t, []string{"write docs", "add tests"}, got.Breakdown)
}

func TestLuaClassifierFallsBackOnRuntimeError(t *testing.T) {
	c, err := NewLuaClassifier(`function classify(text) error("boom") end`, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	got := c.Classify("Error: cannot find module 'foo'")

	assert.True(t, got.Has(LabelFailure), "phrase vocabulary should have been used")
}

func TestLuaClassifierFallsBackOnWrongReturnType(t *testing.T) {
	c, err := NewLuaClassifier(`function classify(text) return 42 end`, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	got := c.Classify("all tests pass")
	assert.True(t, got.Has(LabelCompletion))
}

func TestLuaClassifierSandbox(t *testing.T) {
	_, err := NewLuaClassifier(`os.execute("true")`, discardLogger())
	assert.Error(t, err, "os library must not be available")

	_, err = NewLuaClassifier(`x = 1`, discardLogger())
	assert.ErrorContains(t, err, "classify")
}

func TestLuaClassifierFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classify.lua")
	require.NoError(t, os.WriteFile(path, []byte(testScript), 0600))

	c, err := NewLuaClassifierFromFile(path, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Classify("BROKEN").Has(LabelFailure))

	_, err = NewLuaClassifierFromFile(filepath.Join(t.TempDir(), "missing.lua"), discardLogger())
	assert.Error(t, err)
}

func TestLuaClassifierConcurrentUse(t *testing.T) {
	c, err := NewLuaClassifier(testScript, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Classify("SHIP IT").Has(LabelCompletion) {
				t.Error("missing completion label")
			}
		}()
	}
	wg.Wait()
}
