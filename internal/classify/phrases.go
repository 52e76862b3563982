package classify

import (
	"regexp"
	"strings"
)

// FailurePhrases are matched as case-insensitive substrings
var FailurePhrases = []string{
	"error:",
	"failed",
	"exception",
	"cannot find",
	"undefined",
	"not found",
}

// CompletionPhrases are matched as case-insensitive substrings
var CompletionPhrases = []string{
	"task completed",
	"successfully implemented",
	"all tests pass",
	"build successful",
	"deployment complete",
	"feature implemented",
	"bug fixed",
}

var (
	handoffTriggers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:work items?|tasks?|subtasks?)\s+(?:have\s+been\s+|are\s+|were\s+)?identified`),
		regexp.MustCompile(`(?i)\banalysis\s+(?:is\s+)?complete\b`),
		regexp.MustCompile(`(?i)\bready\s+(?:to|for)\s+(?:implement|implementation|begin|start|execution)`),
		regexp.MustCompile(`(?i)\bworker\s+(?:should|needs\s+to|can\s+now)\b`),
		regexp.MustCompile(`(?i)\bhand(?:ing)?\s+off\s+to\s+(?:the\s+)?worker`),
	}

	analysisComplete = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\banalysis\s+(?:is\s+)?(?:complete|completed|done|finished)\b`),
		regexp.MustCompile(`(?i)\b(?:planning|breakdown)\s+(?:is\s+)?(?:complete|completed|done|finished)\b`),
	}

	workerSuccess = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsuccessfully\b`),
		regexp.MustCompile(`(?i)\ball\s+tests\s+pass`),
		regexp.MustCompile(`(?i)\bbuild\s+(?:succeeded|successful|passes)\b`),
		regexp.MustCompile(`(?i)\b(?:completed|implemented|fixed)\b`),
	}

	taskComplete = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:task|work\s+item|item)\s+(?:is\s+|has\s+been\s+)?(?:complete|completed|done|finished)\b`),
		regexp.MustCompile(`(?i)\bimplementation\s+(?:is\s+)?(?:complete|completed|done|finished)\b`),
		regexp.MustCompile(`(?i)\bfinished\s+implementing\b`),
	}

	workerHelp = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:need|needs|requesting)\s+(?:help|guidance|clarification)\b`),
		regexp.MustCompile(`(?i)\b(?:i\s+am|i'm)\s+(?:stuck|blocked)\b`),
		regexp.MustCompile(`(?i)\bcannot\s+proceed\b`),
		regexp.MustCompile(`(?i)\bunable\s+to\s+(?:continue|proceed|complete)\b`),
	}

	numberedItem = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	bulletItem   = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
	labeledItem  = regexp.MustCompile(`(?i)^\s*(?:work\s+item|task)\s*#?\d*\s*[:.)-]\s*(.+)$`)
)

// PhraseClassifier matches the fixed phrase vocabulary
type PhraseClassifier struct{}

// NewPhraseClassifier returns the default classifier
func NewPhraseClassifier() *PhraseClassifier {
	return &PhraseClassifier{}
}

// Classify implements Classifier
func (PhraseClassifier) Classify(text string) Classification {
	var c Classification
	lower := strings.ToLower(text)

	if containsAny(lower, FailurePhrases) {
		c.add(LabelFailure)
	}
	if containsAny(lower, CompletionPhrases) {
		c.add(LabelCompletion)
	}
	if matchesAny(text, handoffTriggers) {
		c.add(LabelHandoffTrigger)
	}
	if matchesAny(text, analysisComplete) {
		c.add(LabelAnalysisComplete)
	}
	if matchesAny(text, workerSuccess) {
		c.add(LabelWorkerSuccess)
	}
	if matchesAny(text, taskComplete) {
		c.add(LabelTaskComplete)
	}
	if matchesAny(text, workerHelp) {
		c.add(LabelWorkerHelp)
	}

	c.Breakdown = ExtractBreakdown(text)
	return c
}

// ExtractBreakdown collects numbered, bulleted and "Task:"/"Work Item:"
// lines in source order. Lines shorter than MinBreakdownLength (marker
// included) are skipped and at most MaxBreakdownItems are kept.
func ExtractBreakdown(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < MinBreakdownLength {
			continue
		}

		var item string
		switch {
		case labeledItem.MatchString(line):
			item = labeledItem.FindStringSubmatch(line)[1]
		case numberedItem.MatchString(line):
			item = numberedItem.FindStringSubmatch(line)[1]
		case bulletItem.MatchString(line):
			item = bulletItem.FindStringSubmatch(line)[1]
		default:
			continue
		}

		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		items = append(items, item)
		if len(items) == MaxBreakdownItems {
			break
		}
	}
	return items
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
