// Package classify labels assistant output text. The analyzer depends only
// on the Classifier interface, so the fixed phrase vocabulary can be swapped
// for a scripted (or scored) strategy without touching the loop.
package classify

import "slices"

// Label is a fact a classifier detected in a piece of text
type Label string

const (
	// LabelFailure marks failure phrasing ("error:", "failed", ...).
	LabelFailure Label = "failure"
	// LabelCompletion marks single-agent completion phrasing ("all tests pass", ...).
	LabelCompletion Label = "completion"
	// LabelHandoffTrigger marks manager phrasing that hands work to the worker.
	LabelHandoffTrigger Label = "handoff_trigger"
	// LabelAnalysisComplete marks manager phrasing that the analysis is finished.
	LabelAnalysisComplete Label = "analysis_complete"
	// LabelWorkerSuccess marks worker phrasing that something succeeded.
	LabelWorkerSuccess Label = "worker_success"
	// LabelTaskComplete marks worker phrasing that its work item is done.
	LabelTaskComplete Label = "task_complete"
	// LabelWorkerHelp marks worker phrasing asking for guidance.
	LabelWorkerHelp Label = "worker_help"
)

// MaxBreakdownItems caps how many task breakdown entries are retained
const MaxBreakdownItems = 10

// MinBreakdownLength discards shorter breakdown lines as noise
const MinBreakdownLength = 10

// Classification is the result of classifying one text
type Classification struct {
	Labels    []Label  `json:"labels"`
	Breakdown []string `json:"breakdown,omitempty"`
}

// Has reports whether label was detected
func (c Classification) Has(label Label) bool {
	return slices.Contains(c.Labels, label)
}

// Classifier labels text and extracts an ordered task breakdown.
// Implementations must be deterministic and safe for concurrent use.
type Classifier interface {
	Classify(text string) Classification
}

func (c *Classification) add(label Label) {
	if !c.Has(label) {
		c.Labels = append(c.Labels, label)
	}
}
