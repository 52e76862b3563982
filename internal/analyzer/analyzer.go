// Package analyzer decides whether an iteration finished the task, hit an
// error, or needs more work, and in dual-agent mode whether control should
// pass between the manager and the worker.
package analyzer

import (
	"strings"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/classify"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

// DefaultImplicitTask is queued for an implicit handoff that carried no breakdown
const DefaultImplicitTask = "Implement user request"

// Decision is the continue-vs-stop verdict for the loop
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionComplete
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionComplete:
		return "complete"
	case DecisionFail:
		return "fail"
	default:
		return "continue"
	}
}

type suggestion struct {
	keyword string
	text    string
}

// refinementChecklist is consulted in order; an entry applies only when its
// keyword is absent from the result text
var refinementChecklist = []suggestion{
	{"performance", "Review the implementation for performance improvements"},
	{"error handling", "Add comprehensive error handling for edge cases"},
	{"validation", "Add input validation where data enters the system"},
	{"test", "Increase test coverage for the new behavior"},
}

// Analyzer is stateless apart from its classifier and implicit-handoff policy
type Analyzer struct {
	classifier  classify.Classifier
	defaultTask string
}

// New creates an analyzer. A nil classifier selects the phrase vocabulary.
// defaultTask is substituted for an implicit handoff with no breakdown; an
// empty value disables implicit handoffs that have nothing to hand over.
func New(classifier classify.Classifier, defaultTask string) *Analyzer {
	if classifier == nil {
		classifier = classify.NewPhraseClassifier()
	}
	return &Analyzer{classifier: classifier, defaultTask: defaultTask}
}

// Analyze produces the completion/error verdict for one iteration
func (a *Analyzer) Analyze(out protocol.ParsedOutput, exitCode int) protocol.AnalysisResult {
	c := a.classifier.Classify(out.Result)

	result := protocol.AnalysisResult{
		HasError:   exitCode != 0 || out.Error != "" || c.Has(classify.LabelFailure),
		IsComplete: c.Has(classify.LabelCompletion),
	}
	result.NeedsMoreWork = !result.IsComplete && !result.HasError

	if result.IsComplete {
		result.Suggestions = refinementSuggestions(out.Result)
	}
	return result
}

// Decide applies the stop policy. Errors take precedence over completion.
func Decide(a protocol.AnalysisResult, continueOnError bool) Decision {
	switch {
	case a.HasError && !continueOnError:
		return DecisionFail
	case a.HasError:
		return DecisionContinue
	case a.IsComplete:
		return DecisionComplete
	default:
		return DecisionContinue
	}
}

// AnalyzeForRole classifies manager and worker output for handoff
func (a *Analyzer) AnalyzeForRole(out protocol.ParsedOutput, role protocol.Role) protocol.HandoffDecision {
	switch role {
	case protocol.RoleManager:
		return a.managerHandoff(out)
	case protocol.RoleWorker:
		return a.workerHandoff(out)
	default:
		return protocol.HandoffDecision{}
	}
}

func (a *Analyzer) managerHandoff(out protocol.ParsedOutput) protocol.HandoffDecision {
	c := a.classifier.Classify(out.Result)
	items := c.Breakdown

	if c.Has(classify.LabelHandoffTrigger) && len(items) > 0 {
		return protocol.HandoffDecision{
			NeedsHandoff:      true,
			Reason:            protocol.HandoffTaskAnalysisComplete,
			TaskBreakdown:     items,
			ReadyForExecution: true,
		}
	}

	if c.Has(classify.LabelAnalysisComplete) {
		if len(items) == 0 && a.defaultTask != "" {
			items = []string{a.defaultTask}
		}
		if len(items) == 0 {
			return protocol.HandoffDecision{}
		}
		return protocol.HandoffDecision{
			NeedsHandoff:      true,
			Reason:            protocol.HandoffAnalysisCompleteImplicit,
			TaskBreakdown:     items,
			ReadyForExecution: true,
		}
	}

	return protocol.HandoffDecision{}
}

func (a *Analyzer) workerHandoff(out protocol.ParsedOutput) protocol.HandoffDecision {
	c := a.classifier.Classify(out.Result)

	troubled := out.Error != "" || c.Has(classify.LabelFailure) || c.Has(classify.LabelWorkerHelp)
	succeeded := c.Has(classify.LabelWorkerSuccess) || c.Has(classify.LabelTaskComplete)

	switch {
	case troubled && !succeeded:
		return protocol.HandoffDecision{NeedsHandoff: true, Reason: protocol.HandoffWorkerNeedsHelp}
	case c.Has(classify.LabelTaskComplete):
		return protocol.HandoffDecision{NeedsHandoff: true, Reason: protocol.HandoffTaskCompleted}
	default:
		return protocol.HandoffDecision{}
	}
}

func refinementSuggestions(result string) []string {
	lower := strings.ToLower(result)
	var out []string
	for _, s := range refinementChecklist {
		if !strings.Contains(lower, s.keyword) {
			out = append(out, s.text)
		}
	}
	return out
}
