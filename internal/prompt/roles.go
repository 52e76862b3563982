package prompt

import (
	"fmt"
	"strings"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/protocol"
)

// ManagerPrompt opens a dual-agent session by asking for a task breakdown
func ManagerPrompt(task string) string {
	return fmt.Sprintf(`You are the manager for this task. Do not implement it yourself.

Task: %s

Analyze the codebase and the task, then break the work into a numbered list of concrete work items (at most 10), one per line, in the order they should be done. When the breakdown is ready, state "Analysis complete, ready to implement."`, task)
}

// WorkerPrompt hands one work item to the worker
func WorkerPrompt(task, item string, index, total int) string {
	return fmt.Sprintf(`You are the worker implementing part of a larger task.

Overall task: %s

Work item %d of %d: %s

Implement this work item completely. When it is done and verified, state "Task completed". If you are blocked, explain what you need.`, task, index, total, item)
}

// EscalationPrompt returns a blocked work item to the manager
func EscalationPrompt(task, item string, worker protocol.ParsedOutput) string {
	details := strings.TrimSpace(worker.Error)
	if details == "" {
		details = strings.TrimSpace(worker.Result)
	}
	return fmt.Sprintf(`The worker needs help with a work item.

Overall task: %s
Work item: %s

Worker report:
%s

Diagnose the problem and give the worker revised work items as a numbered list, then state "Analysis complete, ready to implement."`, task, item, details)
}

// ReviewPrompt asks the manager to verify finished work items
func ReviewPrompt(task string, completed []string) string {
	var b strings.Builder
	for i, item := range completed {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return fmt.Sprintf(`The worker has finished every work item.

Overall task: %s

Completed work items:
%s
Review the changes. If the task is fully done, state "Task completed". Otherwise list the remaining work items as a numbered list and state "Analysis complete, ready to implement."`, task, b.String())
}

// ResumePrompt continues a paused session, optionally with new instructions
func ResumePrompt(task, extra string) string {
	if strings.TrimSpace(extra) == "" {
		return fmt.Sprintf("Resume work on the task where you left off.\n\nTask: %s", task)
	}
	return fmt.Sprintf("Resume work on the task where you left off.\n\nTask: %s\n\nAdditional instructions: %s", task, extra)
}
