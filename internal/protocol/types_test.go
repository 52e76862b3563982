package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithHandoffManagerKeepsBreakdown(t *testing.T) {
	out := ParsedOutput{Result: "plan ready"}
	decision := HandoffDecision{
		NeedsHandoff:      true,
		Reason:            HandoffTaskAnalysisComplete,
		TaskBreakdown:     []string{"Add auth", "Add tests"},
		ReadyForExecution: true,
	}

	got := out.WithHandoff(RoleManager, decision)

	assert.True(t, got.NeedsHandoff)
	assert.Equal(t, HandoffTaskAnalysisComplete, got.HandoffReason)
	assert.Equal(t, []string{"Add auth", "Add tests"}, got.TaskBreakdown)
	assert.True(t, got.ReadyForWorker)

	// the original is untouched
	assert.False(t, out.NeedsHandoff)
	assert.Nil(t, out.TaskBreakdown)
}

func TestWithHandoffWorkerDropsBreakdown(t *testing.T) {
	decision := HandoffDecision{
		NeedsHandoff:  true,
		Reason:        HandoffTaskCompleted,
		TaskBreakdown: []string{"should not be kept"},
	}

	got := ParsedOutput{}.WithHandoff(RoleWorker, decision)

	assert.True(t, got.NeedsHandoff)
	assert.Equal(t, HandoffTaskCompleted, got.HandoffReason)
	assert.Nil(t, got.TaskBreakdown)
	assert.False(t, got.ReadyForWorker)
}

func TestWithHandoffNoHandoffClearsFields(t *testing.T) {
	out := ParsedOutput{NeedsHandoff: true, TaskBreakdown: []string{"stale item here"}}

	got := out.WithHandoff(RoleManager, HandoffDecision{})

	assert.False(t, got.NeedsHandoff)
	assert.Empty(t, got.HandoffReason)
	assert.Nil(t, got.TaskBreakdown)
}

func TestCost(t *testing.T) {
	assert.Zero(t, ParsedOutput{}.Cost())

	cost := 0.42
	assert.Equal(t, 0.42, ParsedOutput{CostUSD: &cost}.Cost())
}

func TestExecOptionsValidate(t *testing.T) {
	valid := ExecOptions{WorkDir: "/tmp", Timeout: time.Minute}
	require.NoError(t, valid.Validate())

	noDir := valid
	noDir.WorkDir = " "
	assert.ErrorContains(t, noDir.Validate(), "work dir")

	noTimeout := valid
	noTimeout.Timeout = 0
	assert.ErrorContains(t, noTimeout.Validate(), "timeout")

	emptyTool := valid
	emptyTool.AllowedTools = []string{"Read", ""}
	assert.ErrorContains(t, emptyTool.Validate(), "allowed tools")
}

func TestWithContinuationCopies(t *testing.T) {
	base := ExecOptions{WorkDir: "/tmp", Timeout: time.Minute}
	resumed := base.WithContinuation("sess-1")

	assert.Equal(t, "sess-1", resumed.ContinuationID)
	assert.Empty(t, base.ContinuationID)
}
