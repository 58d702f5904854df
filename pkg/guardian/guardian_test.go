package guardian

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

func TestSafeToolPassesThrough(t *testing.T) {
	g := New(nil)
	allowed, reason, actionID := g.ValidateToolCall("read_local_file", map[string]any{"path": "a.txt"})
	assert.True(t, allowed)
	assert.Equal(t, "Safe", reason)
	assert.Empty(t, actionID)
	assert.Empty(t, g.ListPending(""))
}

func TestRestrictedToolIsIntercepted(t *testing.T) {
	g := New(nil)
	allowed, reason, actionID := g.ValidateToolCall("delete_file", map[string]any{"path": "a.txt"})
	require.False(t, allowed)
	assert.Contains(t, reason, "approval required")
	assert.True(t, strings.HasPrefix(actionID, "act_"))

	pending := g.ListPending(ActionTypeToolCall)
	require.Len(t, pending, 1)
	assert.Equal(t, actionID, pending[0].ID)
}

func TestDangerousKeywordInterception(t *testing.T) {
	g := New(nil)
	allowed, _, _ := g.ValidateToolCall("terminal", map[string]any{"command": "rm -rf /"})
	assert.False(t, allowed)

	allowed, _, _ = g.ValidateToolCall("terminal", map[string]any{"command": "ls -la"})
	assert.True(t, allowed)

	allowed, _, _ = g.ValidateToolCall("run_python_code", map[string]any{"code": "import shutil; shutil.rmtree('/')"})
	assert.False(t, allowed)
}

func TestApprovalConsumedOnMatchingSignature(t *testing.T) {
	g := New(nil)
	args := map[string]any{"path": "a.txt"}

	_, _, actionID := g.ValidateToolCall("delete_file", args)
	require.True(t, g.Approve(actionID))

	// Same signature now passes and burns the approval.
	allowed, reason, consumedID := g.ValidateToolCall("delete_file", args)
	assert.True(t, allowed)
	assert.Equal(t, "Approved by user", reason)
	assert.Equal(t, actionID, consumedID)

	action, ok := g.Get(actionID)
	require.True(t, ok)
	assert.Equal(t, ActionConsumed, action.Status)

	// A second identical call is intercepted again.
	allowed, _, _ = g.ValidateToolCall("delete_file", args)
	assert.False(t, allowed)
}

func TestApprovalDoesNotMatchDifferentArgs(t *testing.T) {
	g := New(nil)
	_, _, actionID := g.ValidateToolCall("delete_file", map[string]any{"path": "a.txt"})
	require.True(t, g.Approve(actionID))

	allowed, _, _ := g.ValidateToolCall("delete_file", map[string]any{"path": "b.txt"})
	assert.False(t, allowed)
}

func TestRejectAndUnknownAction(t *testing.T) {
	g := New(nil)
	_, _, actionID := g.ValidateToolCall("delete_file", map[string]any{"path": "a.txt"})
	assert.True(t, g.Reject(actionID))
	assert.False(t, g.Approve("act_missing"))

	allowed, _, _ := g.ValidateToolCall("delete_file", map[string]any{"path": "a.txt"})
	assert.False(t, allowed, "rejected action must not authorize the call")
}

func TestPlanApproval(t *testing.T) {
	g := New(nil)
	plan := models.ExecutionPlan{
		Name: "Research",
		Goal: "study topic",
		Steps: []models.PlanStep{
			{ID: "s1", Title: "search", Priority: 3},
		},
	}
	actionID := g.CreatePlanApproval("sess-1", "study topic", plan)
	assert.True(t, strings.HasPrefix(actionID, "plan_"))

	pending := g.ListPending(ActionTypePlanApproval)
	require.Len(t, pending, 1)
	assert.Equal(t, "execute_plan", pending[0].ToolName)
}

func TestDenialMessageMentionsActionID(t *testing.T) {
	msg := DenialMessage("Destructive action intercepted.", "act_12345678")
	assert.Contains(t, msg, "ACTION BLOCKED BY SECURITY PROTOCOL.")
	assert.Contains(t, msg, "Reason: Destructive action intercepted.")
	assert.Contains(t, msg, "INSTRUCTION: You must inform the user that this action requires approval.")
	assert.Contains(t, msg, "approve Action ID 'act_12345678'")
}
