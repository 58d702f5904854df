package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

func TestExtractJSON(t *testing.T) {
	raw, err := extractJSON("Sure, here you go:\n```json\n{\"intent\": \"greet\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"intent": "greet"}`, raw)

	_, err = extractJSON("no payload here")
	assert.Error(t, err)
}

func TestNormalizePlan(t *testing.T) {
	plan := NormalizePlan(models.ExecutionPlan{
		Name: "Deploy",
		Steps: []models.PlanStep{
			{Title: "Build artifacts", Priority: 9, Parallelizable: true},
			{ID: "s2", Title: "", Description: "", DependsOn: []string{"s1", "s2", "ghost"}, Priority: 0},
			{ID: "s3", Title: "Ship", DependsOn: []string{"s2"}, Parallelizable: true, Priority: 3},
		},
	})
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, "s1", plan.Steps[0].ID)
	assert.Equal(t, 5, plan.Steps[0].Priority)
	assert.True(t, plan.Steps[0].Parallelizable)

	// Self and unknown dependencies are dropped; empty title and
	// description fall back to positional defaults.
	assert.Equal(t, "Step 2", plan.Steps[1].Title)
	assert.Equal(t, "Step 2", plan.Steps[1].Description)
	assert.Empty(t, plan.Steps[1].DependsOn)
	assert.Equal(t, 1, plan.Steps[1].Priority)

	// A step with live dependencies is never parallelizable.
	assert.Equal(t, []string{"s2"}, plan.Steps[2].DependsOn)
	assert.False(t, plan.Steps[2].Parallelizable)
}

func TestShouldRequestPlanApproval(t *testing.T) {
	planner := &Planner{agentCfg: config.AgentConfig{RequirePlanApproval: true}}
	route := models.RouterDecision{SelectedTools: []string{"terminal"}}

	assert.True(t, planner.ShouldRequestPlanApproval("break this project into phases", route, "ui-1"))
	assert.True(t, planner.ShouldRequestPlanApproval("this is a long running migration", route, "ui-1"))

	// No planning cue.
	assert.False(t, planner.ShouldRequestPlanApproval("what time is it", route, "ui-1"))
	// No tools selected.
	assert.False(t, planner.ShouldRequestPlanApproval("plan my week", models.RouterDecision{}, "ui-1"))
	// Background and subagent sessions never pause for approval.
	assert.False(t, planner.ShouldRequestPlanApproval("plan my week", route, "task_42"))
	assert.False(t, planner.ShouldRequestPlanApproval("plan my week", route, "sub-7"))
	assert.False(t, planner.ShouldRequestPlanApproval("plan my week", route, "heartbeat_session"))
	assert.False(t, planner.ShouldRequestPlanApproval("Background Task Execution:\nTitle: plan", route, "ui-1"))

	disabled := &Planner{agentCfg: config.AgentConfig{RequirePlanApproval: false}}
	assert.False(t, disabled.ShouldRequestPlanApproval("plan my week", route, "ui-1"))
}
