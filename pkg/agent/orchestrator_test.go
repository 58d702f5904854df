package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/memory"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
	"github.com/thebobhuff/Astromech-Agent/pkg/tools"
)

// metaStub answers the evaluator/router/planner/summarizer meta-calls
// based on the prompt text it receives.
type metaStub struct {
	routerJSON  string
	plannerJSON string
	summaryJSON string
}

func (m *metaStub) Invoke(_ context.Context, msgs []models.Message) (models.Message, error) {
	var all strings.Builder
	for _, msg := range msgs {
		all.WriteString(msg.TextContent())
		all.WriteString("\n")
	}
	text := all.String()
	switch {
	case strings.Contains(text, "'Evaluator'"):
		return models.NewAssistantMessage(`{"intent": "test intent", "memory_queries": ["cats"]}`), nil
	case strings.Contains(text, "'Router'"):
		return models.NewAssistantMessage(m.routerJSON), nil
	case strings.Contains(text, "planning specialist"):
		return models.NewAssistantMessage(m.plannerJSON), nil
	case strings.Contains(text, "Summarize this conversation segment"):
		return models.NewAssistantMessage(m.summaryJSON), nil
	}
	return models.NewAssistantMessage("{}"), nil
}

func (m *metaStub) BindTools([]llm.ToolDef) (llm.ChatModel, error) { return m, nil }
func (m *metaStub) Provider() string                               { return "meta" }
func (m *metaStub) ModelID() string                                { return "meta-1" }

type orchestratorFixture struct {
	orch      *Orchestrator
	executor  *Executor
	model     *scriptedModel
	memIndex  *memory.Index
	shortTerm *memory.ShortTermStore
	runReg    *runs.Registry
}

func newOrchestratorFixture(t *testing.T, meta *metaStub, agentCfg config.AgentConfig) *orchestratorFixture {
	t.Helper()
	dir := t.TempDir()

	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "terminal", fn: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}})

	model := &scriptedModel{respond: func(int, []models.Message) (models.Message, error) {
		return models.NewAssistantMessage("Final answer!"), nil
	}}

	cat := llm.NewCatalogue(config.LLMConfig{})
	guard := guardian.New(nil)
	runReg := runs.NewRegistry(0, MaxTurns+5, nil)
	shortTerm := memory.NewShortTermStore(filepath.Join(dir, "short"), nil)
	memIndex := memory.NewIndex(filepath.Join(dir, "long"), nil, nil)
	relStore := memory.NewRelationshipStore(filepath.Join(dir, "relationship.json"), nil)

	runner := NewToolRunner(reg, guard, agentCfg.ToolTimeout(), 1, nil)
	executor := NewExecutor(reg, runner, NewContextManager(0), cat, runReg, shortTerm,
		agentCfg, config.LLMConfig{}, nil)
	executor.resolveModel = func(models.RouterDecision, *llm.FailoverChain) (llm.ChatModel, error) {
		return model, nil
	}
	planner := NewPlanner(meta, cat, agentCfg, nil)

	orch := NewOrchestrator(planner, executor, guard, reg, memIndex, relStore, shortTerm,
		runReg, meta, agentCfg, nil)
	return &orchestratorFixture{
		orch: orch, executor: executor, model: model,
		memIndex: memIndex, shortTerm: shortTerm, runReg: runReg,
	}
}

func defaultAgentCfg() config.AgentConfig {
	return config.AgentConfig{
		LLMTimeoutSeconds:    10,
		ToolTimeoutSeconds:   5,
		ToolRetryAttempts:    1,
		ExecutionMaxAttempts: 2,
	}
}

func TestOrchestratorRunHappyPath(t *testing.T) {
	meta := &metaStub{routerJSON: `{"selected_tools": ["terminal"], "provider": "stub", "model_name": "m", "reasoning": "r"}`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())

	var emitted []events.Event
	session := models.NewAgentSession("ui-1")
	resp, err := f.orch.Run(context.Background(), RunInput{
		Prompt:  "what do you know about cats",
		Session: session,
		Emit:    func(e events.Event) { emitted = append(emitted, e) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Final answer!", resp.Response)
	assert.Equal(t, "test intent", resp.Metadata["intent"])
	assert.Equal(t, "stub/m", resp.Metadata["model_used"])
	assert.Equal(t, "ui", resp.Metadata["source_channel"])
	assert.Equal(t, []string{"terminal"}, resp.Metadata["tools_used"])
	assert.Same(t, session, resp.Session)

	// The run registry is drained when execution finishes.
	_, active := f.runReg.Get("ui-1")
	assert.False(t, active)

	var phases []string
	for _, e := range emitted {
		if e.Type == events.TypePhase {
			phases = append(phases, e.Phase)
		}
	}
	assert.Equal(t, []string{
		events.PhaseEvaluating, events.PhaseMemory, events.PhaseRouting, events.PhaseExecuting,
	}, phases)
	assert.Equal(t, events.TypeComplete, emitted[len(emitted)-1].Type)
}

func TestOrchestratorMemoryContextIncludesStoredFacts(t *testing.T) {
	meta := &metaStub{routerJSON: `{"selected_tools": [], "provider": "stub", "model_name": "m", "reasoning": "r"}`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())
	require.NoError(t, f.memIndex.AddMemory("notes/cats", "The user has two cats named Pixel and Vector."))

	resp, err := f.orch.Run(context.Background(), RunInput{
		Prompt:  "what do you know about cats",
		Session: models.NewAgentSession("ui-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Metadata["memory_used"])
	assert.True(t, f.model.sawText("Pixel and Vector"))
	assert.True(t, f.model.sawText("REQUEST CONTEXT:"))
}

func TestOrchestratorModelOverride(t *testing.T) {
	meta := &metaStub{routerJSON: `{"selected_tools": [], "provider": "stub", "model_name": "m", "reasoning": "r"}`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())

	resp, err := f.orch.Run(context.Background(), RunInput{
		Prompt:        "hello",
		Session:       models.NewAgentSession("ui-1"),
		ModelOverride: "anthropic/claude-x",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-x", resp.Metadata["model_used"])
}

func TestOrchestratorPlanApproval(t *testing.T) {
	meta := &metaStub{
		routerJSON: `{"selected_tools": ["terminal"], "provider": "stub", "model_name": "m", "reasoning": "r"}`,
		plannerJSON: `{"name": "Migration", "goal": "migrate", "steps": [
			{"id": "s1", "title": "Snapshot data", "description": "snap", "priority": 2},
			{"id": "s2", "title": "Apply schema", "description": "apply", "depends_on": ["s1"], "priority": 1}
		]}`,
	}
	cfg := defaultAgentCfg()
	cfg.RequirePlanApproval = true
	f := newOrchestratorFixture(t, meta, cfg)

	session := models.NewAgentSession("ui-1")
	resp, err := f.orch.Run(context.Background(), RunInput{
		Prompt:  "plan the database migration project",
		Session: session,
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata["approval_required"])
	assert.Contains(t, resp.Response, "Execution plan requires approval (Action ID: plan_")
	assert.Contains(t, resp.Response, "[s1] Snapshot data")
	assert.Contains(t, resp.Response, "depends_on=s1")

	// Execution never started.
	assert.Zero(t, f.model.calls)
}

func TestOrchestratorChannelInference(t *testing.T) {
	meta := &metaStub{routerJSON: `{"selected_tools": [], "provider": "stub", "model_name": "m", "reasoning": "r"}`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())

	session := models.NewAgentSession("telegram_12345")
	resp, err := f.orch.Run(context.Background(), RunInput{
		Prompt:  "hi",
		Session: session,
	})
	require.NoError(t, err)
	assert.Equal(t, "telegram", resp.Metadata["source_channel"])
	assert.Equal(t, "telegram", session.Metadata["last_channel"])
	assert.Equal(t, []string{"telegram"}, session.Metadata["channel_history"])
}

func TestSummarizeToShortTerm(t *testing.T) {
	meta := &metaStub{summaryJSON: `{"summary": "User set up the cat feeder.", "long_term_memory": "User owns two cats."}`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())

	session := models.NewAgentSession("s1")
	for i := 0; i < 5; i++ {
		session.AddMessage(models.NewUserMessage("step"))
		session.AddMessage(models.NewAssistantMessage("done"))
	}
	f.orch.SummarizeToShortTerm(context.Background(), session)

	assert.Equal(t, 10, session.LastSummaryIndex)
	assert.Contains(t, f.shortTerm.TodayContext("s1"), "User set up the cat feeder.")
	content, ok := f.memIndex.GetMemoryContent("long_term/s1/auto_10")
	require.True(t, ok)
	assert.Equal(t, "User owns two cats.", content)
}

func TestSummarizeAdvancesIndexOnFailure(t *testing.T) {
	// The meta stub returns "{}" for unknown prompts; force a hard error
	// instead by shrinking the interval trigger with junk history.
	meta := &metaStub{summaryJSON: `not json at all`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())

	session := models.NewAgentSession("s1")
	for i := 0; i < 10; i++ {
		session.AddMessage(models.NewUserMessage("m"))
	}
	f.orch.SummarizeToShortTerm(context.Background(), session)

	// Malformed output still lands as a raw summary and the cursor
	// always advances so summarization can never wedge.
	assert.Equal(t, 10, session.LastSummaryIndex)
	assert.Contains(t, f.shortTerm.TodayContext("s1"), "not json at all")
}

func TestSummarizeSkipsBelowInterval(t *testing.T) {
	meta := &metaStub{summaryJSON: `{"summary": "x", "long_term_memory": null}`}
	f := newOrchestratorFixture(t, meta, defaultAgentCfg())

	session := models.NewAgentSession("s1")
	session.AddMessage(models.NewUserMessage("only one"))
	f.orch.SummarizeToShortTerm(context.Background(), session)
	assert.Zero(t, session.LastSummaryIndex)
	assert.Empty(t, f.shortTerm.TodayContext("s1"))
}
