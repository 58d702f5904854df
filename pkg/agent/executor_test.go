package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/memory"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
	"github.com/thebobhuff/Astromech-Agent/pkg/tools"
)

// scriptedModel replays a response script and records every message
// list it was invoked with.
type scriptedModel struct {
	mu       sync.Mutex
	respond  func(call int, msgs []models.Message) (models.Message, error)
	calls    int
	received [][]models.Message
}

func (m *scriptedModel) Invoke(_ context.Context, msgs []models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := append([]models.Message(nil), msgs...)
	m.received = append(m.received, copied)
	m.calls++
	return m.respond(m.calls, copied)
}

func (m *scriptedModel) BindTools([]llm.ToolDef) (llm.ChatModel, error) { return m, nil }
func (m *scriptedModel) Provider() string                              { return "stub" }
func (m *scriptedModel) ModelID() string                               { return "stub-1" }

func (m *scriptedModel) sawText(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.received {
		for _, msg := range msgs {
			if strings.Contains(msg.TextContent(), substr) {
				return true
			}
		}
	}
	return false
}

func (m *scriptedModel) countText(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msgs := range m.received {
		for _, msg := range msgs {
			if strings.Contains(msg.TextContent(), substr) {
				count++
			}
		}
	}
	return count
}

func assistantWithCalls(calls ...models.ToolCall) models.Message {
	return models.Message{Role: models.RoleAssistant, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

func newTestExecutor(t *testing.T, model *scriptedModel, ts ...tools.Tool) *Executor {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		reg.Register(tool)
	}
	runner := NewToolRunner(reg, guardian.New(nil), time.Second, 1, nil)
	cat := llm.NewCatalogue(config.LLMConfig{})
	runReg := runs.NewRegistry(0, MaxTurns+5, nil)
	shortTerm := memory.NewShortTermStore(t.TempDir(), nil)
	e := NewExecutor(reg, runner, NewContextManager(0), cat, runReg, shortTerm,
		config.AgentConfig{LLMTimeoutSeconds: 10}, config.LLMConfig{}, nil)
	e.resolveModel = func(models.RouterDecision, *llm.FailoverChain) (llm.ChatModel, error) {
		return model, nil
	}
	return e
}

func TestExecutePlainTextAnswer(t *testing.T) {
	model := &scriptedModel{respond: func(int, []models.Message) (models.Message, error) {
		return models.NewAssistantMessage("All done."), nil
	}}
	e := newTestExecutor(t, model)
	session := models.NewAgentSession("s1")

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "do the thing",
		Session: session,
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "All done.", res.FinalAnswer)
	assert.False(t, res.HitTurnLimit)

	require.Len(t, session.Messages, 2)
	assert.Equal(t, models.RoleUser, session.Messages[0].Role)
	assert.Equal(t, "do the thing", session.Messages[0].Content)
	assert.Equal(t, "All done.", session.Messages[1].Content)
}

func TestExecuteToolCallThenAnswer(t *testing.T) {
	echo := &stubTool{name: "echo", fn: func(_ context.Context, args map[string]any) (string, error) {
		return fmt.Sprint("echo: ", args["text"]), nil
	}}
	model := &scriptedModel{respond: func(call int, _ []models.Message) (models.Message, error) {
		if call == 1 {
			return assistantWithCalls(models.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}}), nil
		}
		return models.NewAssistantMessage("The tool said hi."), nil
	}}
	e := newTestExecutor(t, model, echo)
	session := models.NewAgentSession("s1")

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "use the echo tool",
		Session: session,
		Route:   models.RouterDecision{SelectedTools: []string{"echo"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "The tool said hi.", res.FinalAnswer)

	var sawToolResult bool
	for _, m := range session.Messages {
		if m.Role == models.RoleTool && m.Content == "echo: hi" {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult)
}

func TestExecuteLoopDetection(t *testing.T) {
	noop := &stubTool{name: "echo", fn: func(context.Context, map[string]any) (string, error) {
		return "same", nil
	}}
	model := &scriptedModel{respond: func(call int, msgs []models.Message) (models.Message, error) {
		for _, m := range msgs {
			if strings.Contains(m.TextContent(), "stuck in a loop") {
				return models.NewAssistantMessage("Stopping: I kept calling the same tool."), nil
			}
		}
		return assistantWithCalls(models.ToolCall{ID: fmt.Sprintf("c%d", call), Name: "echo", Args: map[string]any{"text": "hi"}}), nil
	}}
	e := newTestExecutor(t, model, noop)
	session := models.NewAgentSession("s1")

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "loop forever",
		Session: session,
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Stopping: I kept calling the same tool.", res.FinalAnswer)
	assert.False(t, res.HitTurnLimit)
	// Two executed batches plus the detection turn plus the forced text
	// call: the loop never runs away.
	assert.LessOrEqual(t, model.calls, 4)
	assert.True(t, model.sawText("stuck in a loop"))
}

func TestExecuteEmptyResponseNudge(t *testing.T) {
	model := &scriptedModel{respond: func(call int, _ []models.Message) (models.Message, error) {
		if call == 1 {
			return models.NewAssistantMessage(""), nil
		}
		return models.NewAssistantMessage("Recovered answer."), nil
	}}
	e := newTestExecutor(t, model)
	session := models.NewAgentSession("s1")

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "say something",
		Session: session,
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Recovered answer.", res.FinalAnswer)
	assert.True(t, model.sawText("Your previous response was empty"))
}

func TestExecutePlaceholderParrotingTreatedAsEmpty(t *testing.T) {
	model := &scriptedModel{respond: func(call int, _ []models.Message) (models.Message, error) {
		if call == 1 {
			return models.NewAssistantMessage("(thinking)"), nil
		}
		return models.NewAssistantMessage("Real answer."), nil
	}}
	e := newTestExecutor(t, model)

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "hello",
		Session: models.NewAgentSession("s1"),
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Real answer.", res.FinalAnswer)
}

func TestExecuteHallucinatedToolTextTrap(t *testing.T) {
	model := &scriptedModel{respond: func(call int, _ []models.Message) (models.Message, error) {
		if call == 1 {
			return models.NewAssistantMessage("**Tool Call** terminal ls -la"), nil
		}
		return models.NewAssistantMessage("Used the real tool this time."), nil
	}}
	e := newTestExecutor(t, model)

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "list files",
		Session: models.NewAgentSession("s1"),
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Used the real tool this time.", res.FinalAnswer)
	assert.True(t, model.sawText("USE THE NATIVE TOOL"))
}

func TestExecuteWrapUpInjection(t *testing.T) {
	echo := &stubTool{name: "echo", fn: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}}
	model := &scriptedModel{respond: func(call int, msgs []models.Message) (models.Message, error) {
		for _, m := range msgs {
			if strings.Contains(m.TextContent(), "running low on execution capacity") {
				return models.NewAssistantMessage("Wrapping up with what I have."), nil
			}
		}
		// Distinct args every turn so loop detection stays quiet.
		return assistantWithCalls(models.ToolCall{
			ID: fmt.Sprintf("c%d", call), Name: "echo", Args: map[string]any{"n": call},
		}), nil
	}}
	e := newTestExecutor(t, model, echo)

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "work until told to stop",
		Session: models.NewAgentSession("s1"),
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Wrapping up with what I have.", res.FinalAnswer)
	assert.False(t, res.HitTurnLimit)
	assert.Equal(t, 1, model.countText("running low on execution capacity"))
}

func TestExecuteTurnLimitFinalization(t *testing.T) {
	echo := &stubTool{name: "echo", fn: func(context.Context, map[string]any) (string, error) {
		return "ok", nil
	}}
	model := &scriptedModel{respond: func(call int, msgs []models.Message) (models.Message, error) {
		for _, m := range msgs {
			if strings.Contains(m.TextContent(), "You have used all") {
				return models.NewAssistantMessage(""), nil
			}
		}
		return assistantWithCalls(models.ToolCall{
			ID: fmt.Sprintf("c%d", call), Name: "echo", Args: map[string]any{"n": call},
		}), nil
	}}
	e := newTestExecutor(t, model, echo)
	session := models.NewAgentSession("s1")

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "never stop calling tools",
		Session: session,
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.True(t, res.HitTurnLimit)
	assert.Equal(t, emptyAnswerFallback, res.FinalAnswer)

	// The empty-answer fallback elides assistant turns from saved history.
	for _, m := range session.Messages {
		assert.NotEqual(t, models.RoleAssistant, m.Role)
	}
}

func TestExecuteAbortedRun(t *testing.T) {
	model := &scriptedModel{respond: func(int, []models.Message) (models.Message, error) {
		return models.NewAssistantMessage("should never run"), nil
	}}
	e := newTestExecutor(t, model)
	session := models.NewAgentSession("abort-me")

	handle, err := e.runReg.Register("abort-me")
	require.NoError(t, err)
	require.True(t, e.runReg.Abort("abort-me", "user_requested"))

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "long task",
		Session: session,
		Handle:  handle,
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "[Run cancelled: user_requested]", res.FinalAnswer)
	assert.Zero(t, model.calls)
}

func TestExecuteSteerInjection(t *testing.T) {
	model := &scriptedModel{respond: func(int, []models.Message) (models.Message, error) {
		return models.NewAssistantMessage("Adjusted per steering."), nil
	}}
	e := newTestExecutor(t, model)
	session := models.NewAgentSession("steer-me")

	handle, err := e.runReg.Register("steer-me")
	require.NoError(t, err)
	require.True(t, e.runReg.Steer("steer-me", "focus on the summary"))

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "long task",
		Session: session,
		Handle:  handle,
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Adjusted per steering.", res.FinalAnswer)
	assert.True(t, model.sawText("[USER STEERING]: focus on the summary"))
}

func TestExecuteLLMErrorSurface(t *testing.T) {
	model := &scriptedModel{respond: func(int, []models.Message) (models.Message, error) {
		return models.Message{}, fmt.Errorf("upstream exploded")
	}}
	e := newTestExecutor(t, model)

	res, err := e.Execute(context.Background(), ExecuteInput{
		Prompt:  "hello",
		Session: models.NewAgentSession("s1"),
		Route:   models.RouterDecision{},
	})
	require.NoError(t, err)
	assert.Contains(t, res.FinalAnswer, "I encountered an error communicating with the LLM:")
	assert.Contains(t, res.FinalAnswer, "upstream exploded")
}

func TestBatchSignatureStableUnderArgOrder(t *testing.T) {
	a := batchSignature([]models.ToolCall{{Name: "t", Args: map[string]any{"a": 1, "b": 2}}})
	b := batchSignature([]models.ToolCall{{Name: "t", Args: map[string]any{"b": 2, "a": 1}}})
	assert.Equal(t, a, b)

	c := batchSignature([]models.ToolCall{{Name: "t", Args: map[string]any{"a": 9, "b": 2}}})
	assert.NotEqual(t, a, c)
}

func TestSelectToolsToBindFallsBackToAll(t *testing.T) {
	reg := tools.NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
		reg.Register(&stubTool{name: name, fn: func(context.Context, map[string]any) (string, error) { return "", nil }})
	}
	e := &Executor{registry: reg}

	// None of the registered tools are core or selected, so fewer than
	// three match and the whole registry is bound.
	defs := e.selectToolsToBind(models.RouterDecision{SelectedTools: []string{"alpha"}})
	assert.Len(t, defs, 4)

	defs = e.selectToolsToBind(models.RouterDecision{SelectedTools: []string{"alpha", "beta", "gamma"}})
	assert.Len(t, defs, 3)
}
