package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// Meta-call output schemas. Responses failing validation fall through
// to the deterministic fallbacks.
const (
	evaluatorSchemaJSON = `{
		"type": "object",
		"properties": {
			"intent": {"type": "string"},
			"memory_queries": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["intent"]
	}`
	routerSchemaJSON = `{
		"type": "object",
		"properties": {
			"selected_tools": {"type": "array", "items": {"type": "string"}},
			"provider": {"type": "string"},
			"model_name": {"type": "string"},
			"reasoning": {"type": "string"}
		},
		"required": ["provider"]
	}`
	planSchemaJSON = `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"goal": {"type": "string"},
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string"},
						"title": {"type": "string"},
						"description": {"type": "string"},
						"depends_on": {"type": "array", "items": {"type": "string"}},
						"parallelizable": {"type": "boolean"},
						"priority": {"type": "integer"}
					},
					"required": ["title"]
				}
			}
		},
		"required": ["steps"]
	}`
)

var (
	evaluatorSchema = mustCompileSchema("evaluator.json", evaluatorSchemaJSON)
	routerSchema    = mustCompileSchema("router.json", routerSchemaJSON)
	planSchema      = mustCompileSchema("plan.json", planSchemaJSON)
)

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// Planner issues the three structured meta-calls (evaluate, route,
// plan) against the fast meta-model. Every call is bounded by a short
// timeout and has a deterministic fallback so the pipeline never
// stalls on a flaky meta-model.
type Planner struct {
	meta      llm.ChatModel
	catalogue *llm.Catalogue
	agentCfg  config.AgentConfig
	logger    *slog.Logger
}

// NewPlanner wires a planner around the meta model.
func NewPlanner(meta llm.ChatModel, catalogue *llm.Catalogue, agentCfg config.AgentConfig, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		meta:      meta,
		catalogue: catalogue,
		agentCfg:  agentCfg,
		logger:    logger.With("component", "planner"),
	}
}

// metaTimeout keeps meta-calls fast so streaming stays responsive.
func (p *Planner) metaTimeout() time.Duration {
	t := p.agentCfg.LLMTimeoutSeconds
	if t < 5 {
		t = 5
	}
	if t > 20 {
		t = 20
	}
	return time.Duration(t) * time.Second
}

// invokeJSON runs one meta-call and validates the extracted JSON
// against the schema.
func (p *Planner) invokeJSON(ctx context.Context, schema *jsonschema.Schema, systemPrompt, userPrompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.metaTimeout())
	defer cancel()

	reply, err := p.meta.Invoke(ctx, []models.Message{
		models.NewSystemMessage(systemPrompt),
		models.NewUserMessage(userPrompt),
	})
	if err != nil {
		return err
	}

	raw, err := extractJSON(reply.TextContent())
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("parse meta response: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("meta response failed schema validation: %w", err)
	}
	return json.Unmarshal([]byte(raw), out)
}

// extractJSON takes the substring between the first '{' and the last
// '}', tolerating markdown fences and prose around the payload.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in meta response")
	}
	return text[start : end+1], nil
}

// Evaluate classifies the prompt's intent and proposes memory search
// queries. Falls back to a general query echoing the prompt.
func (p *Planner) Evaluate(ctx context.Context, prompt string) models.EvaluatorOutput {
	systemPrompt := `You are the 'Evaluator' of an AI agent.
Analyze the user's prompt to understand their intent and what memory context is needed.
Output JSON with:
- intent: Short summary.
- memory_queries: List of 1-3 search queries for the vector DB.
Return valid JSON only.`

	var out models.EvaluatorOutput
	if err := p.invokeJSON(ctx, evaluatorSchema, systemPrompt, prompt, &out); err != nil {
		p.logger.Warn("Evaluator meta-call failed, using fallback", "error", err)
		return models.EvaluatorOutput{Intent: "General query", MemoryQueries: []string{prompt}}
	}
	return out
}

// Route selects tools and the executor model. Falls back to the
// gemini default with no tools.
func (p *Planner) Route(ctx context.Context, prompt, memoryContext string, toolNames []string) models.RouterDecision {
	activeModels := make([]string, 0, len(p.catalogue.ActiveModels()))
	for _, m := range p.catalogue.ActiveModels() {
		activeModels = append(activeModels, fmt.Sprintf("%s/%s (alias: %s)", m.Provider, m.ModelID, m.Alias))
	}

	systemPrompt := fmt.Sprintf(`You are the 'Router' of an AI agent.
Based on the USER PROMPT and MEMORY CONTEXT, decide:
1. Which TOOLS are needed from this list: [%s]. If none, return empty list.
2. Which LLM PROVIDER/MODEL to use for execution.
   Available Configured Models: [%s]

   - Use alias 'default' for simple, fast tasks.
   - Use alias 'smart' for reasoning-heavy or coding tasks.
   - Use 'ollama/llama3' only if privacy is explicitly requested.

Format as JSON with keys selected_tools, provider, model_name, reasoning.`,
		strings.Join(toolNames, ", "), strings.Join(activeModels, ", "))

	userPrompt := fmt.Sprintf("MEMORY:\n%s\n\nUSER PROMPT: %s", memoryContext, prompt)

	var out models.RouterDecision
	if err := p.invokeJSON(ctx, routerSchema, systemPrompt, userPrompt, &out); err != nil {
		p.logger.Warn("Router meta-call failed, using fallback", "error", err)
		return models.RouterDecision{
			SelectedTools: []string{},
			Provider:      "gemini",
			ModelName:     "default",
			Reasoning:     "Fallback due to router failure.",
		}
	}
	if out.SelectedTools == nil {
		out.SelectedTools = []string{}
	}
	return out
}

// planningCues gate plan approval on prompts that actually describe
// multi-step work.
var planningCues = []string{
	"plan", "roadmap", "break", "phases", "long-running", "long running",
	"step by step", "multi-step", "project",
}

// ShouldRequestPlanApproval reports whether this run must pause for a
// user-approved plan. Background and subagent sessions never do.
func (p *Planner) ShouldRequestPlanApproval(prompt string, route models.RouterDecision, sessionID string) bool {
	if !p.agentCfg.RequirePlanApproval {
		return false
	}
	if strings.HasPrefix(sessionID, "task_") || strings.HasPrefix(sessionID, "sub-") || sessionID == "heartbeat_session" {
		return false
	}
	if strings.Contains(prompt, "Background Task Execution:") {
		return false
	}
	if len(route.SelectedTools) == 0 {
		return false
	}
	lowered := strings.ToLower(prompt)
	for _, cue := range planningCues {
		if strings.Contains(lowered, cue) {
			return true
		}
	}
	return false
}

// BuildPlan produces a normalized execution plan for a long-running
// goal. Falls back to a one-step plan echoing the goal.
func (p *Planner) BuildPlan(ctx context.Context, prompt, memoryContext string, route models.RouterDecision) models.ExecutionPlan {
	systemPrompt := `You are a planning specialist.
Build an execution plan for a long-running agent workflow.
Requirements:
1. Return 2-8 concrete steps.
2. Each step must include id, title, description, depends_on, parallelizable, priority.
3. Use depends_on to model strict ordering.
4. Mark parallelizable=true only when no strict dependency blocks it.
5. Keep priority between 1 and 5.
6. Ensure dependencies only reference existing step IDs.
Return valid JSON only.`

	tools := append([]string(nil), route.SelectedTools...)
	sort.Strings(tools)
	toolsStr := strings.Join(tools, ", ")
	if toolsStr == "" {
		toolsStr = "(none)"
	}
	memory := memoryContext
	if memory == "" {
		memory = "(none)"
	}
	userPrompt := fmt.Sprintf("GOAL:\n%s\n\nMEMORY CONTEXT:\n%s\n\nROUTER TOOLS:\n%s", prompt, memory, toolsStr)

	var plan models.ExecutionPlan
	if err := p.invokeJSON(ctx, planSchema, systemPrompt, userPrompt, &plan); err != nil {
		p.logger.Warn("Planner meta-call failed, using fallback plan", "error", err)
		plan = models.ExecutionPlan{
			Name: "Fallback Plan",
			Goal: prompt,
			Steps: []models.PlanStep{{
				ID:          "s1",
				Title:       "Execute requested task",
				Description: prompt,
				Priority:    3,
			}},
		}
	}
	return NormalizePlan(plan)
}

// NormalizePlan repairs model-produced plans: every step gets an id,
// dependencies may only reference known sibling steps, priorities are
// clamped to [1,5], and a step with remaining dependencies is never
// parallelizable.
func NormalizePlan(plan models.ExecutionPlan) models.ExecutionPlan {
	knownIDs := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		knownIDs[s.ID] = true
	}

	normalized := make([]models.PlanStep, 0, len(plan.Steps))
	for idx, step := range plan.Steps {
		sid := strings.TrimSpace(step.ID)
		if sid == "" {
			sid = fmt.Sprintf("s%d", idx+1)
		}
		var deps []string
		for _, d := range step.DependsOn {
			if knownIDs[d] && d != sid {
				deps = append(deps, d)
			}
		}
		title := strings.TrimSpace(step.Title)
		if title == "" {
			title = fmt.Sprintf("Step %d", idx+1)
		}
		description := strings.TrimSpace(step.Description)
		if description == "" {
			description = title
		}
		priority := step.Priority
		if priority < 1 {
			priority = 1
		}
		if priority > 5 {
			priority = 5
		}
		normalized = append(normalized, models.PlanStep{
			ID:             sid,
			Title:          title,
			Description:    description,
			DependsOn:      deps,
			Parallelizable: step.Parallelizable && len(deps) == 0,
			Priority:       priority,
		})
	}
	plan.Steps = normalized
	return plan
}
