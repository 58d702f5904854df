package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/format"
	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/memory"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
	"github.com/thebobhuff/Astromech-Agent/pkg/tools"
)

// Orchestrator ties the full pipeline together: evaluate, search
// memory, route, optionally plan, execute with retries, summarize.
type Orchestrator struct {
	planner   *Planner
	executor  *Executor
	guard     *guardian.Guardian
	registry  *tools.Registry
	memIndex  *memory.Index
	relStore  *memory.RelationshipStore
	shortTerm *memory.ShortTermStore
	runReg    *runs.Registry
	meta      llm.ChatModel
	agentCfg  config.AgentConfig
	logger    *slog.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	planner *Planner,
	executor *Executor,
	guard *guardian.Guardian,
	registry *tools.Registry,
	memIndex *memory.Index,
	relStore *memory.RelationshipStore,
	shortTerm *memory.ShortTermStore,
	runReg *runs.Registry,
	meta llm.ChatModel,
	agentCfg config.AgentConfig,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		planner:   planner,
		executor:  executor,
		guard:     guard,
		registry:  registry,
		memIndex:  memIndex,
		relStore:  relStore,
		shortTerm: shortTerm,
		runReg:    runReg,
		meta:      meta,
		agentCfg:  agentCfg,
		logger:    logger.With("component", "orchestrator"),
	}
}

// RunInput carries one user request through the pipeline.
type RunInput struct {
	Prompt           string
	Session          *models.AgentSession
	Images           []string
	ModelOverride    string
	Emit             events.Emitter
	SourceChannel    string
	SourceMetadata   map[string]any
	QueueWaitSeconds float64
}

// prepareChannelContext resolves the delivery channel, renders the
// request-context block, and records channel history on the session.
func prepareChannelContext(session *models.AgentSession, sourceChannel string, sourceMetadata map[string]any) (string, string) {
	resolved := format.NormalizeSourceChannel(sourceChannel, session.SessionID)
	requestContext := format.RequestChannelContext(resolved, sourceMetadata)

	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata["last_channel"] = resolved
	if len(sourceMetadata) > 0 {
		copied := make(map[string]any, len(sourceMetadata))
		for k, v := range sourceMetadata {
			copied[k] = v
		}
		session.Metadata["last_source_metadata"] = copied
	}
	history, _ := session.Metadata["channel_history"].([]string)
	history = append(history, resolved)
	if len(history) > 25 {
		history = history[len(history)-25:]
	}
	session.Metadata["channel_history"] = history

	return resolved, requestContext
}

// buildMemoryContext runs the evaluator's queries against the
// relationship store and the long-term index, deduplicates fragments,
// and appends the context-file and request-channel trailers.
func (o *Orchestrator) buildMemoryContext(eval models.EvaluatorOutput, prompt string, session *models.AgentSession, requestChannelContext string, logger *slog.Logger) (string, int, int) {
	var queries []string
	seen := map[string]bool{}
	for _, q := range eval.MemoryQueries {
		q = strings.TrimSpace(q)
		if q != "" && !seen[q] {
			seen[q] = true
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 && strings.TrimSpace(prompt) != "" {
		queries = []string{strings.TrimSpace(prompt)}
	}
	logger.Info("Searching memory", "queries", len(queries))

	var relationshipBlocks []string
	seenBlocks := map[string]bool{}
	for _, q := range queries {
		block := strings.TrimSpace(o.relStore.ContextBlock(q, 3))
		if block != "" && !seenBlocks[block] {
			seenBlocks[block] = true
			relationshipBlocks = append(relationshipBlocks, block)
		}
	}

	var memories []string
	seenChunks := map[string]bool{}
	for _, q := range queries {
		for _, doc := range o.memIndex.Search(q, 2) {
			content := strings.TrimSpace(doc.Content)
			if content == "" || seenChunks[content] {
				continue
			}
			seenChunks[content] = true
			memories = append(memories, content)
		}
	}

	memoryContext := strings.Join(memories, "\n---\n")
	if len(relationshipBlocks) > 0 {
		relationshipContext := strings.Join(relationshipBlocks, "\n\n")
		if memoryContext != "" {
			memoryContext = relationshipContext + "\n\n" + memoryContext
		} else {
			memoryContext = relationshipContext
		}
	}

	if len(session.ContextFiles) > 0 {
		names := make([]string, 0, len(session.ContextFiles))
		for _, f := range session.ContextFiles {
			names = append(names, filepath.Base(f))
		}
		memoryContext += fmt.Sprintf("\n\n[Active Context Files: %s]", strings.Join(names, ", "))
	}
	memoryContext += fmt.Sprintf("\n\n[%s]", requestChannelContext)

	logger.Info("Memory search complete", "relationship", len(relationshipBlocks), "fragments", len(memories))
	return memoryContext, len(relationshipBlocks), len(memories)
}

// Run drives one full request through the pipeline.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (*models.AgentResponse, error) {
	session := in.Session
	if session == nil {
		session = models.NewAgentSession("default")
	}
	logger := o.logger.With("session_id", session.SessionID)

	resolvedChannel, requestChannelContext := prepareChannelContext(session, in.SourceChannel, in.SourceMetadata)

	events.Phase(in.Emit, session.SessionID, events.PhaseEvaluating, "Evaluating prompt...")
	logger.Info("Run start: evaluating prompt",
		"prompt_len", len(in.Prompt), "images", len(in.Images), "channel", resolvedChannel)

	eval := o.planner.Evaluate(ctx, in.Prompt)
	logger.Info("Evaluator intent", "intent", eval.Intent)
	events.Emit(in.Emit, events.Event{
		Type: events.TypeIntent, SessionID: session.SessionID,
		Data: map[string]any{"intent": eval.Intent},
	})

	events.Phase(in.Emit, session.SessionID, events.PhaseMemory, "Searching memories...")
	memoryContext, relationshipCount, memoryCount := o.buildMemoryContext(eval, in.Prompt, session, requestChannelContext, logger)

	events.Phase(in.Emit, session.SessionID, events.PhaseRouting, "Selecting tools & model...")
	route := o.planner.Route(ctx, in.Prompt, memoryContext, o.registry.Names())

	if in.ModelOverride != "" {
		logger.Info("Applying model override", "override", in.ModelOverride)
		if parts := strings.SplitN(in.ModelOverride, "/", 2); len(parts) == 2 {
			route.Provider, route.ModelName = parts[0], parts[1]
		} else {
			route.Provider, route.ModelName = in.ModelOverride, ""
		}
	}
	logger.Info("Routing decision",
		"provider", route.Provider, "model", route.ModelName, "tools", route.SelectedTools)

	events.Emit(in.Emit, events.Event{
		Type: events.TypePhase, SessionID: session.SessionID, Phase: events.PhaseExecuting,
		Message: "Executing...",
		Data: map[string]any{
			"model": route.Provider + "/" + route.ModelName,
			"tools": route.SelectedTools,
		},
	})

	if o.planner.ShouldRequestPlanApproval(in.Prompt, route, session.SessionID) {
		plan := o.planner.BuildPlan(ctx, in.Prompt, memoryContext, route)
		if len(plan.Steps) >= 2 {
			return o.requestPlanApproval(session, in, plan, route, logger), nil
		}
	}

	response, _, failover, route := o.executeWithRetries(ctx, in, memoryContext, route, session, resolvedChannel, logger)

	if strings.TrimSpace(response) == "" {
		response = "I apologize, but I encountered an unexpected issue and could not generate a response. Please try again."
	}

	if len(session.Messages)-session.LastSummaryIndex >= SummaryInterval {
		logger.Info("Auto-summarize triggered",
			"unsummarized", len(session.Messages)-session.LastSummaryIndex)
		o.SummarizeToShortTerm(ctx, session)
	}
	o.shortTerm.CleanupExpired(session.SessionID)

	metadata := map[string]any{
		"intent":                   eval.Intent,
		"relationship_memory_used": relationshipCount,
		"memory_used":              memoryCount,
		"model_used":               route.Provider + "/" + route.ModelName,
		"tools_used":               route.SelectedTools,
		"source_channel":           resolvedChannel,
	}
	if attempts := failover.Attempts(); len(attempts) > 0 {
		metadata["failover_attempts"] = attempts
	}
	if in.QueueWaitSeconds > 0 {
		metadata["queue_wait_seconds"] = in.QueueWaitSeconds
	}

	events.Emit(in.Emit, events.Event{
		Type: events.TypeComplete, SessionID: session.SessionID,
		Data: map[string]any{"response": response, "metadata": metadata},
	})
	logger.Info("Run complete", "metadata", metadata)

	return &models.AgentResponse{
		Response:    response,
		Metadata:    metadata,
		Session:  session,
	}, nil
}

// requestPlanApproval parks the plan behind a guardian action and
// returns the approval summary instead of executing.
func (o *Orchestrator) requestPlanApproval(session *models.AgentSession, in RunInput, plan models.ExecutionPlan, route models.RouterDecision, logger *slog.Logger) *models.AgentResponse {
	actionID := o.guard.CreatePlanApproval(session.SessionID, in.Prompt, plan)
	events.Emit(in.Emit, events.Event{
		Type: events.TypePhase, SessionID: session.SessionID, Phase: events.PhaseApproval,
		Message: "Plan generated and waiting for approval.",
		Data:    map[string]any{"action_id": actionID},
	})
	logger.Info("Plan approval requested", "action_id", actionID, "steps", len(plan.Steps))

	lines := []string{
		fmt.Sprintf("Execution plan requires approval (Action ID: %s).", actionID),
		fmt.Sprintf("Plan: %s", plan.Name),
	}
	for _, step := range plan.Steps {
		deps := "none"
		if len(step.DependsOn) > 0 {
			deps = strings.Join(step.DependsOn, ", ")
		}
		mode := "dependent"
		if step.Parallelizable {
			mode = "parallel"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s | mode=%s | depends_on=%s | priority=%d",
			step.ID, step.Title, mode, deps, step.Priority))
	}
	lines = append(lines, "Approve via POST /api/v1/agent/approve/{action_id}.")

	return &models.AgentResponse{
		Response: strings.Join(lines, "\n"),
		Metadata: map[string]any{
			"approval_required": true,
			"action_id":         actionID,
			"plan":              plan,
			"model_used":        route.Provider + "/" + route.ModelName,
		},
		Session:  session,
	}
}

// executeWithRetries brackets the execution loop with run registration
// and retries turn-limit hits and classified failures, rotating models
// when the recovery plan says so.
func (o *Orchestrator) executeWithRetries(ctx context.Context, in RunInput, memoryContext string, route models.RouterDecision, session *models.AgentSession, resolvedChannel string, logger *slog.Logger) (string, bool, *llm.FailoverChain, models.RouterDecision) {
	maxAttempts := o.agentCfg.ExecutionMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	handle, err := o.runReg.Register(session.SessionID)
	if err != nil {
		logger.Warn("Existing active run detected for session; attempting cleanup and re-register")
		o.runReg.Complete(session.SessionID, runs.StatusCompleted)
		if handle, err = o.runReg.Register(session.SessionID); err != nil {
			handle = nil
		}
	}
	if handle != nil {
		defer o.runReg.Complete(session.SessionID, runs.StatusCompleted)
	}

	requested := &config.ModelRef{Provider: route.Provider, ModelID: route.ModelName}
	failover := llm.NewFailoverChain(o.executor.catalogue, requested)

	var (
		response string
		hitLimit bool
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		currentPrompt := in.Prompt
		if attempt > 0 {
			logger.Info("Retrying after turn-limit", "attempt", attempt+1, "max_attempts", maxAttempts)
			currentPrompt = in.Prompt + "\n\n[SYSTEM: Your previous attempt used all execution turns. " +
				"Be more efficient: batch operations, use fewer tool calls, and prioritize the most important steps.]"
		}

		result, err := o.executor.Execute(ctx, ExecuteInput{
			Prompt:         currentPrompt,
			Images:         in.Images,
			MemoryContext:  memoryContext,
			Route:          route,
			Session:        session,
			Handle:         handle,
			Failover:       failover,
			Emit:           in.Emit,
			SourceChannel:  resolvedChannel,
			SourceMetadata: in.SourceMetadata,
		})
		if err != nil {
			classified := ClassifyError(err, "executor")
			strategy := RecoveryPlan(classified, attempt+1)
			logger.Warn("Execution error", "attempt", attempt+1, "error", classified, "strategy", strategy)

			if strategy == StrategyRotateModel && !failover.IsExhausted() {
				failover.Advance(err.Error())
				if ref, ok := failover.Current(); ok {
					route.Provider, route.ModelName = ref.Provider, ref.ModelID
					logger.Info("Failover selected", "provider", ref.Provider, "model", ref.ModelID)
				}
			} else if strategy == StrategyAbort {
				break
			}
			response, hitLimit = "", false
			continue
		}

		response, hitLimit = result.FinalAnswer, result.HitTurnLimit
		if !hitLimit {
			break
		}
	}
	return response, hitLimit, failover, route
}

// SummarizeToShortTerm condenses unsummarized history into a
// short-term memory entry, optionally promoting one fact to long-term
// memory. The summary index always advances, even on failure, so a
// broken meta-model cannot wedge summarization.
func (o *Orchestrator) SummarizeToShortTerm(ctx context.Context, session *models.AgentSession) {
	logger := o.logger.With("session_id", session.SessionID, "event", "summary")

	startIdx := session.LastSummaryIndex
	endIdx := len(session.Messages)
	if endIdx-startIdx < SummaryInterval {
		return
	}

	var transcriptLines []string
	for _, msg := range session.Messages[startIdx:endIdx] {
		content := strings.TrimSpace(msg.TextContent())
		if content == "" {
			continue
		}
		if msg.Role == models.RoleTool && len(content) > 300 {
			content = content[:300] + "..."
		}
		transcriptLines = append(transcriptLines, strings.ToUpper(string(msg.Role))+": "+content)
	}
	if len(transcriptLines) == 0 {
		session.LastSummaryIndex = endIdx
		return
	}

	summaryPrompt := fmt.Sprintf(`Summarize this conversation segment into a concise paragraph (2-4 sentences).
Focus on: what the user asked for, what actions were taken, what results were produced, and any important decisions or facts mentioned.
Do NOT include greetings or filler. Be factual and specific.

Also determine if anything in this conversation is significant enough to be a LONG-TERM MEMORY.
Long-term memories are: user preferences, important facts about the user, key decisions, learned capabilities, or critical information that should be remembered permanently.

Respond in this JSON format:
{
  "summary": "The concise summary of this conversation segment.",
  "long_term_memory": null or "A specific fact/preference worth remembering permanently."
}

CONVERSATION:
%s`, strings.Join(transcriptLines, "\n"))

	timeoutSeconds := o.agentCfg.LLMTimeoutSeconds
	if timeoutSeconds > 6 {
		timeoutSeconds = 6
	}
	if timeoutSeconds < 5 {
		timeoutSeconds = 5
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	reply, err := o.meta.Invoke(callCtx, []models.Message{models.NewUserMessage(summaryPrompt)})
	if err != nil {
		logger.Warn("Summarization error", "error", err)
		session.LastSummaryIndex = endIdx
		return
	}

	content := reply.TextContent()
	summary := content
	longTerm := ""
	if raw, err := extractJSON(content); err == nil {
		var parsed struct {
			Summary        string  `json:"summary"`
			LongTermMemory *string `json:"long_term_memory"`
		}
		if json.Unmarshal([]byte(raw), &parsed) == nil {
			if parsed.Summary != "" {
				summary = parsed.Summary
			}
			if parsed.LongTermMemory != nil {
				longTerm = *parsed.LongTermMemory
			}
		}
	}

	msgRange := fmt.Sprintf("messages %d-%d", startIdx+1, endIdx)
	if err := o.shortTerm.Add(session.SessionID, summary, msgRange); err != nil {
		logger.Warn("Short-term memory save failed", "error", err)
	} else {
		logger.Info("Short-term memory saved", "preview", truncatePreview(summary, 80))
	}

	longTerm = strings.TrimSpace(longTerm)
	if longTerm != "" && strings.ToLower(longTerm) != "null" && strings.ToLower(longTerm) != "none" {
		ltPath := fmt.Sprintf("long_term/%s/auto_%d", session.SessionID, endIdx)
		if err := o.memIndex.AddMemory(ltPath, longTerm); err != nil {
			logger.Warn("Long-term memory save failed", "path", ltPath, "error", err)
		} else {
			logger.Info("Long-term memory saved", "path", ltPath, "preview", truncatePreview(longTerm, 80))
		}
	}

	session.LastSummaryIndex = endIdx
}
