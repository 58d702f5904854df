package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/memory"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/runs"
	"github.com/thebobhuff/Astromech-Agent/pkg/tools"
)

// MaxTurns bounds the inner execution loop. The registry's max-turn
// watchdog is a separate, higher hard cap.
const MaxTurns = 30

// coreTools are always offered to the executor model on top of the
// router's selection.
var coreTools = map[string]bool{
	"web_search":           true,
	"read_local_file":      true,
	"write_local_file":     true,
	"replace_text_in_file": true,
	"terminal":             true,
	"run_python_code":      true,
	"save_memory":          true,
	"visit_webpage":        true,
}

// emergencyTools is the minimal file-editing subset bound when the
// full set fails to bind.
var emergencyTools = map[string]bool{
	"read_local_file":      true,
	"write_local_file":     true,
	"replace_text_in_file": true,
	"terminal":             true,
}

// Executor drives the bounded tool-calling turn loop for one run.
type Executor struct {
	registry   *tools.Registry
	toolRunner *ToolRunner
	ctxMgr     *ContextManager
	catalogue  *llm.Catalogue
	runReg     *runs.Registry
	shortTerm  *memory.ShortTermStore
	agentCfg   config.AgentConfig
	llmCfg     config.LLMConfig
	logger     *slog.Logger

	// resolveModel is swapped out in tests.
	resolveModel func(models.RouterDecision, *llm.FailoverChain) (llm.ChatModel, error)
}

// NewExecutor wires an executor.
func NewExecutor(
	registry *tools.Registry,
	toolRunner *ToolRunner,
	ctxMgr *ContextManager,
	catalogue *llm.Catalogue,
	runReg *runs.Registry,
	shortTerm *memory.ShortTermStore,
	agentCfg config.AgentConfig,
	llmCfg config.LLMConfig,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry:   registry,
		toolRunner: toolRunner,
		ctxMgr:     ctxMgr,
		catalogue:  catalogue,
		runReg:     runReg,
		shortTerm:  shortTerm,
		agentCfg:   agentCfg,
		llmCfg:     llmCfg,
		logger:     logger.With("component", "executor"),
	}
	e.resolveModel = e.resolveExecutorModel
	return e
}

// ExecuteInput carries everything one loop run needs.
type ExecuteInput struct {
	Prompt         string
	Images         []string
	MemoryContext  string
	Route          models.RouterDecision
	Session        *models.AgentSession
	Handle         *runs.Handle
	Failover       *llm.FailoverChain
	Emit           events.Emitter
	SourceChannel  string
	SourceMetadata map[string]any
}

// ExecuteResult is the loop outcome.
type ExecuteResult struct {
	FinalAnswer  string
	HitTurnLimit bool
}

// llmTimeout clamps the per-invoke deadline so failover can kick in
// before the caller gives up.
func (e *Executor) llmTimeout() time.Duration {
	t := e.agentCfg.LLMTimeoutSeconds
	if t > 30 {
		t = 30
	}
	if t < 1 {
		t = 1
	}
	return time.Duration(t) * time.Second
}

// invokeWithDeadline races the model call against a timeout. Provider
// SDKs may ignore cancellation, so the losing goroutine is detached
// and its eventual result drained through the buffered channel.
func (e *Executor) invokeWithDeadline(ctx context.Context, model llm.ChatModel, messages []models.Message) (models.Message, error) {
	type invokeResult struct {
		msg models.Message
		err error
	}
	callCtx, cancel := context.WithTimeout(ctx, e.llmTimeout())
	resultCh := make(chan invokeResult, 1)
	go func() {
		defer cancel()
		msg, err := model.Invoke(callCtx, messages)
		resultCh <- invokeResult{msg, err}
	}()

	timer := time.NewTimer(e.llmTimeout())
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.msg, res.err
	case <-timer.C:
		cancel()
		return models.Message{}, fmt.Errorf("LLM invocation timed out after %s", e.llmTimeout())
	}
}

// defaultModel resolves the configured default executor model.
func (e *Executor) defaultModel() (llm.ChatModel, error) {
	if ref, ok := e.catalogue.ResolveAlias("default"); ok {
		return e.catalogue.New(ref.Provider, ref.ModelID)
	}
	if ref, ok := e.catalogue.DefaultForProvider(e.llmCfg.DefaultProvider); ok {
		return e.catalogue.New(ref.Provider, ref.ModelID)
	}
	return e.catalogue.New(e.llmCfg.DefaultProvider, "")
}

// resolveExecutorModel prefers the failover chain's current candidate,
// falling back to the router's provider/model.
func (e *Executor) resolveExecutorModel(route models.RouterDecision, failover *llm.FailoverChain) (llm.ChatModel, error) {
	if failover != nil && !failover.IsExhausted() {
		if ref, ok := failover.Current(); ok {
			if model, err := e.catalogue.New(ref.Provider, ref.ModelID); err == nil {
				return model, nil
			}
		}
	}

	modelName := route.ModelName
	if modelName != "" {
		if strings.Contains(modelName, "/") && !strings.HasPrefix(modelName, "models/") {
			if parts := strings.SplitN(modelName, "/", 2); len(parts) == 2 {
				modelName = parts[1]
			}
		}
		if strings.Contains(strings.ToLower(modelName), "default") {
			modelName = ""
		}
	}
	provider := llm.NormalizeProvider(route.Provider)
	if strings.Contains(provider, "default") {
		provider = ""
	}
	if provider == "" {
		return e.defaultModel()
	}
	// Ollama only when explicitly configured as the default; the router
	// sometimes picks it for no reason.
	if provider == "ollama" && e.llmCfg.DefaultProvider != "ollama" {
		return e.defaultModel()
	}
	return e.catalogue.New(provider, modelName)
}

// selectToolsToBind computes the bound tool set: core tools plus the
// router's selection; fewer than three means bind everything.
func (e *Executor) selectToolsToBind(route models.RouterDecision) []llm.ToolDef {
	selected := make(map[string]bool, len(coreTools)+len(route.SelectedTools))
	for name := range coreTools {
		selected[name] = true
	}
	for _, name := range route.SelectedTools {
		selected[name] = true
	}

	var defs []llm.ToolDef
	for _, t := range e.registry.All() {
		if selected[t.Name()] {
			defs = append(defs, llm.ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
		}
	}
	if len(defs) < 3 {
		defs = defs[:0]
		for _, t := range e.registry.All() {
			defs = append(defs, llm.ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
		}
	}
	return defs
}

// bindWithFallback binds tools, retrying with the emergency subset and
// finally running unbound.
func (e *Executor) bindWithFallback(model llm.ChatModel, defs []llm.ToolDef) llm.ChatModel {
	if len(defs) == 0 {
		return model
	}
	bound, err := model.BindTools(defs)
	if err == nil {
		e.logger.Info("Bound tools to executor model", "count", len(defs))
		return bound
	}
	e.logger.Error("Tool binding failed", "count", len(defs), "error", err)

	var emergency []llm.ToolDef
	for _, d := range defs {
		if emergencyTools[d.Name] {
			emergency = append(emergency, d)
		}
	}
	if len(emergency) > 0 {
		if bound, err := model.BindTools(emergency); err == nil {
			e.logger.Info("Bound emergency tool set", "count", len(emergency))
			return bound
		}
		e.logger.Error("Emergency tool binding failed, running unbound")
	}
	return model
}

// buildUserMessage turns the prompt (plus optional images) into the
// current user turn. Local images are inlined as base64 data URLs;
// http(s) URLs pass through.
func buildUserMessage(prompt string, images []string, logger *slog.Logger) models.Message {
	if len(images) == 0 {
		return models.NewUserMessage(prompt)
	}
	parts := []models.ContentPart{{Type: "text", Text: prompt}}
	for _, img := range images {
		if _, err := os.Stat(img); err == nil {
			data, err := os.ReadFile(img)
			if err != nil {
				logger.Warn("Failed to read image", "path", img, "error", err)
				continue
			}
			mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(img)))
			if mimeType == "" {
				mimeType = "image/jpeg"
			}
			encoded := base64.StdEncoding.EncodeToString(data)
			parts = append(parts, models.ContentPart{
				Type:     "image_ref",
				ImageRef: fmt.Sprintf("data:%s;base64,%s", mimeType, encoded),
			})
			continue
		}
		if strings.HasPrefix(img, "http") {
			parts = append(parts, models.ContentPart{Type: "image_ref", ImageRef: img})
		}
	}
	msg := models.Message{Role: models.RoleUser, Parts: parts, Timestamp: time.Now().UTC()}
	return msg
}

func isHallucinatedToolText(answer string) bool {
	lower := strings.ToLower(answer)
	if strings.Contains(lower, "**tool call**") {
		return true
	}
	return strings.Contains(lower, "executing tool") && len(answer) < 200
}

func isPlaceholderText(answer string) bool {
	switch strings.ToLower(strings.Trim(answer, "() ")) {
	case "empty response", "calling tools", "thinking", "continued", "system":
		return true
	}
	return false
}

// batchSignature canonicalizes a tool-call batch for loop detection.
func batchSignature(calls []models.ToolCall) string {
	sigs := make([]string, 0, len(calls))
	for _, call := range calls {
		keys := make([]string, 0, len(call.Args))
		for k := range call.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(call.Name)
		sb.WriteByte('(')
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s=%v,", k, call.Args[k])
		}
		sb.WriteByte(')')
		sigs = append(sigs, sb.String())
	}
	return strings.Join(sigs, "|")
}

// canned loop-control directives.
const (
	wrapUpDirective = "[SYSTEM: You are running low on execution capacity. Wrap up NOW and provide your final response to the user. Do NOT make any more tool calls - respond with text only.]"

	hallucinationTrapDirective = "[SYSTEM: You output a text description/simulation of a tool call, but you did NOT execute the real tool. STOP simulating. USE THE NATIVE TOOL (e.g. 'terminal', 'write_local_file') to execute this action immediately. Do not just say you are doing it.]"

	synthesizeNudge = "[SYSTEM: You just received tool results above. Now synthesize those results into a clear, helpful response for the user. Do NOT call any more tools - respond with text only.]"

	emptyNudge = "[SYSTEM: Your previous response was empty. Please provide a substantive response to the user's request.]"

	loopBreakDirective = "[SYSTEM: You are stuck in a loop, calling the same tools repeatedly with the same arguments. STOP calling tools. Respond with TEXT only - summarize what you have so far and ask the user for clarification if needed.]"

	emptyAnswerFallback = "I wasn't able to generate a response. Please try again or rephrase your request."
)

// Execute runs the turn loop and persists the turn history into the
// session.
func (e *Executor) Execute(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	logger := e.logger.With("session_id", in.Session.SessionID)

	executorModel, err := e.resolveModel(in.Route, in.Failover)
	if err != nil {
		if executorModel, err = e.defaultModel(); err != nil {
			return nil, fmt.Errorf("resolve executor model: %w", err)
		}
	}
	toolsToBind := e.selectToolsToBind(in.Route)
	boundModel := e.bindWithFallback(executorModel, toolsToBind)

	fullSystemPrompt := buildSystemPrompt(in.MemoryContext, in.SourceChannel, in.SourceMetadata)
	shortTermCtx := ""
	if e.shortTerm != nil {
		shortTermCtx = e.shortTerm.TodayContext(in.Session.SessionID)
	}
	messages := e.ctxMgr.OptimizeContext(fullSystemPrompt, in.Session.Messages, in.Prompt, in.Session.ContextFiles, shortTermCtx)

	userMsg := buildUserMessage(in.Prompt, in.Images, logger)
	messages = append(messages, userMsg)
	turnHistory := []models.Message{userMsg}

	var (
		finalAnswer      string
		haveAnswer       bool
		recentSignatures []string
		nudgeCount       int
		wrapUpInjected   bool
	)

	appendBoth := func(msg models.Message) {
		messages = append(messages, msg)
		turnHistory = append(turnHistory, msg)
	}

	turn := 0
	for turn < MaxTurns {
		turnLogger := logger.With("turn", turn+1)

		if in.Handle != nil {
			select {
			case <-in.Handle.AbortChan():
				reason := in.Handle.Reason
				if reason == "" {
					reason = "user request"
				}
				turnLogger.Info("Run aborted by registry", "reason", reason)
				finalAnswer, haveAnswer = fmt.Sprintf("[Run cancelled: %s]", reason), true
			default:
			}
			if haveAnswer {
				break
			}

			for _, steer := range e.runReg.DrainSteer(in.Session.SessionID) {
				steerMsg := models.NewUserMessage("[USER STEERING]: " + steer)
				appendBoth(steerMsg)
				turnLogger.Info("Injected steer message", "preview", truncatePreview(steer, 80))
			}
			e.runReg.UpdateTurn(in.Session.SessionID, turn+1)
		}

		currentModel := boundModel
		if turn >= MaxTurns-2 {
			currentModel = executorModel
			if turn == MaxTurns-2 && !wrapUpInjected {
				appendBoth(models.NewUserMessage(wrapUpDirective))
				wrapUpInjected = true
			}
		}

		messages = e.ctxMgr.Sanitize(messages)
		turnLogger.Info("Invoking LLM", "messages", len(messages), "max_turns", MaxTurns)

		aiMsg, retryTurn, errAnswer := e.invokeWithRecovery(ctx, invokeParams{
			current:       currentModel,
			messages:      &messages,
			failover:      in.Failover,
			toolsBound:    len(toolsToBind) > 0,
			toolsToBind:   toolsToBind,
			executorModel: &executorModel,
			boundModel:    &boundModel,
			turn:          turn,
			route:         in.Route,
			systemPrompt:  fullSystemPrompt,
			emit:          in.Emit,
			sessionID:     in.Session.SessionID,
			logger:        turnLogger,
		})
		if retryTurn {
			continue
		}
		if errAnswer != "" {
			finalAnswer, haveAnswer = errAnswer, true
			break
		}

		if !aiMsg.HasToolCalls() {
			answer := aiMsg.TextContent()

			if answer != "" && isHallucinatedToolText(answer) {
				turnLogger.Warn("Detected hallucinated tool call text", "preview", truncatePreview(answer, 100))
				appendBoth(models.NewUserMessage(hallucinationTrapDirective))
				turn++
				continue
			}
			if answer != "" && isPlaceholderText(answer) {
				turnLogger.Warn("LLM parroted placeholder", "answer", answer)
				answer = ""
			}
			if answer == "" {
				turnLogger.Warn("LLM returned empty content")
				if nudgeCount < 3 {
					nudge := emptyNudge
					for _, m := range turnHistory {
						if m.Role == models.RoleTool {
							nudge = synthesizeNudge
							break
						}
					}
					appendBoth(models.NewUserMessage(nudge))
					nudgeCount++
					turn++
					continue
				}
				answer = "I processed your request but wasn't able to generate a response. Please try rephrasing or starting a new session."
			}
			finalAnswer, haveAnswer = answer, true
			break
		}

		// Tool path.
		toolNames := make([]string, 0, len(aiMsg.ToolCalls))
		for _, call := range aiMsg.ToolCalls {
			toolNames = append(toolNames, call.Name)
		}
		turnLogger.Info("Tool call batch detected", "count", len(aiMsg.ToolCalls), "tools", toolNames)
		events.Emit(in.Emit, events.Event{
			Type: events.TypeToolStart, SessionID: in.Session.SessionID,
			Data: map[string]any{"turn": turn + 1, "tools": toolNames},
		})

		recentSignatures = append(recentSignatures, batchSignature(aiMsg.ToolCalls))
		if n := len(recentSignatures); n >= 3 &&
			recentSignatures[n-1] == recentSignatures[n-2] && recentSignatures[n-2] == recentSignatures[n-3] {
			turnLogger.Warn("Tool-call loop detected; same calls repeated for 3 turns")
			appendBoth(models.NewUserMessage(loopBreakDirective))
			messages = e.ctxMgr.Sanitize(messages)
			if forced, err := e.invokeWithDeadline(ctx, executorModel, messages); err == nil {
				finalAnswer = forced.TextContent()
			} else {
				turnLogger.Warn("Forced text after loop detection failed", "error", err)
			}
			haveAnswer = true
			break
		}

		if strings.TrimSpace(aiMsg.TextContent()) == "" {
			aiMsg.Content = "(calling tools)"
			aiMsg.Parts = nil
		}
		appendBoth(aiMsg)

		toolMessages, previews, validNames := e.toolRunner.ExecuteBatch(ctx, in.Session.SessionID, turn, aiMsg.ToolCalls, in.Emit)
		for _, tm := range toolMessages {
			appendBoth(tm)
		}
		if len(validNames) > 0 {
			events.Emit(in.Emit, events.Event{
				Type: events.TypeToolDone, SessionID: in.Session.SessionID,
				Data: map[string]any{"turn": turn + 1, "results": previews},
			})
		}
		turn++
	}

	return e.finalize(ctx, in, messages, turnHistory, finalAnswer, haveAnswer, executorModel, logger)
}

// finalize forces a last text answer when the loop ran out of turns,
// substitutes the canned fallback for empty answers (eliding the empty
// assistant turn from history), and persists the turn history.
func (e *Executor) finalize(ctx context.Context, in ExecuteInput, messages, turnHistory []models.Message, finalAnswer string, haveAnswer bool, executorModel llm.ChatModel, logger *slog.Logger) (*ExecuteResult, error) {
	hitTurnLimit := false
	if !haveAnswer {
		hitTurnLimit = true
		logger.Warn("Max turns reached; forcing final text response", "max_turns", MaxTurns)
		statusPrompt := fmt.Sprintf(
			"SYSTEM: You have used all %d execution turns. You MUST respond with text now - absolutely no tool calls. Provide a complete response based on everything you accomplished. Include any partial results and next steps if applicable.",
			MaxTurns,
		)
		messages = append(messages, models.NewUserMessage(statusPrompt))
		messages = e.ctxMgr.Sanitize(messages)
		if forced, err := e.invokeWithDeadline(ctx, executorModel, messages); err == nil {
			finalAnswer = forced.TextContent()
		} else {
			logger.Warn("Post-loop summary failed", "error", err)
		}
	}

	toSave := turnHistory
	if strings.TrimSpace(finalAnswer) == "" {
		finalAnswer = emptyAnswerFallback
		toSave = nil
		for _, m := range turnHistory {
			if m.Role != models.RoleAssistant {
				toSave = append(toSave, m)
			}
		}
	} else {
		toSave = append(toSave, models.NewAssistantMessage(finalAnswer))
	}

	for _, m := range toSave {
		in.Session.AddMessage(m)
	}
	in.Session.TrimMessages()

	return &ExecuteResult{
		FinalAnswer:  finalAnswer,
		HitTurnLimit: hitTurnLimit,
	}, nil
}

func truncatePreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
