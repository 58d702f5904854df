package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/guardian"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
	"github.com/thebobhuff/Astromech-Agent/pkg/tools"
)

// retryableToolMarkers name transient failure modes worth retrying.
var retryableToolMarkers = []string{
	"timeout", "timed out", "temporarily", "temporary", "429", "rate limit",
	"connection reset", "connection refused", "service unavailable", "gateway", "dns",
}

func isRetryableToolError(err error) bool {
	text := strings.ToLower(err.Error())
	for _, m := range retryableToolMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ToolResultPreview is the per-tool summary sent on tool_done events.
type ToolResultPreview struct {
	Tool    string `json:"tool"`
	Preview string `json:"preview"`
}

// ToolRunner executes tool-call batches: guardian gate, per-call
// deadline, bounded retries, concurrent dispatch with ordered results.
type ToolRunner struct {
	registry      *tools.Registry
	guard         *guardian.Guardian
	toolTimeout   time.Duration
	retryAttempts int
	logger        *slog.Logger
}

// NewToolRunner wires a runner over the tool registry.
func NewToolRunner(registry *tools.Registry, guard *guardian.Guardian, toolTimeout time.Duration, retryAttempts int, logger *slog.Logger) *ToolRunner {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRunner{
		registry:      registry,
		guard:         guard,
		toolTimeout:   toolTimeout,
		retryAttempts: retryAttempts,
		logger:        logger.With("component", "tool_runner"),
	}
}

// executeSingle runs one call through the guardian and the retry loop.
// Failures become the tool's result text, never an error; only the
// model sees them.
func (tr *ToolRunner) executeSingle(ctx context.Context, sessionID string, turn int, call models.ToolCall, emit events.Emitter) models.Message {
	tr.logger.Info("Executing tool", "session_id", sessionID, "turn", turn+1, "tool", call.Name)

	allowed, reason, actionID := tr.guard.ValidateToolCall(call.Name, call.Args)
	if !allowed {
		tr.logger.Warn("Guardian blocked tool call", "session_id", sessionID, "tool", call.Name, "reason", reason)
		return models.NewToolMessage(guardian.DenialMessage(reason, actionID), call.ID, call.Name)
	}

	tool, _ := tr.registry.Get(call.Name)
	var output string
	var lastErr error
	for attempt := 1; attempt <= tr.retryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, tr.toolTimeout)
		result, err := tool.Invoke(callCtx, call.Args)
		cancel()
		if err == nil {
			output, lastErr = result, nil
			break
		}
		lastErr = err
		if attempt >= tr.retryAttempts || !isRetryableToolError(err) {
			break
		}
		delay := time.Duration(min(0.75*float64(attempt), 3.0) * float64(time.Second))
		tr.logger.Warn("Tool failed, retrying", "tool", call.Name,
			"attempt", attempt, "max_attempts", tr.retryAttempts, "delay", delay, "error", err)
		events.Phase(emit, sessionID, events.PhaseRecovery,
			fmt.Sprintf("Recovering from tool error: retrying %s (%d/%d)", call.Name, attempt+1, tr.retryAttempts))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = tr.retryAttempts
		}
	}
	if lastErr != nil {
		output = fmt.Sprintf("Error executing tool %s: %v", call.Name, lastErr)
	}
	return models.NewToolMessage(output, call.ID, call.Name)
}

// ExecuteBatch dispatches the calls of one assistant message. Known
// tools run concurrently; results are appended in the original call
// order. Unknown tools yield an error result without failing the
// batch.
func (tr *ToolRunner) ExecuteBatch(ctx context.Context, sessionID string, turn int, calls []models.ToolCall, emit events.Emitter) ([]models.Message, []ToolResultPreview, []string) {
	var validCalls, invalidCalls []models.ToolCall
	for _, call := range calls {
		if _, ok := tr.registry.Get(call.Name); ok {
			validCalls = append(validCalls, call)
		} else {
			invalidCalls = append(invalidCalls, call)
		}
	}

	results := make([]models.Message, len(validCalls))
	var wg sync.WaitGroup
	for i, call := range validCalls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = tr.executeSingle(ctx, sessionID, turn, call, emit)
		}(i, call)
	}
	wg.Wait()

	toolMessages := make([]models.Message, 0, len(calls))
	previews := make([]ToolResultPreview, 0, len(validCalls))
	usedTools := make([]string, 0, len(validCalls))
	for i, call := range validCalls {
		toolMessages = append(toolMessages, results[i])
		preview := results[i].Content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		previews = append(previews, ToolResultPreview{Tool: call.Name, Preview: preview})
		usedTools = append(usedTools, call.Name)
	}
	for _, call := range invalidCalls {
		toolMessages = append(toolMessages,
			models.NewToolMessage(fmt.Sprintf("Error: Tool '%s' not found.", call.Name), call.ID, call.Name))
	}
	return toolMessages, previews, usedTools
}
