package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thebobhuff/Astromech-Agent/pkg/events"
	"github.com/thebobhuff/Astromech-Agent/pkg/llm"
	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

type invokeParams struct {
	current       llm.ChatModel
	messages      *[]models.Message
	failover      *llm.FailoverChain
	toolsBound    bool
	toolsToBind   []llm.ToolDef
	executorModel *llm.ChatModel
	boundModel    *llm.ChatModel
	turn          int
	route         models.RouterDecision
	systemPrompt  string
	emit          events.Emitter
	sessionID     string
	logger        *slog.Logger
}

// invokeWithRecovery calls the model and recovers in place from
// classified failures: rotate through the failover chain (skipping
// tool-unfriendly providers while tools are bound), retry once on a
// reduced context, or surface the error as the final answer. A true
// retryTurn means the caller should re-run the same turn on the
// swapped-in model.
func (e *Executor) invokeWithRecovery(ctx context.Context, p invokeParams) (aiMsg models.Message, retryTurn bool, errAnswer string) {
	aiMsg, invokeErr := e.invokeWithDeadline(ctx, p.current, *p.messages)
	if invokeErr == nil {
		return aiMsg, false, ""
	}

	classified := ClassifyError(invokeErr, "llm.invoke")
	strategy := RecoveryPlan(classified, p.turn+1)
	p.logger.Warn("LLM invoke error", "error", classified, "strategy", strategy)

	if (strategy == StrategyRotateModel || strategy == StrategyCompactContext) &&
		p.failover != nil && !p.failover.IsExhausted() {
		var skip map[string]bool
		if p.toolsBound {
			skip = e.catalogue.ToolUnfriendlyProviders()
		}
		if p.failover.AdvanceSkipping(invokeErr.Error(), skip) {
			if ref, ok := p.failover.Current(); ok {
				if newModel, err := e.catalogue.New(ref.Provider, ref.ModelID); err == nil {
					*p.executorModel = newModel
					if p.toolsBound {
						*p.boundModel = e.bindWithFallback(newModel, p.toolsToBind)
					} else {
						*p.boundModel = newModel
					}

					if ref.Provider != p.route.Provider {
						p.logger.Info("Provider changed, rebuilding system prompt",
							"from", p.route.Provider, "to", ref.Provider)
						note := fmt.Sprintf("\n\n[SYSTEM NOTE: You are running on %s/%s. Respond concisely.]",
							ref.Provider, ref.ModelID)
						msgs := *p.messages
						for i, m := range msgs {
							if m.Role == models.RoleSystem {
								msgs[i] = models.NewSystemMessage(p.systemPrompt + note)
								break
							}
						}
					}

					p.logger.Info("Failover mid-loop", "provider", ref.Provider, "model", ref.ModelID)
					events.Phase(p.emit, p.sessionID, events.PhaseRecovery,
						fmt.Sprintf("Model failover to %s/%s", ref.Provider, ref.ModelID))
					return models.Message{}, true, ""
				}
			}
		}
	}

	if strategy == StrategyReduceContext || len(*p.messages) > 5 {
		p.logger.Info("Retrying with reduced context")
		events.Phase(p.emit, p.sessionID, events.PhaseRecovery, "Retrying with reduced context")

		var trimmed []models.Message
		var nonSystem []models.Message
		for _, m := range *p.messages {
			if m.Role == models.RoleSystem {
				trimmed = append(trimmed, m)
			} else {
				nonSystem = append(nonSystem, m)
			}
		}
		if len(nonSystem) > 4 {
			nonSystem = nonSystem[len(nonSystem)-4:]
		}
		trimmed = append(trimmed, nonSystem...)

		if retried, err := e.invokeWithDeadline(ctx, p.current, trimmed); err == nil {
			return retried, false, ""
		} else {
			p.logger.Error("Reduced-context retry failed", "error", err)
		}
	}

	return models.Message{}, false, fmt.Sprintf("I encountered an error communicating with the LLM: %v", invokeErr)
}
