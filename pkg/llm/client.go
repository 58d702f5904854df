// Package llm provides the provider-facing chat model abstraction: SDK
// adapters for OpenAI-compatible and Anthropic endpoints, the active-model
// catalogue with alias resolution, and the per-run failover chain.
package llm

import (
	"context"
	"fmt"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// ToolDef describes one tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	// Schema is the JSON schema for the tool arguments.
	Schema map[string]any
}

// ChatModel is the minimal surface the execution loop needs from a
// provider SDK: bind a tool set, invoke with a message list, get one
// assistant message back.
type ChatModel interface {
	// Invoke sends the conversation and returns the assistant reply.
	Invoke(ctx context.Context, messages []models.Message) (models.Message, error)
	// BindTools returns a copy of the model with the given tools attached.
	// The receiver is not modified.
	BindTools(tools []ToolDef) (ChatModel, error)
	Provider() string
	ModelID() string
}

// ProviderError wraps an SDK error together with the HTTP status, when
// one was observed. The error classifier probes for StatusCode.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status associated with the failure, or 0.
func (e *ProviderError) StatusCode() int { return e.Status }
