package models

// AgentResponse is the result of one orchestrator run: the final answer,
// run metadata, and the updated session to persist.
type AgentResponse struct {
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata"`
	Session  *AgentSession  `json:"-"`
}
