package models

import "time"

// MaxSessionMessages bounds the persisted history per session. Overflow
// drops the oldest messages.
const MaxSessionMessages = 200

// AgentSession is the persistent conversation state for one session id.
type AgentSession struct {
	SessionID        string         `json:"session_id"`
	Messages         []Message      `json:"messages"`
	ContextFiles     []string       `json:"context_files,omitempty"`
	LastSummaryIndex int            `json:"last_summary_index"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewAgentSession returns an empty session for the given id.
func NewAgentSession(sessionID string) *AgentSession {
	now := time.Now().UTC()
	return &AgentSession{
		SessionID: sessionID,
		Messages:  []Message{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a message and stamps the session.
func (s *AgentSession) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// TrimMessages enforces MaxSessionMessages by dropping the oldest
// messages. LastSummaryIndex is decremented by the overflow so the
// summarization cursor keeps pointing at the same logical message,
// never going below zero.
func (s *AgentSession) TrimMessages() {
	overflow := len(s.Messages) - MaxSessionMessages
	if overflow <= 0 {
		return
	}
	s.Messages = append([]Message(nil), s.Messages[overflow:]...)
	s.LastSummaryIndex -= overflow
	if s.LastSummaryIndex < 0 {
		s.LastSummaryIndex = 0
	}
}
