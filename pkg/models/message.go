package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "ai"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multimodal message body.
// Type is either "text" or "image_ref".
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
}

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// UnmarshalJSON accepts both "id" and "tool_call_id" for the call
// identifier; persisted histories contain both spellings.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string         `json:"id"`
		ToolCallID string         `json:"tool_call_id"`
		Name       string         `json:"name"`
		Args       map[string]any `json:"args"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tc.ID = raw.ID
	if tc.ID == "" {
		tc.ID = raw.ToolCallID
	}
	tc.Name = raw.Name
	tc.Args = raw.Args
	return nil
}

// Message is one entry in a session conversation history.
//
// Content carries plain text; Parts, when non-empty, carries an ordered
// multimodal body and takes precedence over Content on the wire.
// Additional is a provider-opaque map preserved across persistence
// round-trips (e.g. thought signatures).
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Additional map[string]any `json:"additional_kwargs,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds a plain-text assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// NewToolMessage builds a tool-result message for the given call.
func NewToolMessage(content, callID, toolName string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		ToolName:   toolName,
		Timestamp:  time.Now().UTC(),
	}
}

// HasToolCalls reports whether the message requests tool invocations.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// TextContent returns the textual body of the message. For multimodal
// messages the text parts are concatenated in order.
func (m Message) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
