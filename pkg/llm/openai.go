package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// openAIModel drives any OpenAI-compatible chat completion endpoint
// (openai, openrouter, deepseek, kimi, nvidia, gemini's compat layer,
// local ollama).
type openAIModel struct {
	client   *openai.Client
	provider string
	model    string
	tools    []openai.Tool
}

func newOpenAIModel(provider, modelID, apiKey, baseURL string) *openAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAIModel{
		client:   openai.NewClientWithConfig(cfg),
		provider: provider,
		model:    modelID,
	}
}

func (m *openAIModel) Provider() string { return m.provider }
func (m *openAIModel) ModelID() string  { return m.model }

func (m *openAIModel) BindTools(tools []ToolDef) (ChatModel, error) {
	encoded := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tool definition missing name")
		}
		encoded = append(encoded, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	bound := *m
	bound.tools = encoded
	return &bound, nil
}

func (m *openAIModel) Invoke(ctx context.Context, messages []models.Message) (models.Message, error) {
	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: encodeOpenAIMessages(messages),
		Tools:    m.tools,
	}
	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.Message{}, wrapOpenAIError(m.provider, err)
	}
	if len(resp.Choices) == 0 {
		return models.Message{}, &ProviderError{Provider: m.provider, Err: errors.New("empty choices in chat completion")}
	}
	return decodeOpenAIMessage(resp.Choices[0].Message), nil
}

func encodeOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleUser:
			cm := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			if len(msg.Parts) > 0 {
				for _, p := range msg.Parts {
					switch p.Type {
					case "text":
						cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeText,
							Text: p.Text,
						})
					case "image_ref":
						cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: p.ImageRef},
						})
					}
				}
			} else {
				cm.Content = msg.Content
			}
			out = append(out, cm)
		case models.RoleAssistant:
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, cm)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				Name:       msg.ToolName,
			})
		}
	}
	return out
}

func decodeOpenAIMessage(msg openai.ChatCompletionMessage) models.Message {
	out := models.NewAssistantMessage(msg.Content)
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Malformed arguments still reach the tool runner so the
				// model can be told what it sent.
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

func wrapOpenAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: provider, Status: apiErr.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Provider: provider, Err: fmt.Errorf("chat completion: %w", err)}
}
