package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

const anthropicMaxTokens = 8192

// anthropicModel drives the Anthropic Messages API.
type anthropicModel struct {
	client sdk.Client
	model  string
	tools  []sdk.ToolUnionParam
}

func newAnthropicModel(_ string, modelID, apiKey string) *anthropicModel {
	return &anthropicModel{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  modelID,
	}
}

func (m *anthropicModel) Provider() string { return "anthropic" }
func (m *anthropicModel) ModelID() string  { return m.model }

func (m *anthropicModel) BindTools(tools []ToolDef) (ChatModel, error) {
	encoded := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tool definition missing name")
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Schema}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		encoded = append(encoded, u)
	}
	bound := *m
	bound.tools = encoded
	return &bound, nil
}

func (m *anthropicModel) Invoke(ctx context.Context, messages []models.Message) (models.Message, error) {
	conversation, system := encodeAnthropicMessages(messages)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(m.tools) > 0 {
		params.Tools = m.tools
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return models.Message{}, &ProviderError{Provider: "anthropic", Status: apiErr.StatusCode, Err: err}
		}
		return models.Message{}, &ProviderError{Provider: "anthropic", Err: fmt.Errorf("messages.new: %w", err)}
	}
	return decodeAnthropicMessage(msg), nil
}

func encodeAnthropicMessages(messages []models.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	var system []sdk.TextBlockParam

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
			}
		case models.RoleUser:
			blocks := encodeUserBlocks(msg)
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		case models.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case models.RoleTool:
			// Anthropic carries tool results as user-side blocks.
			conversation = append(conversation,
				sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}
	return conversation, system
}

func encodeUserBlocks(msg models.Message) []sdk.ContentBlockParamUnion {
	if len(msg.Parts) == 0 {
		if msg.Content == "" {
			return nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(msg.Content)}
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(p.Text))
			}
		case "image_ref":
			if mediaType, data, ok := splitDataURL(p.ImageRef); ok {
				blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, data))
			} else {
				// Remote URLs are referenced textually; fetching is the
				// caller's concern.
				blocks = append(blocks, sdk.NewTextBlock("[image: "+p.ImageRef+"]"))
			}
		}
	}
	return blocks
}

// splitDataURL decomposes a "data:<media>;base64,<data>" URL.
func splitDataURL(ref string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(ref, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func decodeAnthropicMessage(msg *sdk.Message) models.Message {
	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{"_raw": string(block.Input)}
				}
			}
			calls = append(calls, models.ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}
	out := models.NewAssistantMessage(text.String())
	out.ToolCalls = calls
	return out
}
