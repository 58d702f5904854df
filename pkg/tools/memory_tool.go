package tools

import (
	"context"
	"fmt"
	"strings"
)

// MemoryWriter is the slice of the memory index the save_memory tool
// needs. Satisfied by memory.Index.
type MemoryWriter interface {
	AddMemory(path, content string) error
}

// SaveMemory persists a fact into long-term memory.
type SaveMemory struct {
	Writer MemoryWriter
}

func (t *SaveMemory) Name() string { return "save_memory" }

func (t *SaveMemory) Description() string {
	return "Save an important fact to long-term memory. Args: path, content."
}

func (t *SaveMemory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Memory path, e.g. 'preferences/editor'."},
			"content": map[string]any{"type": "string", "description": "The fact to remember."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *SaveMemory) Invoke(_ context.Context, args map[string]any) (string, error) {
	path := strings.Trim(stringArg(args, "path"), "/ ")
	content := stringArg(args, "content")
	if path == "" || content == "" {
		return "", fmt.Errorf("arguments 'path' and 'content' are required")
	}
	if t.Writer == nil {
		return "", fmt.Errorf("memory store is not available")
	}
	if err := t.Writer.AddMemory(path, content); err != nil {
		return "", fmt.Errorf("save memory: %w", err)
	}
	return "Memory saved to " + path, nil
}
