package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const maxFileReadBytes = 200_000

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// ReadLocalFile reads a file from the local workspace.
type ReadLocalFile struct{}

func (t *ReadLocalFile) Name() string { return "read_local_file" }

func (t *ReadLocalFile) Description() string {
	return "Read a text file from the local filesystem. Args: path."
}

func (t *ReadLocalFile) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the file to read."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadLocalFile) Invoke(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	if path == "" {
		return "", fmt.Errorf("missing required argument 'path'")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxFileReadBytes {
		return string(data[:maxFileReadBytes]) + "\n... [truncated]", nil
	}
	return string(data), nil
}

// WriteLocalFile writes content to a file, creating parent directories.
type WriteLocalFile struct{}

func (t *WriteLocalFile) Name() string { return "write_local_file" }

func (t *WriteLocalFile) Description() string {
	return "Write content to a local file, overwriting it. Args: path, content."
}

func (t *WriteLocalFile) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteLocalFile) Invoke(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	if path == "" {
		return "", fmt.Errorf("missing required argument 'path'")
	}
	content := stringArg(args, "content")
	if dir := dirOf(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create parent dirs for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// ReplaceTextInFile performs an exact string replacement in a file.
type ReplaceTextInFile struct{}

func (t *ReplaceTextInFile) Name() string { return "replace_text_in_file" }

func (t *ReplaceTextInFile) Description() string {
	return "Replace an exact text occurrence in a file. Args: path, old_text, new_text."
}

func (t *ReplaceTextInFile) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string"},
			"old_text": map[string]any{"type": "string"},
			"new_text": map[string]any{"type": "string"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *ReplaceTextInFile) Invoke(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	oldText := stringArg(args, "old_text")
	if path == "" || oldText == "" {
		return "", fmt.Errorf("arguments 'path' and 'old_text' are required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return "", fmt.Errorf("old_text not found in %s", path)
	}
	updated := strings.Replace(content, oldText, stringArg(args, "new_text"), 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Replaced 1 of %d occurrence(s) in %s", count, path), nil
}

func dirOf(path string) string {
	idx := strings.LastIndexAny(path, "/\\")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
