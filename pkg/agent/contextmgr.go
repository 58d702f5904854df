package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// MaxMessageWindow is the most message groups sent to the model.
const MaxMessageWindow = 10

// SummaryInterval is the message count between auto-summarizations.
const SummaryInterval = 10

// deadResponsePatterns are placeholder/failure texts that must never
// become permanent history. Matched exactly on the lowercased trimmed
// content.
var deadResponsePatterns = map[string]bool{}

func init() {
	for _, p := range []string{
		"(empty response)",
		"[no response was generated]",
		"(empty)",
		"(thinking)",
		"I processed your request but wasn't able to generate a response. Please try rephrasing or starting a new session.",
		"I processed your request but wasn't able to formulate a response.",
		"I apologize, but I encountered an unexpected issue and could not generate a response. Please try again.",
		"I wasn't able to generate a response. Please try again or rephrase your request.",
		"Max execution turns (5) reached. I was unable to generate a summary. Please try again or rephrase your request.",
		"Max execution turns (5) reached without final answer and summary failed.",
		"Max execution turns (15) reached. I was unable to generate a summary. Please try again or rephrase your request.",
		"Max execution turns (30) reached. I was unable to generate a summary. Please try again or rephrase your request.",
	} {
		deadResponsePatterns[strings.ToLower(p)] = true
	}
}

// deadResponseSubstrings catch short replies where the model described
// an action instead of performing it. Only applied below 400 chars to
// avoid false positives on substantive answers.
var deadResponseSubstrings = []string{
	"i need your permission",
	"i would need",
	"i will need your",
	"i need to confirm",
	"to proceed, i need",
	"to do this, i need",
	"to ensure i can access",
	"i am ready to check",
	"i'm ready to check",
	"please provide",
	"i'll need your",
	"error communicating with",
	"encountered a system error",
}

// isDeadResponse reports whether an assistant message is a placeholder
// or deferral that should be stripped from history.
func isDeadResponse(content string) bool {
	stripped := strings.TrimSpace(content)
	if stripped == "" {
		return true
	}
	lower := strings.ToLower(stripped)
	if deadResponsePatterns[lower] {
		return true
	}
	if len(stripped) < 400 {
		for _, sub := range deadResponseSubstrings {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}

var binaryExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true, ".bmp": true, ".tiff": true,
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".flac": true, ".aac": true,
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".bin": true, ".iso": true,
}

const maxFileContextChars = 20000

type fileCacheEntry struct {
	modTime  int64
	size     int64
	rendered string
}

// ContextManager windows and sanitizes message history for strict
// providers and renders pinned file context.
type ContextManager struct {
	maxTokens int

	cacheMu   sync.Mutex
	fileCache map[string]fileCacheEntry
}

// NewContextManager creates a manager with the given model context
// size in tokens.
func NewContextManager(maxTokens int) *ContextManager {
	if maxTokens <= 0 {
		maxTokens = 128000
	}
	return &ContextManager{
		maxTokens: maxTokens,
		fileCache: make(map[string]fileCacheEntry),
	}
}

// estimateTokens approximates token count as len/4, avoiding a
// tokenizer dependency.
func estimateTokens(text string) int {
	return len(text) / 4
}

// readContextFiles renders pinned files as tagged blocks, cached on
// (mtime, size).
func (cm *ContextManager) readContextFiles(files []string) string {
	if len(files) == 0 {
		return ""
	}
	parts := []string{"\n\n--- ACTIVE CONTEXT FILES ---"}

	cm.cacheMu.Lock()
	defer cm.cacheMu.Unlock()

	for _, path := range files {
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		info, err := os.Stat(absPath)
		if err != nil {
			delete(cm.fileCache, absPath)
			parts = append(parts, fmt.Sprintf("<file path=%q>\n[FILE NOT FOUND]\n</file>", path))
			continue
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(absPath))] {
			parts = append(parts, fmt.Sprintf("<file path=%q>\n[BINARY/MEDIA FILE - CONTENT OMITTED. USE TOOLS TO PROCESS THIS FILE.]\n</file>", path))
			continue
		}

		if cached, ok := cm.fileCache[absPath]; ok &&
			cached.modTime == info.ModTime().UnixNano() && cached.size == info.Size() {
			parts = append(parts, cached.rendered)
			continue
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			delete(cm.fileCache, absPath)
			parts = append(parts, fmt.Sprintf("<file path=%q>\n[ERROR READING FILE: %v]\n</file>", path, err))
			continue
		}
		content := string(data)
		if len(content) > maxFileContextChars {
			content = content[:maxFileContextChars] + "\n... [TRUNCATED - FILE TOO LARGE]"
		}
		rendered := fmt.Sprintf("<file path=%q>\n%s\n</file>", path, content)
		cm.fileCache[absPath] = fileCacheEntry{
			modTime:  info.ModTime().UnixNano(),
			size:     info.Size(),
			rendered: rendered,
		}
		parts = append(parts, rendered)
	}
	return strings.Join(parts, "\n")
}

// groupMessages splits history into atomic units: an assistant message
// with tool calls stays glued to its following tool results; everything
// else stands alone.
func groupMessages(history []models.Message) [][]models.Message {
	var groups [][]models.Message
	for i := 0; i < len(history); {
		msg := history[i]
		if msg.Role == models.RoleAssistant && msg.HasToolCalls() {
			group := []models.Message{msg}
			j := i + 1
			for j < len(history) && history[j].Role == models.RoleTool {
				group = append(group, history[j])
				j++
			}
			groups = append(groups, group)
			i = j
			continue
		}
		groups = append(groups, []models.Message{msg})
		i++
	}
	return groups
}

// FilterDeadResponses removes dead assistant messages and the user
// prompt that produced them. Applying it twice yields the same list.
func FilterDeadResponses(history []models.Message) []models.Message {
	cleaned := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleAssistant && !msg.HasToolCalls() && isDeadResponse(msg.TextContent()) {
			if n := len(cleaned); n > 0 && cleaned[n-1].Role == models.RoleUser {
				cleaned = cleaned[:n-1]
			}
			continue
		}
		cleaned = append(cleaned, msg)
	}
	return cleaned
}

// Sanitize rewrites a message list to satisfy strict turn-ordering
// providers: leading system messages pass through, the first body
// message must be a user turn, tool results stay attached to their
// assistant call, consecutive plain assistant messages merge, and no
// message is emitted with empty content.
func (cm *ContextManager) Sanitize(messages []models.Message) []models.Message {
	if len(messages) == 0 {
		return messages
	}

	var result []models.Message
	idx := 0
	for idx < len(messages) && messages[idx].Role == models.RoleSystem {
		m := messages[idx]
		if strings.TrimSpace(m.TextContent()) == "" {
			m = models.NewSystemMessage("(system)")
		}
		result = append(result, m)
		idx++
	}

	body := messages[idx:]
	var sanitized []models.Message
	for i := 0; i < len(body); {
		msg := body[i]
		switch {
		case msg.Role == models.RoleTool:
			if n := len(sanitized); n > 0 && sanitized[n-1].Role == models.RoleAssistant && sanitized[n-1].HasToolCalls() {
				sanitized = append(sanitized, msg)
			}
			i++

		case msg.Role == models.RoleAssistant && msg.HasToolCalls():
			var toolMsgs []models.Message
			j := i + 1
			for j < len(body) && body[j].Role == models.RoleTool {
				tm := body[j]
				if strings.TrimSpace(tm.TextContent()) == "" {
					tm.Content = "(empty result)"
					tm.Parts = nil
				}
				toolMsgs = append(toolMsgs, tm)
				j++
			}
			if len(toolMsgs) > 0 {
				if strings.TrimSpace(msg.TextContent()) == "" {
					msg.Content = "(calling tools)"
					msg.Parts = nil
				}
				sanitized = append(sanitized, msg)
				sanitized = append(sanitized, toolMsgs...)
				i = j
				continue
			}
			// Tool calls with no results: strip them.
			content := msg.TextContent()
			if strings.TrimSpace(content) == "" {
				content = "(tool call attempted)"
			}
			sanitized = append(sanitized, models.NewAssistantMessage(content))
			i++

		case msg.Role == models.RoleAssistant:
			content := msg.TextContent()
			if strings.TrimSpace(content) == "" {
				content = "(empty response)"
			}
			if n := len(sanitized); n > 0 && sanitized[n-1].Role == models.RoleAssistant && !sanitized[n-1].HasToolCalls() {
				sanitized[n-1] = models.NewAssistantMessage(sanitized[n-1].TextContent() + "\n" + content)
			} else {
				sanitized = append(sanitized, models.NewAssistantMessage(content))
			}
			i++

		default:
			sanitized = append(sanitized, msg)
			i++
		}
	}

	if len(sanitized) > 0 && sanitized[0].Role != models.RoleUser {
		sanitized = append([]models.Message{models.NewUserMessage("(continued conversation)")}, sanitized...)
	}

	final := make([]models.Message, 0, len(result)+len(sanitized))
	for _, m := range append(result, sanitized...) {
		if strings.TrimSpace(m.TextContent()) != "" {
			final = append(final, m)
			continue
		}
		switch m.Role {
		case models.RoleUser:
			m.Content = "(continued)"
		case models.RoleAssistant:
			if m.HasToolCalls() {
				m.Content = "(calling tools)"
			} else {
				m.Content = "[processing]"
			}
		case models.RoleSystem:
			m.Content = "(system)"
		case models.RoleTool:
			m.Content = "(empty result)"
		}
		m.Parts = nil
		final = append(final, m)
	}
	return final
}

// OptimizeContext builds the message list for one model call: the
// composed system prompt (base + short-term memory + file context),
// then the most recent history that fits the token budget in whole
// groups, sanitized for turn ordering.
func (cm *ContextManager) OptimizeContext(systemPrompt string, history []models.Message, newPrompt string, contextFiles []string, shortTermContext string) []models.Message {
	parts := []string{systemPrompt}
	if shortTermContext != "" {
		parts = append(parts, shortTermContext)
	}
	if fileContext := cm.readContextFiles(contextFiles); fileContext != "" {
		parts = append(parts, fileContext)
	}
	fullSystemPrompt := strings.Join(parts, "\n\n")

	groups := groupMessages(FilterDeadResponses(history))

	reserved := estimateTokens(fullSystemPrompt) + estimateTokens(newPrompt) + 4000
	tokenBudget := cm.maxTokens - reserved
	if tokenBudget < 8000 {
		tokenBudget = 8000
	}

	var selected [][]models.Message
	usedTokens := 0
	for i := len(groups) - 1; i >= 0; i-- {
		group := groups[i]
		groupTokens := 0
		for _, m := range group {
			groupTokens += estimateTokens(m.TextContent())
		}
		if usedTokens+groupTokens > tokenBudget && len(selected) > 0 {
			break
		}
		selected = append([][]models.Message{group}, selected...)
		usedTokens += groupTokens
		if len(selected) >= MaxMessageWindow {
			break
		}
	}

	all := []models.Message{models.NewSystemMessage(fullSystemPrompt)}
	for _, group := range selected {
		all = append(all, group...)
	}
	return cm.Sanitize(all)
}
