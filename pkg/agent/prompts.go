package agent

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/format"
)

// Identity files layered into the system prompt, read from the working
// directory when present.
var identityFiles = []struct {
	path   string
	header string
}{
	{"CORE.md", ""},
	{"AGENTS.md", "## OPERATIONAL PROTOCOLS"},
	{"JUDGEMENT.md", "## JUDGEMENT FRAMEWORK"},
	{"USER.md", ""},
	{"MEMORY.md", ""},
}

const defaultIdentityPrompt = "You are Astromech.\nRole: A personal AI assistant.\nPersonality: Helpful, logical, and efficient."

type identityCache struct {
	mu     sync.Mutex
	key    string
	prompt string
}

var cachedIdentity identityCache

// identityCacheKey changes when any identity file changes.
func identityCacheKey() string {
	var sb strings.Builder
	for _, f := range identityFiles {
		if info, err := os.Stat(f.path); err == nil {
			fmt.Fprintf(&sb, "%s:%d:%d;", f.path, info.ModTime().UnixNano(), info.Size())
		} else {
			sb.WriteString(f.path + ":-;")
		}
	}
	return sb.String()
}

// identityPrompt composes the persona prompt from the identity files,
// cached on their modification times.
func identityPrompt() string {
	key := identityCacheKey()
	cachedIdentity.mu.Lock()
	defer cachedIdentity.mu.Unlock()
	if cachedIdentity.key == key && cachedIdentity.prompt != "" {
		return cachedIdentity.prompt
	}

	var parts []string
	for _, f := range identityFiles {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if f.path == "CORE.md" {
				parts = append(parts, defaultIdentityPrompt)
			}
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if f.header != "" {
			content = f.header + "\n" + content
		}
		parts = append(parts, content)
	}
	parts = append(parts, "Always stay in character. Use the provided tools and memory context to assist the user.")

	cachedIdentity.key = key
	cachedIdentity.prompt = strings.Join(parts, "\n\n")
	return cachedIdentity.prompt
}

// systemContext describes the host environment and current time.
func systemContext() string {
	hostname, _ := os.Hostname()
	now := time.Now()
	return fmt.Sprintf(
		"SYSTEM CONTEXT:\n- OS: %s/%s\n- Host: %s\n- Current time: %s (%s)",
		runtime.GOOS, runtime.GOARCH, hostname,
		now.Format("2006-01-02 15:04:05"), now.Weekday(),
	)
}

const memoryInstructions = `

MEMORY SYSTEM:
You have a tiered memory system:
- RELATIONSHIP MEMORY (HIGHEST PRIORITY): Durable user facts (preferences, habits, recurring projects, communication style) with confidence and last-confirmed metadata.
- SHORT-TERM: Automatic summaries of earlier conversation (shown in system prompt as 'SHORT-TERM MEMORY'). These cover today's conversation history beyond the visible message window.
- LONG-TERM (RAG): Persistent memories stored in the vector database. Use the 'save_memory' tool to store very important facts, user preferences, key decisions, or critical information that should be remembered across sessions.
Only save to long-term memory when information is genuinely significant and worth remembering permanently. Do not save trivial exchanges.`

const toolInstructions = `

TOOL USAGE PROTOCOL:
1. PREFER NATIVE TOOLS: You have real, executable tools. USE THEM.
2. NO SIMULATION: Do NOT describe actions (e.g., 'I will run this command...'). Do NOT output code blocks to simulate actions. Do NOT output '**Tool Call**'.
3. FILE EDITS: You CAN modify repository files. Use 'read_local_file' to inspect, 'replace_text_in_file' for surgical edits, and 'write_local_file' for full rewrites.
4. COMMANDS: To run shell commands, use the 'terminal' tool with the command string.
5. PYTHON: To run Python, use 'run_python_code' or write a script to disk and run it with 'terminal'.
6. SILENCE: Do not narrate your tool calls. Just call them.
7. MULTI-STEP: If a task requires multiple steps, execute them in sequence using tool calls.
8. RESPONSES: Only respond with text alone when the user is asking a question that requires no action.`

const personalityInstructions = `

PERSONALITY ENFORCEMENT:
1. Stay in astromech droid character for every final user-facing response.
2. Keep personality visible but controlled: brief droid flavor, then concrete answer.
3. Do not become generic/corporate assistant voice after tool calls; preserve character continuity.
4. For high-stakes topics, keep tone direct and precise while retaining light character markers.
5. Start with the answer first, then include concise supporting detail or next actions.`

// buildSystemPrompt assembles the full executor system prompt: host
// context, persona, memory and tool protocols, the request-channel
// block, and the retrieved memory context.
func buildSystemPrompt(memoryContext, sourceChannel string, sourceMetadata map[string]any) string {
	channelContext := format.RequestChannelContext(sourceChannel, sourceMetadata)
	return fmt.Sprintf("%s\n\n%s%s%s%s\n\n%s\n\nCONTEXT:\n%s",
		systemContext(), identityPrompt(),
		memoryInstructions, toolInstructions, personalityInstructions,
		channelContext, memoryContext)
}
