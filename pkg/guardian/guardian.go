// Package guardian is the policy gate for destructive tool calls and
// plan approvals. Restricted calls are parked as pending actions until
// a user approves or rejects them.
package guardian

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionConsumed ActionStatus = "consumed"
)

// Action types.
const (
	ActionTypeToolCall     = "tool_call"
	ActionTypePlanApproval = "plan_approval"
)

// Action is one intercepted call or plan awaiting a user decision.
type Action struct {
	ID         string         `json:"id"`
	ActionType string         `json:"action_type"`
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args"`
	Status     ActionStatus   `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// restrictedTools always require approval.
var restrictedTools = map[string]bool{
	"delete_file":            true,
	"move_file":              true,
	"format_disk":            true,
	"install_python_package": true,
	"run_shell_command":      true,
}

// dangerousKeywords trigger restriction inside generic executor args.
var dangerousKeywords = []string{
	"DROP TABLE", "DELETE FROM", "TRUNCATE", "rm -rf", "format c:",
}

// isRestricted applies the static security policy to one call.
func isRestricted(toolName string, args map[string]any) bool {
	if restrictedTools[toolName] {
		return true
	}
	switch toolName {
	case "run_python_code", "python_repl":
		code, _ := args["code"].(string)
		if code == "" {
			code, _ = args["script"].(string)
		}
		if strings.Contains(code, "os.remove") || strings.Contains(code, "shutil.rmtree") {
			return true
		}
	case "terminal", "run_shell_command":
		command, _ := args["command"].(string)
		for _, kw := range dangerousKeywords {
			if strings.Contains(strings.ToLower(command), strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// Guardian holds the pending-action table. One instance serves the
// whole process.
type Guardian struct {
	mu      sync.Mutex
	actions map[string]*Action
	logger  *slog.Logger
}

// New returns an empty guardian.
func New(logger *slog.Logger) *Guardian {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{
		actions: make(map[string]*Action),
		logger:  logger.With("component", "guardian"),
	}
}

// ValidateToolCall checks whether a call may proceed. Returns
// (allowed, reason, actionID). A matching approved action is consumed;
// an intercepted call creates a pending action and is denied.
func (g *Guardian) ValidateToolCall(toolName string, args map[string]any) (bool, string, string) {
	if !isRestricted(toolName, args) {
		return true, "Safe", ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sig := signature(toolName, args)
	for id, action := range g.actions {
		if action.Status == ActionApproved && signature(action.ToolName, action.ToolArgs) == sig {
			action.Status = ActionConsumed
			return true, "Approved by user", id
		}
	}

	id := "act_" + shortHex()
	g.actions[id] = &Action{
		ID:         id,
		ActionType: ActionTypeToolCall,
		ToolName:   toolName,
		ToolArgs:   args,
		Status:     ActionPending,
		CreatedAt:  time.Now().UTC(),
	}
	g.logger.Warn("Intercepted destructive action", "tool", toolName, "action_id", id)
	return false, "Destructive action intercepted. User approval required.", id
}

// CreatePlanApproval parks an execution plan for user approval and
// returns the action id.
func (g *Guardian) CreatePlanApproval(sessionID, goal string, plan models.ExecutionPlan) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := "plan_" + shortHex()
	g.actions[id] = &Action{
		ID:         id,
		ActionType: ActionTypePlanApproval,
		ToolName:   "execute_plan",
		ToolArgs: map[string]any{
			"session_id": sessionID,
			"goal":       goal,
			"plan":       plan,
		},
		Status:    ActionPending,
		CreatedAt: time.Now().UTC(),
	}
	g.logger.Info("Created plan approval request", "action_id", id, "session_id", sessionID)
	return id
}

// Approve marks a pending action as approved.
func (g *Guardian) Approve(actionID string) bool {
	return g.setStatus(actionID, ActionApproved)
}

// Reject marks a pending action as rejected.
func (g *Guardian) Reject(actionID string) bool {
	return g.setStatus(actionID, ActionRejected)
}

// Consume marks an action as consumed.
func (g *Guardian) Consume(actionID string) bool {
	return g.setStatus(actionID, ActionConsumed)
}

func (g *Guardian) setStatus(actionID string, status ActionStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	action, ok := g.actions[actionID]
	if !ok {
		return false
	}
	action.Status = status
	return true
}

// Get returns a copy of the action, if known.
func (g *Guardian) Get(actionID string) (Action, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	action, ok := g.actions[actionID]
	if !ok {
		return Action{}, false
	}
	return *action, true
}

// ListPending returns pending actions, optionally filtered by type,
// oldest first.
func (g *Guardian) ListPending(actionType string) []Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Action
	for _, action := range g.actions {
		if action.Status != ActionPending {
			continue
		}
		if actionType != "" && action.ActionType != actionType {
			continue
		}
		out = append(out, *action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DenialMessage renders the canned tool result for a blocked call. The
// model is expected to relay the action id to the user.
func DenialMessage(reason, actionID string) string {
	return fmt.Sprintf(
		"ACTION BLOCKED BY SECURITY PROTOCOL.\nReason: %s\nAction ID: %s\n\nINSTRUCTION: You must inform the user that this action requires approval. Ask them to approve Action ID '%s'.",
		reason, actionID, actionID,
	)
}

// signature canonicalizes a call for approval matching: tool name plus
// the sorted argument pairs.
func signature(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte(':')
	for _, k := range keys {
		val, _ := json.Marshal(args[k])
		fmt.Fprintf(&sb, "%s=%s;", k, val)
	}
	return sb.String()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
