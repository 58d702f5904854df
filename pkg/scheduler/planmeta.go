// Package scheduler provides the persistent background task queue, the
// cron-driven job manager, and the heartbeat loop that drains ready
// tasks through the agent orchestrator.
package scheduler

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedPlanMeta is returned when a task description carries a
// broken metadata block and must be refused at ingress.
var ErrMalformedPlanMeta = errors.New("malformed plan metadata block")

// Plan metadata is embedded at the head of a task description so plan
// structure (step id, dependencies, parallelizability) survives the
// round trip through the task table without a schema change. Consumers
// that render tasks strip the block first.
const (
	planMetaBegin = "[[PLAN_META]]"
	planMetaEnd   = "[[/PLAN_META]]"
)

// EncodePlanDescription prefixes description with a machine-readable
// metadata block.
func EncodePlanDescription(description string, meta map[string]any) string {
	payload, err := json.Marshal(meta)
	if err != nil {
		return strings.TrimSpace(description)
	}
	return strings.TrimSpace(planMetaBegin + string(payload) + planMetaEnd + "\n" + description)
}

// ValidatePlanDescription checks a description before it enters the
// task table. Descriptions without markers pass. A description that
// mentions a marker must carry exactly one well-formed block: the
// begin marker at the start, a matching end marker, a JSON object
// payload between them, and no stray markers after the block.
func ValidatePlanDescription(description string) error {
	if !strings.Contains(description, planMetaBegin) && !strings.Contains(description, planMetaEnd) {
		return nil
	}
	if !strings.HasPrefix(description, planMetaBegin) {
		return ErrMalformedPlanMeta
	}
	endIdx := strings.Index(description, planMetaEnd)
	if endIdx == -1 {
		return ErrMalformedPlanMeta
	}
	var meta map[string]any
	payload := description[len(planMetaBegin):endIdx]
	if err := json.Unmarshal([]byte(payload), &meta); err != nil || meta == nil {
		return ErrMalformedPlanMeta
	}
	rest := description[endIdx+len(planMetaEnd):]
	if strings.Contains(rest, planMetaBegin) || strings.Contains(rest, planMetaEnd) {
		return ErrMalformedPlanMeta
	}
	return nil
}

// DecodePlanDescription splits a task description into its metadata
// block and the human-readable remainder. Descriptions without a
// well-formed block come back unchanged with empty metadata.
func DecodePlanDescription(description string) (map[string]any, string) {
	if !strings.HasPrefix(description, planMetaBegin) {
		return map[string]any{}, description
	}
	endIdx := strings.Index(description, planMetaEnd)
	if endIdx == -1 {
		return map[string]any{}, description
	}
	payload := description[len(planMetaBegin):endIdx]
	remainder := strings.TrimLeft(description[endIdx+len(planMetaEnd):], "\r\n")

	var meta map[string]any
	if err := json.Unmarshal([]byte(payload), &meta); err != nil || meta == nil {
		return map[string]any{}, description
	}
	return meta, remainder
}
