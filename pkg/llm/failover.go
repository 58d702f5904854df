package llm

import (
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/config"
)

// FailoverAttempt is one audit entry recorded when the chain advances.
type FailoverAttempt struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FailoverChain is the ordered, advance-only list of model candidates
// for a single run. It is owned by exactly one run and is not
// goroutine-safe.
type FailoverChain struct {
	candidates []config.ModelRef
	failed     []bool
	index      int
	exhausted  bool
	attempts   []FailoverAttempt
}

// NewFailoverChain builds the candidate order for one run:
//
//  1. the explicitly requested model, when it is in the active list
//  2. the "default" alias
//  3. the "smart" alias
//  4. remaining active models outside the last-resort providers
//  5. last-resort (local) models
//
// When the active list holds fewer than two entries the chain is seeded
// with the default model of every enabled provider. Duplicate
// (provider, model) pairs are dropped.
func NewFailoverChain(cat *Catalogue, requested *config.ModelRef) *FailoverChain {
	active := cat.ActiveModels()
	lastResort := cat.LastResortProviders()

	var ordered []config.ModelRef
	if requested != nil {
		for _, m := range active {
			if m.Provider == requested.Provider && m.ModelID == requested.ModelID {
				ordered = append(ordered, m)
				break
			}
		}
	}
	if def, ok := cat.ResolveAlias("default"); ok {
		ordered = append(ordered, def)
	}
	if smart, ok := cat.ResolveAlias("smart"); ok {
		ordered = append(ordered, smart)
	}
	for _, m := range active {
		if !lastResort[m.Provider] {
			ordered = append(ordered, m)
		}
	}
	for _, m := range active {
		if lastResort[m.Provider] {
			ordered = append(ordered, m)
		}
	}
	if len(active) < 2 {
		ordered = append(ordered, cat.EnabledProviderDefaults()...)
	}

	seen := make(map[string]bool, len(ordered))
	var candidates []config.ModelRef
	for _, m := range ordered {
		key := m.Provider + "/" + m.ModelID
		if seen[key] {
			continue
		}
		seen[key] = true
		candidates = append(candidates, m)
	}

	return &FailoverChain{
		candidates: candidates,
		failed:     make([]bool, len(candidates)),
	}
}

// Current returns the active candidate, if any remain.
func (f *FailoverChain) Current() (config.ModelRef, bool) {
	if f.exhausted || f.index >= len(f.candidates) {
		return config.ModelRef{}, false
	}
	return f.candidates[f.index], true
}

// Advance records an audit entry for the current candidate, marks it
// failed, and moves to the next non-failed candidate. Returns false
// once the chain is exhausted.
func (f *FailoverChain) Advance(reason string) bool {
	cur, ok := f.Current()
	if !ok {
		return false
	}
	f.attempts = append(f.attempts, FailoverAttempt{
		Provider:  cur.Provider,
		Model:     cur.ModelID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	f.failed[f.index] = true
	for i := f.index + 1; i < len(f.candidates); i++ {
		if !f.failed[i] {
			f.index = i
			return true
		}
	}
	f.exhausted = true
	return false
}

// AdvanceSkipping advances past candidates whose provider is in the
// skip set, used when the current turn requires bound tools and some
// providers cannot host them. Skipped candidates are burned like failed
// ones.
func (f *FailoverChain) AdvanceSkipping(reason string, skip map[string]bool) bool {
	for f.Advance(reason) {
		cur, ok := f.Current()
		if !ok {
			return false
		}
		if !skip[cur.Provider] {
			return true
		}
		reason = "tool_unfriendly_provider_skipped"
	}
	return false
}

// Reset clears all failure marks and seeks back to the head.
func (f *FailoverChain) Reset() {
	f.failed = make([]bool, len(f.candidates))
	f.index = 0
	f.exhausted = false
}

// IsExhausted reports whether no candidates remain.
func (f *FailoverChain) IsExhausted() bool {
	return f.exhausted || len(f.candidates) == 0
}

// Remaining counts the non-failed candidates from the current position.
func (f *FailoverChain) Remaining() int {
	if f.exhausted {
		return 0
	}
	n := 0
	for i := f.index; i < len(f.candidates); i++ {
		if !f.failed[i] {
			n++
		}
	}
	return n
}

// Attempts returns the audit log of advances, oldest first.
func (f *FailoverChain) Attempts() []FailoverAttempt {
	return f.attempts
}
