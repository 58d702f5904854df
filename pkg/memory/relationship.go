package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// RelationshipFact is one durable structured fact about the user.
type RelationshipFact struct {
	Fact           string   `json:"fact"`
	NormalizedFact string   `json:"normalized_fact"`
	Tags           []string `json:"tags"`
	Confidence     float64  `json:"confidence"`
	FirstConfirmed string   `json:"first_confirmed"`
	LastConfirmed  string   `json:"last_confirmed"`
	Confirmations  int      `json:"confirmations"`
	Source         string   `json:"source"`
}

// FactInput is the caller-facing shape for upserts.
type FactInput struct {
	Fact       string
	Tags       []string
	Confidence float64
}

type relationshipDocument struct {
	ProfileID string             `json:"profile_id"`
	Facts     []RelationshipFact `json:"facts"`
}

// RelationshipStore is the highest-priority memory tier: structured
// user facts keyed by their normalized text, persisted as one JSON
// document.
type RelationshipStore struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewRelationshipStore opens the store at the given file path.
func NewRelationshipStore(path string, logger *slog.Logger) *RelationshipStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelationshipStore{
		path:   path,
		logger: logger.With("component", "relationship_memory"),
		now:    time.Now,
	}
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	tokenRe      = regexp.MustCompile(`[a-z0-9_]+`)
)

// NormalizeFact collapses whitespace and strips trailing punctuation so
// re-confirmations of the same fact key to one entry.
func NormalizeFact(text string) string {
	cleaned := strings.TrimRight(strings.TrimSpace(text), ".!?")
	return whitespaceRe.ReplaceAllString(cleaned, " ")
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r *RelationshipStore) load() relationshipDocument {
	doc := relationshipDocument{ProfileID: "default_user"}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("Failed loading relationship memory store", "error", err)
		return relationshipDocument{ProfileID: "default_user"}
	}
	return doc
}

func (r *RelationshipStore) save(doc relationshipDocument) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create relationship dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o644)
}

// UpsertFacts inserts or re-confirms facts. Re-confirmation unions the
// tags, bumps the confirmation count, and nudges confidence up by 0.03
// over the max of old and new, clamped to [0,1].
func (r *RelationshipStore) UpsertFacts(facts []FactInput, source string) ([]RelationshipFact, error) {
	if len(facts) == 0 {
		return nil, nil
	}
	if source == "" {
		source = "user_profile_auto"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	today := r.now().UTC().Format("2006-01-02")
	doc := r.load()
	byNorm := make(map[string]int, len(doc.Facts))
	for i, f := range doc.Facts {
		byNorm[f.NormalizedFact] = i
	}

	var changed []RelationshipFact
	for _, item := range facts {
		normalized := NormalizeFact(item.Fact)
		if normalized == "" {
			continue
		}
		tags := normalizeTags(item.Tags)
		confidence := clampConfidence(item.Confidence)

		if idx, ok := byNorm[strings.ToLower(normalized)]; ok {
			existing := &doc.Facts[idx]
			existing.Tags = unionTags(existing.Tags, tags)
			existing.LastConfirmed = today
			existing.Confirmations++
			existing.Confidence = clampConfidence(max(existing.Confidence, confidence) + 0.03)
			existing.Source = source
			changed = append(changed, *existing)
			continue
		}

		fact := RelationshipFact{
			Fact:           normalized,
			NormalizedFact: strings.ToLower(normalized),
			Tags:           tags,
			Confidence:     confidence,
			FirstConfirmed: today,
			LastConfirmed:  today,
			Confirmations:  1,
			Source:         source,
		}
		doc.Facts = append(doc.Facts, fact)
		byNorm[fact.NormalizedFact] = len(doc.Facts) - 1
		changed = append(changed, fact)
	}

	if len(changed) > 0 {
		if err := r.save(doc); err != nil {
			return nil, fmt.Errorf("save relationship memory: %w", err)
		}
	}
	return changed, nil
}

// ListFacts returns all stored facts.
func (r *RelationshipStore) ListFacts() []RelationshipFact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load().Facts
}

// DeleteFact removes a fact by its text. Returns true when removed.
func (r *RelationshipStore) DeleteFact(fact string) bool {
	normalized := strings.ToLower(NormalizeFact(fact))
	if normalized == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	kept := doc.Facts[:0]
	for _, f := range doc.Facts {
		if f.NormalizedFact != normalized {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(doc.Facts) {
		return false
	}
	doc.Facts = kept
	if err := r.save(doc); err != nil {
		r.logger.Error("Failed saving relationship memory after delete", "error", err)
	}
	return true
}

// Search scores facts against the query: base confidence weight, a
// substring bonus, token and tag overlap, and a small recency bump.
// Facts below minConfidence 0.55 are excluded.
func (r *RelationshipStore) Search(query string, k int) []RelationshipFact {
	const minConfidence = 0.55
	if k < 1 {
		k = 1
	}

	r.mu.Lock()
	doc := r.load()
	r.mu.Unlock()
	if len(doc.Facts) == 0 {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))
	queryTokens := tokenSet(query)
	today := r.now().UTC().Format("2006-01-02")

	type scoredFact struct {
		score float64
		fact  RelationshipFact
	}
	var scored []scoredFact
	for _, fact := range doc.Facts {
		if fact.Confidence < minConfidence {
			continue
		}
		factText := strings.ToLower(fact.Fact)
		factTokens := tokenSet(factText)
		tagTokens := make(map[string]bool, len(fact.Tags))
		for _, t := range fact.Tags {
			tagTokens[strings.ToLower(t)] = true
		}

		score := fact.Confidence * 2.0
		if query != "" {
			if strings.Contains(factText, query) {
				score += 2.5
			}
			score += float64(overlap(queryTokens, factTokens)) * 0.35
			score += float64(overlap(queryTokens, tagTokens)) * 0.5
		}
		if fact.LastConfirmed == today {
			score += 0.15
		}
		if score > 0 {
			scored = append(scored, scoredFact{score, fact})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].fact.Confidence != scored[j].fact.Confidence {
			return scored[i].fact.Confidence > scored[j].fact.Confidence
		}
		return scored[i].fact.LastConfirmed > scored[j].fact.LastConfirmed
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	out := make([]RelationshipFact, len(scored))
	for i, s := range scored {
		out[i] = s.fact
	}
	return out
}

// ContextBlock renders the top-k matching facts as the high-priority
// prompt block, or the empty string when nothing matches.
func (r *RelationshipStore) ContextBlock(query string, k int) string {
	facts := r.Search(query, k)
	if len(facts) == 0 {
		return ""
	}
	lines := []string{"--- RELATIONSHIP MEMORY (HIGH PRIORITY) ---"}
	for _, fact := range facts {
		tags := "user_profile"
		if len(fact.Tags) > 0 {
			tags = strings.Join(fact.Tags, ", ")
		}
		lines = append(lines, fmt.Sprintf("- %s [tags: %s; confidence: %.2f; last_confirmed: %s]",
			fact.Fact, tags, fact.Confidence, fact.LastConfirmed))
	}
	lines = append(lines, "--- END RELATIONSHIP MEMORY ---")
	return strings.Join(lines, "\n")
}

func normalizeTags(tags []string) []string {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func unionTags(a, b []string) []string {
	return normalizeTags(append(append([]string{}, a...), b...))
}

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range tokenRe.FindAllString(text, -1) {
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}

func overlap(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}
