package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFact(t *testing.T) {
	assert.Equal(t, "likes green tea", NormalizeFact("  likes   green tea!! "))
	assert.Equal(t, "works at Acme", NormalizeFact("works at Acme."))
	assert.Equal(t, "", NormalizeFact("  ?! "))
}

func TestUpsertFactsReconfirmation(t *testing.T) {
	store := NewRelationshipStore(filepath.Join(t.TempDir(), "default_user.json"), nil)

	first, err := store.UpsertFacts([]FactInput{{Fact: "Prefers dark mode.", Tags: []string{"UI"}, Confidence: 0.7}}, "")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Confirmations)
	assert.Equal(t, "user_profile_auto", first[0].Source)

	// Re-confirming the same fact (different punctuation) keys to the
	// same entry and nudges confidence up.
	second, err := store.UpsertFacts([]FactInput{{Fact: "Prefers dark mode", Tags: []string{"preferences"}, Confidence: 0.6}}, "chat")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Confirmations)
	assert.InDelta(t, 0.73, second[0].Confidence, 1e-9)
	assert.Equal(t, []string{"preferences", "ui"}, second[0].Tags)

	facts := store.ListFacts()
	require.Len(t, facts, 1)
}

func TestUpsertConfidenceClamped(t *testing.T) {
	store := NewRelationshipStore(filepath.Join(t.TempDir(), "facts.json"), nil)
	_, err := store.UpsertFacts([]FactInput{{Fact: "Is a morning person", Confidence: 0.99}}, "")
	require.NoError(t, err)
	changed, err := store.UpsertFacts([]FactInput{{Fact: "Is a morning person", Confidence: 0.5}}, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, changed[0].Confidence)
}

func TestRelationshipSearchAndContext(t *testing.T) {
	store := NewRelationshipStore(filepath.Join(t.TempDir(), "facts.json"), nil)
	_, err := store.UpsertFacts([]FactInput{
		{Fact: "Allergic to peanuts", Tags: []string{"health"}, Confidence: 0.9},
		{Fact: "Enjoys hiking on weekends", Tags: []string{"hobbies"}, Confidence: 0.8},
		{Fact: "Maybe likes jazz", Confidence: 0.3}, // below the floor
	}, "")
	require.NoError(t, err)

	results := store.Search("any peanut allergies?", 3)
	require.NotEmpty(t, results)
	assert.Equal(t, "Allergic to peanuts", results[0].Fact)
	for _, f := range results {
		assert.NotEqual(t, "Maybe likes jazz", f.Fact)
	}

	block := store.ContextBlock("peanuts", 3)
	assert.Contains(t, block, "--- RELATIONSHIP MEMORY (HIGH PRIORITY) ---")
	assert.Contains(t, block, "Allergic to peanuts")
	assert.Contains(t, block, "--- END RELATIONSHIP MEMORY ---")

	assert.Empty(t, store.ContextBlock("zebras", 3))
}

func TestDeleteFact(t *testing.T) {
	store := NewRelationshipStore(filepath.Join(t.TempDir(), "facts.json"), nil)
	_, err := store.UpsertFacts([]FactInput{{Fact: "Owns a cat", Confidence: 0.8}}, "")
	require.NoError(t, err)

	assert.True(t, store.DeleteFact("Owns a cat."))
	assert.False(t, store.DeleteFact("Owns a cat"))
	assert.Empty(t, store.ListFacts())
}

func TestShortTermAddAndContext(t *testing.T) {
	store := NewShortTermStore(t.TempDir(), nil)
	base := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	require.NoError(t, store.Add("sess-1", "Talked about travel plans", "0-10"))
	require.NoError(t, store.Add("sess-1", "Booked a flight", "10-14"))

	entries := store.TodayEntries("sess-1")
	require.Len(t, entries, 2)

	block := store.TodayContext("sess-1")
	assert.Contains(t, block, "--- SHORT-TERM MEMORY (Today's Conversation History) ---")
	assert.Contains(t, block, "[14:30] Talked about travel plans")

	assert.Empty(t, store.TodayContext("sess-2"))
}

func TestShortTermCleanupExpired(t *testing.T) {
	store := NewShortTermStore(t.TempDir(), nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	require.NoError(t, store.Add("sess-1", "old summary", ""))

	// Three hours later the first entry is past the two-hour window.
	store.now = func() time.Time { return base.Add(3 * time.Hour) }
	require.NoError(t, store.Add("sess-1", "fresh summary", ""))

	store.CleanupExpired("")
	entries := store.TodayEntries("sess-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh summary", entries[0].Summary)
}

func TestShortTermCleanupRemovesEmptyBuckets(t *testing.T) {
	dir := t.TempDir()
	store := NewShortTermStore(dir, nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	require.NoError(t, store.Add("sess-1", "only entry", ""))

	store.now = func() time.Time { return base.Add(5 * time.Hour) }
	store.CleanupExpired("sess-1")

	_, err := os.Stat(filepath.Join(dir, "sess-1", "2026-03-10.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestIndexAddReadDelete(t *testing.T) {
	ix := NewIndex(t.TempDir(), nil, nil)
	require.NoError(t, ix.AddMemory("long_term/sess-1/auto_4", "User is learning the guitar."))

	content, ok := ix.GetMemoryContent("long_term/sess-1/auto_4")
	require.True(t, ok)
	assert.Equal(t, "User is learning the guitar.", content)

	all := ix.ListAll()
	assert.Contains(t, all, "long_term/sess-1/auto_4")

	require.NoError(t, ix.DeleteMemory("long_term/sess-1/auto_4"))
	_, ok = ix.GetMemoryContent("long_term/sess-1/auto_4")
	assert.False(t, ok)
}

func TestIndexRejectsTraversal(t *testing.T) {
	ix := NewIndex(t.TempDir(), nil, nil)
	assert.Error(t, ix.AddMemory("../escape", "x"))
	assert.Error(t, ix.AddMemory("", "x"))
}

func TestLexicalSearchOrdering(t *testing.T) {
	ix := NewIndex(t.TempDir(), nil, nil)
	require.NoError(t, ix.AddMemory("a", "guitar practice guitar lessons guitar"))
	require.NoError(t, ix.AddMemory("b", "bought a guitar yesterday"))
	require.NoError(t, ix.AddMemory("c", "weather was sunny"))

	docs := ix.Search("guitar", 2)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Source)
	assert.Equal(t, "b", docs[1].Source)
	assert.Equal(t, "lexical", docs[0].Retrieval)
}

func TestLexicalSearchTokenFallback(t *testing.T) {
	ix := NewIndex(t.TempDir(), nil, nil)
	require.NoError(t, ix.AddMemory("notes", "the trip to portugal includes lisbon and porto"))

	// The whole phrase never appears, so token counts decide.
	docs := ix.Search("portugal trip planning", 3)
	require.Len(t, docs, 1)
	assert.Equal(t, "notes", docs[0].Source)
}

type failingVector struct{}

func (failingVector) Index(string, string) error { return nil }
func (failingVector) Remove(string) error        { return nil }
func (failingVector) Search(string, int) ([]Document, error) {
	return nil, assert.AnError
}

func TestSearchFallsBackWhenVectorFails(t *testing.T) {
	ix := NewIndex(t.TempDir(), failingVector{}, nil)
	require.NoError(t, ix.AddMemory("x", "coffee order is a flat white"))

	docs := ix.Search("coffee", 1)
	require.Len(t, docs, 1)
	assert.Equal(t, "lexical", docs[0].Retrieval)
}
