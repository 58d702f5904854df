package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Document is one retrieved memory fragment.
type Document struct {
	Content   string
	Source    string
	Retrieval string // "vector" or "lexical"
}

// VectorSearcher is the opaque embedding-backed search index. The file
// store remains the source of truth; the vector index is an accelerator
// that may be absent or failing.
type VectorSearcher interface {
	Index(path, content string) error
	Remove(path string) error
	Search(query string, k int) ([]Document, error)
}

// Index is the long-term memory tier: file-backed storage with vector
// search and a lexical fallback.
type Index struct {
	mu     sync.Mutex
	dir    string
	vector VectorSearcher
	logger *slog.Logger
}

// NewIndex creates an index rooted at dir. vector may be nil, in which
// case every search takes the lexical path.
func NewIndex(dir string, vector VectorSearcher, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		dir:    dir,
		vector: vector,
		logger: logger.With("component", "memory_index"),
	}
}

// sanitizePath rejects traversal outside the memory root.
func (ix *Index) sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(strings.Trim(path, "/"))
	if cleaned == "." || cleaned == "" || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid memory path %q", path)
	}
	return filepath.Join(ix.dir, cleaned+".md"), nil
}

// AddMemory persists a memory to the file store and indexes it.
func (ix *Index) AddMemory(path, content string) error {
	full, err := ix.sanitizePath(path)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write memory %s: %w", path, err)
	}
	if ix.vector != nil {
		if err := ix.vector.Index(path, content); err != nil {
			// The file copy is authoritative; a failed vector write only
			// degrades retrieval to lexical.
			ix.logger.Warn("Failed to index memory in vector store", "path", path, "error", err)
		}
	}
	return nil
}

// DeleteMemory removes a memory from both stores.
func (ix *Index) DeleteMemory(path string) error {
	full, err := ix.sanitizePath(path)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete memory %s: %w", path, err)
	}
	if ix.vector != nil {
		if err := ix.vector.Remove(path); err != nil {
			ix.logger.Warn("Failed to remove memory from vector store", "path", path, "error", err)
		}
	}
	return nil
}

// EditMemory replaces a memory's content.
func (ix *Index) EditMemory(path, content string) error {
	if err := ix.DeleteMemory(path); err != nil {
		return err
	}
	return ix.AddMemory(path, content)
}

// GetMemoryContent reads one memory by path.
func (ix *Index) GetMemoryContent(path string) (string, bool) {
	full, err := ix.sanitizePath(path)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// ListAll returns every stored memory keyed by its logical path.
func (ix *Index) ListAll() map[string]string {
	out := map[string]string{}
	_ = filepath.WalkDir(ix.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		rel, err := filepath.Rel(ix.dir, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		logical := strings.TrimSuffix(filepath.ToSlash(rel), ".md")
		out[logical] = string(data)
		return nil
	})
	return out
}

// CleanupOld deletes memories not modified within the retention window.
func (ix *Index) CleanupOld(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	_ = filepath.WalkDir(ix.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(ix.dir, path)
		if err != nil {
			return nil
		}
		logical := strings.TrimSuffix(filepath.ToSlash(rel), ".md")
		if err := ix.DeleteMemory(logical); err == nil {
			removed++
		}
		return nil
	})
	if removed > 0 {
		ix.logger.Info("Old memories removed", "count", removed)
	}
	return removed
}

// Search retrieves the top-k memories for a query. Vector search is
// tried first; on failure or absence the lexical fallback scores each
// memory by occurrences of the whole query, then of its tokens.
func (ix *Index) Search(query string, k int) []Document {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if k < 1 {
		k = 1
	}

	if ix.vector != nil {
		docs, err := ix.vector.Search(query, k)
		if err == nil {
			return docs
		}
		ix.logger.Warn("Vector memory search failed, using lexical fallback", "error", err)
	}
	return ix.lexicalSearch(query, k)
}

func (ix *Index) lexicalSearch(query string, k int) []Document {
	queryLower := strings.ToLower(query)
	var tokens []string
	for _, tok := range strings.Fields(queryLower) {
		if len(tok) > 2 {
			tokens = append(tokens, tok)
		}
	}

	type scoredDoc struct {
		score int
		doc   Document
	}
	var scored []scoredDoc
	for path, content := range ix.ListAll() {
		contentLower := strings.ToLower(content)
		score := strings.Count(contentLower, queryLower)
		if score == 0 && len(tokens) > 0 {
			for _, tok := range tokens {
				score += strings.Count(contentLower, tok)
			}
		}
		if score > 0 {
			scored = append(scored, scoredDoc{score, Document{
				Content:   content,
				Source:    path,
				Retrieval: "lexical",
			}})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].doc.Source < scored[j].doc.Source
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	out := make([]Document, len(scored))
	for i, s := range scored {
		out[i] = s.doc
	}
	return out
}
