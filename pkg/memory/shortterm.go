// Package memory implements the three durable memory tiers consumed by
// the orchestrator: daily short-term summaries, structured relationship
// facts, and the long-term searchable index.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ShortTermExpiry is how long a short-term entry stays relevant.
const ShortTermExpiry = 2 * time.Hour

// ShortTermEntry is a single conversation summary.
type ShortTermEntry struct {
	Summary      string    `json:"summary"`
	Timestamp    time.Time `json:"timestamp"`
	MessageRange string    `json:"message_range,omitempty"`
	SessionID    string    `json:"session_id"`
}

// shortTermBucket is one session's summaries for one day.
type shortTermBucket struct {
	SessionID string           `json:"session_id"`
	Date      string           `json:"date"`
	Memories  []ShortTermEntry `json:"memories"`
}

// ShortTermStore keeps daily-bucketed conversation summaries on disk
// under <dir>/<session_id>/<YYYY-MM-DD>.json.
type ShortTermStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewShortTermStore creates the store rooted at dir.
func NewShortTermStore(dir string, logger *slog.Logger) *ShortTermStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShortTermStore{
		dir:    dir,
		logger: logger.With("component", "short_term_memory"),
		now:    time.Now,
	}
}

func (s *ShortTermStore) bucketPath(sessionID, date string) string {
	return filepath.Join(s.dir, sessionID, date+".json")
}

func (s *ShortTermStore) loadBucket(sessionID, date string) shortTermBucket {
	bucket := shortTermBucket{SessionID: sessionID, Date: date}
	data, err := os.ReadFile(s.bucketPath(sessionID, date))
	if err != nil {
		return bucket
	}
	if err := json.Unmarshal(data, &bucket); err != nil {
		s.logger.Error("Failed to parse short-term bucket", "session_id", sessionID, "date", date, "error", err)
		return shortTermBucket{SessionID: sessionID, Date: date}
	}
	return bucket
}

func (s *ShortTermStore) saveBucket(bucket shortTermBucket) error {
	path := s.bucketPath(bucket.SessionID, bucket.Date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create short-term dir: %w", err)
	}
	data, err := json.MarshalIndent(bucket, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Add appends a summary to today's bucket.
func (s *ShortTermStore) Add(sessionID, summary, messageRange string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.now().UTC().Format("2006-01-02")
	bucket := s.loadBucket(sessionID, today)
	bucket.Memories = append(bucket.Memories, ShortTermEntry{
		Summary:      summary,
		Timestamp:    s.now().UTC(),
		MessageRange: messageRange,
		SessionID:    sessionID,
	})
	if err := s.saveBucket(bucket); err != nil {
		return fmt.Errorf("save short-term bucket: %w", err)
	}
	s.logger.Info("Short-term memory added", "session_id", sessionID, "summary", truncate(summary, 60))
	return nil
}

// TodayEntries returns today's summaries for a session.
func (s *ShortTermStore) TodayEntries(sessionID string) []ShortTermEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBucket(sessionID, s.now().UTC().Format("2006-01-02")).Memories
}

// TodayContext renders today's summaries as a system-prompt block, or
// the empty string when there are none.
func (s *ShortTermStore) TodayContext(sessionID string) string {
	entries := s.TodayEntries(sessionID)
	if len(entries) == 0 {
		return ""
	}
	lines := []string{"--- SHORT-TERM MEMORY (Today's Conversation History) ---"}
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s", e.Timestamp.Format("15:04"), e.Summary))
	}
	lines = append(lines, "--- END SHORT-TERM MEMORY ---")
	return strings.Join(lines, "\n")
}

// CleanupExpired drops entries older than ShortTermExpiry across all
// sessions (or one, when sessionID is non-empty) and removes buckets
// that end up empty.
func (s *ShortTermStore) CleanupExpired(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionDirs []string
	if sessionID != "" {
		sessionDirs = []string{filepath.Join(s.dir, sessionID)}
	} else {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				sessionDirs = append(sessionDirs, filepath.Join(s.dir, e.Name()))
			}
		}
	}

	cutoff := s.now().UTC().Add(-ShortTermExpiry)
	removedEntries, removedFiles := 0, 0
	for _, dir := range sessionDirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		sid := filepath.Base(dir)
		for _, f := range files {
			if !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			date := strings.TrimSuffix(f.Name(), ".json")
			bucket := s.loadBucket(sid, date)
			kept := bucket.Memories[:0]
			for _, entry := range bucket.Memories {
				if entry.Timestamp.After(cutoff) {
					kept = append(kept, entry)
				}
			}
			removed := len(bucket.Memories) - len(kept)
			if removed == 0 {
				continue
			}
			removedEntries += removed
			bucket.Memories = kept
			if len(kept) == 0 {
				if err := os.Remove(s.bucketPath(sid, date)); err == nil {
					removedFiles++
				}
				continue
			}
			if err := s.saveBucket(bucket); err != nil {
				s.logger.Error("Failed to rewrite short-term bucket", "path", s.bucketPath(sid, date), "error", err)
			}
		}
	}
	if removedEntries > 0 || removedFiles > 0 {
		s.logger.Info("Short-term memory cleanup complete",
			"removed_entries", removedEntries, "removed_files", removedFiles)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
