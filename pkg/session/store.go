// Package session persists conversation state as one JSON file per
// session under the configured data directory.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thebobhuff/Astromech-Agent/pkg/models"
)

// sessionIDRe bounds what we accept as a session id before it becomes a
// file name.
var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ErrInvalidSessionID is returned for ids that cannot name a file.
var ErrInvalidSessionID = errors.New("invalid session id")

const writeStripes = 32

// Store reads and writes sessions. Writes to the same session are
// serialized through striped mutexes so concurrent lanes for different
// sessions never contend.
type Store struct {
	dir     string
	logger  *slog.Logger
	stripes [writeStripes]sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "session_store"),
	}
}

func (s *Store) stripe(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.stripes[h.Sum32()%writeStripes]
}

func (s *Store) path(sessionID string) (string, error) {
	if !sessionIDRe.MatchString(sessionID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}

// Load returns the session, or a fresh empty one when no file exists.
func (s *Store) Load(sessionID string) (*models.AgentSession, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}

	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		now := time.Now().UTC()
		return &models.AgentSession{
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var sess models.AgentSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	if sess.SessionID == "" {
		sess.SessionID = sessionID
	}
	return &sess, nil
}

// Save trims the session to its message cap and writes it atomically
// (temp file + rename).
func (s *Store) Save(sess *models.AgentSession) error {
	path, err := s.path(sess.SessionID)
	if err != nil {
		return err
	}

	mu := s.stripe(sess.SessionID)
	mu.Lock()
	defer mu.Unlock()

	sess.TrimMessages()
	sess.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", sess.SessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Delete removes a session file. Missing files are not an error.
func (s *Store) Delete(sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// List returns the known session ids, sorted.
func (s *Store) List() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids
}
