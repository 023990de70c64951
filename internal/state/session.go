package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/llmgate/internal/types"
)

const sessionIndexVersion = 1

// sessionIndexFile is the on-disk shape of sessions/sessions.json.
type sessionIndexFile struct {
	Version  int                   `json:"version"`
	Sessions []*types.SessionIndex `json:"sessions"`
}

// SessionStore maps session keys to sessions and the vendor binding each
// was opened with. The index is read from sessions/sessions.json on first
// use and kept in memory; every change rewrites the file. Per-session
// directories under sessions/<sessionID>/ hold transcripts.
type SessionStore struct {
	root string

	mu     sync.Mutex
	loaded bool
	byKey  map[types.SessionKey]*types.SessionIndex
	byID   map[types.SessionID]*types.SessionIndex
}

// NewSessionStore creates a SessionStore rooted at root.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

// load fills the in-memory index once. Callers hold s.mu.
func (s *SessionStore) load() error {
	if s.loaded {
		return nil
	}
	s.byKey = make(map[types.SessionKey]*types.SessionIndex)
	s.byID = make(map[types.SessionID]*types.SessionIndex)

	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}

	var file sessionIndexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal session index: %w", err)
	}
	if file.Version > sessionIndexVersion {
		return fmt.Errorf("session index version %d is newer than supported %d", file.Version, sessionIndexVersion)
	}
	for _, sess := range file.Sessions {
		s.byKey[sess.SessionKey] = sess
		s.byID[sess.SessionID] = sess
	}
	s.loaded = true
	return nil
}

// flush writes the index ordered by creation time. Callers hold s.mu.
func (s *SessionStore) flush() error {
	data, err := json.MarshalIndent(sessionIndexFile{
		Version:  sessionIndexVersion,
		Sessions: s.sorted(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.indexPath()), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data, 0o644)
}

func (s *SessionStore) sorted() []*types.SessionIndex {
	out := make([]*types.SessionIndex, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ResolveOrCreate returns the SessionID for key, creating a session bound to
// binding if none exists. An existing session keeps its binding.
func (s *SessionStore) ResolveOrCreate(_ context.Context, key types.SessionKey, binding types.Binding) (types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return "", err
	}
	if existing, ok := s.byKey[key]; ok {
		return existing.SessionID, nil
	}

	now := time.Now()
	sess := &types.SessionIndex{
		SessionID:  types.NewSessionID(),
		SessionKey: key,
		Binding:    binding,
		Status:     "active",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := os.MkdirAll(filepath.Join(s.root, "sessions", string(sess.SessionID)), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	s.byKey[key] = sess
	s.byID[sess.SessionID] = sess
	if err := s.flush(); err != nil {
		delete(s.byKey, key)
		delete(s.byID, sess.SessionID)
		return "", err
	}
	return sess.SessionID, nil
}

// Get returns a copy of the session with the given ID.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.SessionIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	sess, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	cp := *sess
	return &cp, nil
}

// List returns copies of all sessions, oldest first.
func (s *SessionStore) List(_ context.Context) ([]*types.SessionIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := s.sorted()
	for i, sess := range out {
		cp := *sess
		out[i] = &cp
	}
	return out, nil
}

// RecordTurn counts a finished turn against the session.
func (s *SessionStore) RecordTurn(_ context.Context, id types.SessionID, turnID types.TurnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	sess, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	prev := *sess
	sess.LastTurnID = turnID
	sess.Turns++
	sess.UpdatedAt = time.Now()
	if err := s.flush(); err != nil {
		*sess = prev
		return err
	}
	return nil
}
