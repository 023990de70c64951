// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// transcriptEntry is one line of a transcript file.
type transcriptEntry struct {
	Seq     int64       `json:"seq"`
	At      time.Time   `json:"at"`
	Message llm.Message `json:"message"`
}

// TranscriptStore is a JSONL-backed append-only message log.
// Messages are stored per-session in sessions/<sessionID>/transcript.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

// NewTranscriptStore creates a new file-backed TranscriptStore rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (t *TranscriptStore) getLock(sessionID types.SessionID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lock, ok := t.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.locks[sessionID] = lock
	return lock
}

func (t *TranscriptStore) transcriptPath(sessionID types.SessionID) string {
	return filepath.Join(t.root, "sessions", string(sessionID), "transcript.jsonl")
}

// count reads the transcript file and counts lines. Caller must hold the session lock.
func (t *TranscriptStore) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(t.transcriptPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// Append adds messages to the session's transcript in order.
func (t *TranscriptStore) Append(_ context.Context, sessionID types.SessionID, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := t.transcriptPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	t.mu.Lock()
	seq, known := t.seqs[sessionID]
	t.mu.Unlock()
	if !known {
		existing, err := t.count(sessionID)
		if err != nil {
			return err
		}
		seq = existing
	}

	var buf []byte
	now := time.Now().UTC()
	for _, m := range msgs {
		seq++
		data, err := json.Marshal(transcriptEntry{Seq: seq, At: now, Message: m})
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	t.mu.Lock()
	t.seqs[sessionID] = seq
	t.mu.Unlock()
	return nil
}

// Load returns every message of the session in append order.
func (t *TranscriptStore) Load(_ context.Context, sessionID types.SessionID) ([]llm.Message, error) {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(t.transcriptPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var msgs []llm.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry transcriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal transcript entry: %w", err)
		}
		msgs = append(msgs, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return msgs, nil
}

// Count returns the number of messages for the given session.
func (t *TranscriptStore) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := t.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return t.count(sessionID)
}
