// internal/state/credential.go
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
	"github.com/user/llmgate/pkg/llm"
)

// CredentialStore is a JSON-file-backed credential store. All records live
// in credentials.json under the root, written with mode 0600.
type CredentialStore struct {
	root string
	mu   sync.RWMutex
}

// NewCredentialStore creates a file-backed CredentialStore rooted at the given directory.
func NewCredentialStore(root string) *CredentialStore {
	return &CredentialStore{root: root}
}

func (s *CredentialStore) path() string {
	return filepath.Join(s.root, "credentials.json")
}

func credentialKey(vendor llm.Vendor, mode llm.AuthMode, name string) string {
	return types.CredentialIdentity{Vendor: vendor, Mode: mode, SessionName: name}.String()
}

func (s *CredentialStore) load() (map[string]*types.Credential, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*types.Credential), nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds []*types.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	out := make(map[string]*types.Credential, len(creds))
	for _, c := range creds {
		out[c.Identity().String()] = c
	}
	return out, nil
}

func (s *CredentialStore) save(creds map[string]*types.Credential) error {
	list := make([]*types.Credential, 0, len(creds))
	for _, c := range creds {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Identity().String() < list[j].Identity().String()
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	return writeFileAtomic(s.path(), data, 0o600)
}

// Load returns the credential for the identity.
func (s *CredentialStore) Load(_ context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) (*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	c, ok := creds[credentialKey(vendor, mode, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llm.ErrNotFound, credentialKey(vendor, mode, name))
	}
	return c, nil
}

// Save inserts or replaces the credential, stamping UpdatedAt.
func (s *CredentialStore) Save(_ context.Context, cred *types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	saved := *cred
	saved.UpdatedAt = time.Now().UTC()
	creds[saved.Identity().String()] = &saved
	return s.save(creds)
}

// List returns all credentials ordered by identity.
func (s *CredentialStore) List(_ context.Context) ([]*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	list := make([]*types.Credential, 0, len(creds))
	for _, c := range creds {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Identity().String() < list[j].Identity().String()
	})
	return list, nil
}

// Delete removes the credential if present.
func (s *CredentialStore) Delete(_ context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	key := credentialKey(vendor, mode, name)
	if _, ok := creds[key]; !ok {
		return fmt.Errorf("%w: %s", llm.ErrNotFound, key)
	}
	delete(creds, key)
	return s.save(creds)
}

// writeFileAtomic writes to a temp file then renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
