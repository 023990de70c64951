// internal/types/interfaces.go
package types

import (
	"context"

	"github.com/user/llmgate/pkg/llm"
)

// CredentialStore loads and saves credential records. Load returns an error
// wrapping llm.ErrNotFound when no record exists for the identity.
type CredentialStore interface {
	Load(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
	List(ctx context.Context) ([]*Credential, error)
	Delete(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) error
}

// SessionStore indexes sessions by key and records their binding.
type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, binding Binding) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	RecordTurn(ctx context.Context, id SessionID, turnID TurnID) error
}

// TranscriptStore persists the message history of each session.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID SessionID, msgs ...llm.Message) error
	Load(ctx context.Context, sessionID SessionID) ([]llm.Message, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}
