// internal/types/models.go
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/llmgate/pkg/llm"
)

var ErrSessionNotFound = errors.New("session not found")

// Credential is a stored secret for one (vendor, auth mode, session name).
type Credential struct {
	Vendor       llm.Vendor   `json:"vendor"`
	Mode         llm.AuthMode `json:"auth_mode"`
	SessionName  string       `json:"session_name"`
	Secret       string       `json:"secret_material"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	AccountID    string       `json:"account_id,omitempty"`
	TokenType    string       `json:"token_type,omitempty"`
	Scope        string       `json:"scope,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// CredentialIdentity is the unique key of a credential record.
type CredentialIdentity struct {
	Vendor      llm.Vendor
	Mode        llm.AuthMode
	SessionName string
}

func (i CredentialIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", i.Vendor, i.Mode, i.SessionName)
}

func (c *Credential) Identity() CredentialIdentity {
	return CredentialIdentity{Vendor: c.Vendor, Mode: c.Mode, SessionName: c.SessionName}
}

// ExpiresWithin reports whether the credential expires before now+d.
// Credentials without an expiry never expire.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(d).Before(*c.ExpiresAt)
}

// Binding selects the vendor, credentials and model a session talks to.
type Binding struct {
	Vendor      llm.Vendor   `json:"vendor"`
	AuthMode    llm.AuthMode `json:"auth_mode,omitempty"`
	AuthSession string       `json:"auth_session"`
	Model       string       `json:"model"`
}

type SessionIndex struct {
	SessionID  SessionID  `json:"session_id"`
	SessionKey SessionKey `json:"session_key"`
	Binding    Binding    `json:"binding"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastTurnID TurnID     `json:"last_turn_id,omitempty"`
	Turns      int64      `json:"turns"`
}

type InboundEvent struct {
	Source     string     `json:"source"`
	SessionKey SessionKey `json:"session_key"`
	UserID     string     `json:"user_id"`
	Text       string     `json:"text"`
}
