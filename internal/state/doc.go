// Package state provides filesystem and SQLite backed storage implementations.
package state

import "github.com/user/llmgate/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)
var _ types.CredentialStore = (*CredentialStore)(nil)
var _ types.CredentialStore = (*SQLiteCredentialStore)(nil)
