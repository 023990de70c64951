// internal/state/credential_sqlite.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// credentialSchemaVersion is stored in the metadata table.
const credentialSchemaVersion = "1"

// SQLiteCredentialStore keeps credentials in a SQLite database.
type SQLiteCredentialStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteCredentialStore opens (and if needed creates) the database at path.
func NewSQLiteCredentialStore(path string) (*SQLiteCredentialStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			vendor TEXT NOT NULL,
			auth_mode TEXT NOT NULL,
			session_name TEXT NOT NULL,
			secret TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at INTEGER,
			account_id TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (vendor, auth_mode, session_name)
		);
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	var version string
	err = db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec("INSERT INTO metadata (key, value) VALUES ('schema_version', ?)", credentialSchemaVersion); err != nil {
			db.Close()
			return nil, err
		}
	case err != nil:
		db.Close()
		return nil, err
	case version != credentialSchemaVersion:
		db.Close()
		return nil, fmt.Errorf("unsupported credential schema version: %s (expected %s)", version, credentialSchemaVersion)
	}

	return &SQLiteCredentialStore{db: db}, nil
}

func (s *SQLiteCredentialStore) Close() error {
	return s.db.Close()
}

const credentialColumns = `vendor, auth_mode, session_name, secret, refresh_token, expires_at, account_id, token_type, scope, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*types.Credential, error) {
	var (
		c         types.Credential
		vendor    string
		mode      string
		expiresAt sql.NullInt64
		updatedAt int64
	)
	if err := row.Scan(&vendor, &mode, &c.SessionName, &c.Secret, &c.RefreshToken, &expiresAt,
		&c.AccountID, &c.TokenType, &c.Scope, &updatedAt); err != nil {
		return nil, err
	}
	c.Vendor = llm.Vendor(vendor)
	c.Mode = llm.AuthMode(mode)
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		c.ExpiresAt = &t
	}
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &c, nil
}

func (s *SQLiteCredentialStore) Load(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) (*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+` FROM credentials
		WHERE vendor = ? AND auth_mode = ? AND session_name = ?`, string(vendor), string(mode), name)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", llm.ErrNotFound, credentialKey(vendor, mode, name))
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return c, nil
}

// Save upserts the record; the secret and expiry are replaced in one statement.
func (s *SQLiteCredentialStore) Save(ctx context.Context, cred *types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt sql.NullInt64
	if cred.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: cred.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO credentials ("+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vendor, auth_mode, session_name) DO UPDATE SET
			secret = excluded.secret,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			account_id = excluded.account_id,
			token_type = excluded.token_type,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		string(cred.Vendor), string(cred.Mode), cred.SessionName, cred.Secret, cred.RefreshToken, expiresAt,
		cred.AccountID, cred.TokenType, cred.Scope, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *SQLiteCredentialStore) List(ctx context.Context) ([]*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+credentialColumns+" FROM credentials ORDER BY vendor, auth_mode, session_name")
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*types.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteCredentialStore) Delete(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE vendor = ? AND auth_mode = ? AND session_name = ?",
		string(vendor), string(mode), name)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", llm.ErrNotFound, credentialKey(vendor, mode, name))
	}
	return nil
}
