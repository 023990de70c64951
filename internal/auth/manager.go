// Package auth resolves, exchanges, refreshes and materializes vendor
// credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// DefaultSkew is how long before expiry a token is treated as stale.
const DefaultSkew = 60 * time.Second

// refreshTimeout bounds a shared refresh, which outlives any single caller.
const refreshTimeout = 30 * time.Second

// Manager owns credential records. Every write for one identity happens
// under that identity's lock, and concurrent stale reads share a single
// refresh.
type Manager struct {
	store     types.CredentialStore
	providers map[llm.Vendor]llm.AuthProvider
	overrides map[llm.Vendor]llm.OAuthEndpoint
	client    *http.Client
	now       func() time.Time
	skew      time.Duration

	flights singleflight.Group
	mu      sync.Mutex
	locks   map[types.CredentialIdentity]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSkew sets how early tokens are refreshed.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithEndpoint overrides the non-empty fields of a vendor's OAuth endpoint.
func WithEndpoint(vendor llm.Vendor, ep llm.OAuthEndpoint) Option {
	return func(m *Manager) { m.overrides[vendor] = ep }
}

// NewManager creates a Manager over store for the given vendors.
func NewManager(store types.CredentialStore, providers map[llm.Vendor]llm.AuthProvider, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		providers: providers,
		overrides: make(map[llm.Vendor]llm.OAuthEndpoint),
		client:    &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
		skew:      DefaultSkew,
		locks:     make(map[types.CredentialIdentity]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// getLock returns the per-identity mutex, creating one if it doesn't exist.
func (m *Manager) getLock(id types.CredentialIdentity) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[id] = lock
	return lock
}

func (m *Manager) provider(vendor llm.Vendor) (llm.AuthProvider, error) {
	p, ok := m.providers[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", llm.ErrInvalidProvider, vendor)
	}
	return p, nil
}

// Endpoint returns the effective OAuth endpoint for vendor.
func (m *Manager) Endpoint(vendor llm.Vendor) (llm.OAuthEndpoint, error) {
	p, err := m.provider(vendor)
	if err != nil {
		return llm.OAuthEndpoint{}, err
	}
	base := p.OAuth()
	if base == nil {
		return llm.OAuthEndpoint{}, fmt.Errorf("%w: %s does not support oauth", llm.ErrInvalidProvider, vendor)
	}
	ep := *base
	if o, ok := m.overrides[vendor]; ok {
		if o.AuthorizeURL != "" {
			ep.AuthorizeURL = o.AuthorizeURL
		}
		if o.TokenURL != "" {
			ep.TokenURL = o.TokenURL
		}
		if o.ClientID != "" {
			ep.ClientID = o.ClientID
		}
		if o.ClientSecret != "" {
			ep.ClientSecret = o.ClientSecret
		}
		if o.RedirectURI != "" {
			ep.RedirectURI = o.RedirectURI
		}
		if len(o.Scopes) > 0 {
			ep.Scopes = o.Scopes
		}
	}
	if ep.TokenURL == "" {
		return llm.OAuthEndpoint{}, fmt.Errorf("%w: %s has no token url", llm.ErrInvalidProvider, vendor)
	}
	return ep, nil
}

// AuthorizeURL builds the consent URL the operator opens to obtain a code.
func (m *Manager) AuthorizeURL(vendor llm.Vendor, p PKCE, state string) (string, error) {
	ep, err := m.Endpoint(vendor)
	if err != nil {
		return "", err
	}
	if p.Challenge == "" || p.Method == "" {
		return "", llm.ErrMissingPKCEParams
	}
	return buildAuthorizeURL(ep, p, state)
}

// ResolveMode returns the first mode, in the vendor's preference order, that
// has a stored credential for name.
func (m *Manager) ResolveMode(ctx context.Context, vendor llm.Vendor, name string) (llm.AuthMode, error) {
	p, err := m.provider(vendor)
	if err != nil {
		return "", err
	}
	for _, mode := range p.Modes() {
		_, err := m.store.Load(ctx, vendor, mode, name)
		if err == nil {
			return mode, nil
		}
		if !errors.Is(err, llm.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no credentials for %s session %q", llm.ErrNotFound, vendor, name)
}

// ExchangeCode trades an authorization code for tokens and stores them under
// (vendor, oauth, name). Codes pasted as "code#state" are split.
func (m *Manager) ExchangeCode(ctx context.Context, vendor llm.Vendor, name, code, verifier string) (*types.Credential, error) {
	code, state, _ := strings.Cut(strings.TrimSpace(code), "#")
	code, state = strings.TrimSpace(code), strings.TrimSpace(state)
	if code == "" {
		return nil, llm.ErrMissingAuthCode
	}
	if verifier == "" {
		return nil, llm.ErrMissingPKCEParams
	}
	if err := ValidateVerifier(verifier); err != nil {
		return nil, err
	}
	ep, err := m.Endpoint(vendor)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {ep.ClientID},
		"code":          {code},
		"code_verifier": {verifier},
	}
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}
	if ep.RedirectURI != "" {
		form.Set("redirect_uri", ep.RedirectURI)
	}
	if state != "" {
		form.Set("state", state)
	}

	tok, status, body, err := m.postToken(ctx, ep.TokenURL, form)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, &llm.TokenExchangeError{Status: status, Body: body}
	}

	id := types.CredentialIdentity{Vendor: vendor, Mode: llm.AuthOAuth, SessionName: name}
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	cred := credentialFromToken(id, tok, nil, m.now())
	if err := m.store.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	slog.Info("oauth credential stored", "vendor", vendor, "session", name)
	return cred, nil
}

// Refresh exchanges the stored refresh token for a new access token.
// A TokenRefreshError means the operator has to re-authenticate.
func (m *Manager) Refresh(ctx context.Context, vendor llm.Vendor, name string) (*types.Credential, error) {
	id := types.CredentialIdentity{Vendor: vendor, Mode: llm.AuthOAuth, SessionName: name}
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return m.refreshLocked(ctx, id)
}

// refreshLocked refreshes id. Caller must hold the identity lock.
func (m *Manager) refreshLocked(ctx context.Context, id types.CredentialIdentity) (*types.Credential, error) {
	cred, err := m.store.Load(ctx, id.Vendor, id.Mode, id.SessionName)
	if err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s", llm.ErrNoRefreshToken, id)
	}
	ep, err := m.Endpoint(id.Vendor)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {ep.ClientID},
		"refresh_token": {cred.RefreshToken},
	}
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}

	tok, status, body, err := m.postToken(ctx, ep.TokenURL, form)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		slog.Warn("token refresh rejected", "credential", id.String(), "status", status)
		return nil, &llm.TokenRefreshError{Status: status, Body: body}
	}

	next := credentialFromToken(id, tok, cred, m.now())
	if err := m.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	slog.Info("oauth credential refreshed", "credential", id.String())
	return next, nil
}

// Materialize resolves the auth mode for (vendor, name) and returns the
// material a request needs, refreshing a stale OAuth token first.
func (m *Manager) Materialize(ctx context.Context, vendor llm.Vendor, name string) (llm.AuthMaterial, error) {
	mode, err := m.ResolveMode(ctx, vendor, name)
	if err != nil {
		return llm.AuthMaterial{}, err
	}
	return m.MaterializeMode(ctx, vendor, mode, name)
}

// MaterializeMode is Materialize with an explicit mode.
func (m *Manager) MaterializeMode(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) (llm.AuthMaterial, error) {
	p, err := m.provider(vendor)
	if err != nil {
		return llm.AuthMaterial{}, err
	}
	if !llm.SupportsMode(p, mode) {
		return llm.AuthMaterial{}, fmt.Errorf("%w: %s does not support %s", llm.ErrInvalidProvider, vendor, mode)
	}

	switch mode {
	case llm.AuthAPIKey:
		cred, err := m.store.Load(ctx, vendor, mode, name)
		if err != nil {
			return llm.AuthMaterial{}, err
		}
		if cred.Secret == "" {
			return llm.AuthMaterial{}, llm.ErrMissingAPIKey
		}
		return llm.AuthMaterial{Mode: mode, APIKey: cred.Secret}, nil
	default:
		cred, err := m.fresh(ctx, types.CredentialIdentity{Vendor: vendor, Mode: mode, SessionName: name})
		if err != nil {
			return llm.AuthMaterial{}, err
		}
		return llm.AuthMaterial{Mode: mode, AccessToken: cred.Secret, AccountID: cred.AccountID}, nil
	}
}

// fresh returns a non-stale credential for id. Reading the expiry and
// refreshing happen under the identity lock, and callers that arrive while a
// refresh is running wait for its result. The refresh runs detached from the
// caller that started it, so one caller giving up does not fail the others.
func (m *Manager) fresh(ctx context.Context, id types.CredentialIdentity) (*types.Credential, error) {
	ch := m.flights.DoChan(id.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		lock := m.getLock(id)
		lock.Lock()
		defer lock.Unlock()

		cred, err := m.store.Load(ctx, id.Vendor, id.Mode, id.SessionName)
		if err != nil {
			return nil, err
		}
		if !cred.ExpiresWithin(m.now(), m.skew) {
			return cred, nil
		}
		if cred.RefreshToken == "" {
			return nil, fmt.Errorf("%w: %s", llm.ErrExpired, id)
		}
		return m.refreshLocked(ctx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Credential), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetAPIKey stores an API key credential.
func (m *Manager) SetAPIKey(ctx context.Context, vendor llm.Vendor, name, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return llm.ErrMissingAPIKey
	}
	p, err := m.provider(vendor)
	if err != nil {
		return err
	}
	if !llm.SupportsMode(p, llm.AuthAPIKey) {
		return fmt.Errorf("%w: %s does not accept api keys", llm.ErrInvalidProvider, vendor)
	}

	id := types.CredentialIdentity{Vendor: vendor, Mode: llm.AuthAPIKey, SessionName: name}
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return m.store.Save(ctx, &types.Credential{Vendor: vendor, Mode: llm.AuthAPIKey, SessionName: name, Secret: key})
}

// Delete removes a stored credential.
func (m *Manager) Delete(ctx context.Context, vendor llm.Vendor, mode llm.AuthMode, name string) error {
	id := types.CredentialIdentity{Vendor: vendor, Mode: mode, SessionName: name}
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return m.store.Delete(ctx, vendor, mode, name)
}

// Credentials lists every stored credential.
func (m *Manager) Credentials(ctx context.Context) ([]*types.Credential, error) {
	return m.store.List(ctx)
}

// RefreshExpiring refreshes every OAuth credential that expires within
// window. Failures are logged and returned joined; nothing is retried.
func (m *Manager) RefreshExpiring(ctx context.Context, window time.Duration) (int, error) {
	creds, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		refreshed int
		errs      []error
	)
	for _, c := range creds {
		if c.Mode != llm.AuthOAuth || c.RefreshToken == "" || !c.ExpiresWithin(m.now(), window) {
			continue
		}
		ok, err := m.refreshIfExpiring(ctx, c.Identity(), window)
		if err != nil {
			slog.Warn("scheduled refresh failed", "credential", c.Identity().String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Identity(), err))
			continue
		}
		if ok {
			refreshed++
		}
	}
	return refreshed, errors.Join(errs...)
}

func (m *Manager) refreshIfExpiring(ctx context.Context, id types.CredentialIdentity, window time.Duration) (bool, error) {
	lock := m.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock; a request may have refreshed it meanwhile.
	cred, err := m.store.Load(ctx, id.Vendor, id.Mode, id.SessionName)
	if err != nil {
		return false, err
	}
	if !cred.ExpiresWithin(m.now(), window) {
		return false, nil
	}
	_, err = m.refreshLocked(ctx, id)
	return err == nil, err
}
