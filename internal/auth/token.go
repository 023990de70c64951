package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// tokenResponse is the JSON body returned by an OAuth token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

// postToken posts form to the token endpoint. A non-2xx answer is returned as
// status and body with a nil error so callers can pick the error type.
func (m *Manager) postToken(ctx context.Context, tokenURL string, form url.Values) (*tokenResponse, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, string(body), nil
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, resp.StatusCode, string(body), nil
	}
	if tok.AccessToken == "" {
		return nil, resp.StatusCode, string(body), nil
	}
	return &tok, resp.StatusCode, "", nil
}

// credentialFromToken maps a token response onto a credential record. Fields
// missing from the response keep the values of prev.
func credentialFromToken(id types.CredentialIdentity, tok *tokenResponse, prev *types.Credential, now time.Time) *types.Credential {
	c := &types.Credential{
		Vendor:       id.Vendor,
		Mode:         llm.AuthOAuth,
		SessionName:  id.SessionName,
		Secret:       tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
	}
	if tok.ExpiresIn > 0 {
		exp := now.Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
		c.ExpiresAt = &exp
	}
	c.AccountID = accountIDFromIDToken(tok.IDToken)
	if prev != nil {
		if c.RefreshToken == "" {
			c.RefreshToken = prev.RefreshToken
		}
		if c.AccountID == "" {
			c.AccountID = prev.AccountID
		}
		if c.Scope == "" {
			c.Scope = prev.Scope
		}
	}
	return c
}

// accountIDFromIDToken reads the ChatGPT account id claim out of an OpenID
// token payload. The signature is not checked; the token came straight from
// the token endpoint over TLS.
func accountIDFromIDToken(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Auth struct {
			AccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
		AccountID string `json:"chatgpt_account_id"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.Auth.AccountID != "" {
		return claims.Auth.AccountID
	}
	return claims.AccountID
}
