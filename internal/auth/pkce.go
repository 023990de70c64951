package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/user/llmgate/pkg/llm"
)

// MethodS256 is the only challenge method generated here.
const MethodS256 = "S256"

// PKCE is a verifier/challenge pair for one authorization attempt.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a 43-character verifier and its S256 challenge.
func NewPKCE() (PKCE, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCE{}, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return PKCE{Verifier: verifier, Challenge: ChallengeS256(verifier), Method: MethodS256}, nil
}

// ChallengeS256 derives the S256 code challenge for verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

const verifierChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// ValidateVerifier checks the RFC 7636 length and alphabet rules.
func ValidateVerifier(verifier string) error {
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("%w: verifier must be 43-128 characters, got %d", llm.ErrMissingPKCEParams, len(verifier))
	}
	for _, r := range verifier {
		if !strings.ContainsRune(verifierChars, r) {
			return fmt.Errorf("%w: verifier contains %q", llm.ErrMissingPKCEParams, r)
		}
	}
	return nil
}

func buildAuthorizeURL(ep llm.OAuthEndpoint, p PKCE, state string) (string, error) {
	u, err := url.Parse(ep.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", ep.ClientID)
	if ep.RedirectURI != "" {
		q.Set("redirect_uri", ep.RedirectURI)
	}
	if len(ep.Scopes) > 0 {
		q.Set("scope", strings.Join(ep.Scopes, " "))
	}
	q.Set("code_challenge", p.Challenge)
	q.Set("code_challenge_method", p.Method)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
