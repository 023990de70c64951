package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey         = errors.New("missing api key")
	ErrMissingOrgID          = errors.New("missing organization or account id")
	ErrMissingAuthCode       = errors.New("missing authorization code")
	ErrMissingPKCEParams     = errors.New("missing or invalid pkce parameters")
	ErrNoRefreshToken        = errors.New("no refresh token stored")
	ErrExpired               = errors.New("credential expired")
	ErrNotFound              = errors.New("credential not found")
	ErrInvalidProvider       = errors.New("invalid provider")
	ErrDuplicateTurn         = errors.New("a turn is already in flight for this session")
	ErrInvalidToolCallFormat = errors.New("invalid tool call format")
)

// TokenExchangeError is returned when the token endpoint rejects an
// authorization code.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
}

// TokenRefreshError is returned when the token endpoint rejects a refresh.
// Callers should ask the operator to re-authenticate rather than retry.
type TokenRefreshError struct {
	Status int
	Body   string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: status %d: %s", e.Status, e.Body)
}

// HTTPError is a non-success vendor response outside of a stream.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Class is the failure family shown to users.
type Class string

const (
	ClassAuth      Class = "auth"
	ClassTransport Class = "transport"
	ClassProtocol  Class = "protocol"
	ClassInternal  Class = "internal"
)

// ClassOf maps err onto a failure class.
func ClassOf(err error) Class {
	var (
		exch *TokenExchangeError
		ref  *TokenRefreshError
		herr *HTTPError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingAPIKey), errors.Is(err, ErrMissingOrgID),
		errors.Is(err, ErrMissingAuthCode), errors.Is(err, ErrMissingPKCEParams),
		errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotFound), errors.As(err, &exch), errors.As(err, &ref):
		return ClassAuth
	case errors.As(err, &herr):
		if herr.Status == 401 || herr.Status == 403 {
			return ClassAuth
		}
		return ClassTransport
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	case errors.Is(err, ErrInvalidToolCallFormat):
		return ClassProtocol
	default:
		return ClassInternal
	}
}

// StreamErrorFrom turns an error raised before a stream started (building
// the client, materializing auth) into the stream error the loop reports.
func StreamErrorFrom(err error) StreamError {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return StreamError{Kind: KindHTTPError, Status: herr.Status, Body: herr.Body}
	}
	switch ClassOf(err) {
	case ClassAuth:
		return StreamError{Kind: KindAuth, Detail: err.Error()}
	case ClassTransport:
		return StreamError{Kind: KindRequestError, Detail: err.Error()}
	case ClassProtocol:
		return StreamError{Kind: KindProtocol, Detail: err.Error()}
	default:
		return StreamError{Kind: KindInternal, Detail: err.Error()}
	}
}
