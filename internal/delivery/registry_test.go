// internal/delivery/registry_test.go
package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/user/llmgate/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey types.SessionKey
	var gotMsg string
	reg.Register("test:", func(_ context.Context, sessionKey types.SessionKey, message string) error {
		gotKey = sessionKey
		gotMsg = message
		return nil
	})

	err := reg.Deliver(context.Background(), "test:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "test:123" {
		t.Errorf("expected session key %q, got %q", "test:123", gotKey)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	err := reg.Deliver(context.Background(), "unknown:123", "hello")
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if reg.Handles("unknown:123") {
		t.Error("expected Handles to be false")
	}
}

func TestRegistryMultiplePrefixes(t *testing.T) {
	reg := NewRegistry()

	var telegramCalls, apiCalls int
	reg.Register("telegram:", func(context.Context, types.SessionKey, string) error {
		telegramCalls++
		return nil
	})
	reg.Register("api:", func(context.Context, types.SessionKey, string) error {
		apiCalls++
		return nil
	})

	ctx := context.Background()
	if err := reg.Deliver(ctx, "telegram:42:100", "msg1"); err != nil {
		t.Fatalf("telegram deliver error: %v", err)
	}
	if err := reg.Deliver(ctx, "api:general", "msg2"); err != nil {
		t.Fatalf("api deliver error: %v", err)
	}

	if telegramCalls != 1 {
		t.Errorf("expected 1 telegram call, got %d", telegramCalls)
	}
	if apiCalls != 1 {
		t.Errorf("expected 1 api call, got %d", apiCalls)
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var got string
	reg.Register("telegram:", func(context.Context, types.SessionKey, string) error {
		got = "any"
		return nil
	})
	reg.Register("telegram:42:", func(context.Context, types.SessionKey, string) error {
		got = "user"
		return nil
	})

	if err := reg.Deliver(context.Background(), "telegram:42:100", "m"); err != nil {
		t.Fatal(err)
	}
	if got != "user" {
		t.Errorf("expected the more specific handler, got %q", got)
	}
}
