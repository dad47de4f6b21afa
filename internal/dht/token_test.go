package dht

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestTokenManager_GenerateValidate(t *testing.T) {
	tm, err := NewTokenManager()
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	addr := netip.MustParseAddr("203.0.113.5")
	token := tm.Generate(addr)

	if !tm.Validate(addr, token) {
		t.Fatal("a freshly generated token should validate")
	}
	if tm.Validate(netip.MustParseAddr("203.0.113.6"), token) {
		t.Fatal("a token should not validate for a different address")
	}
}

func TestTokenManager_PreviousSecretStillValidates(t *testing.T) {
	tm, err := NewTokenManager()
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	addr := netip.MustParseAddr("203.0.113.5")
	token := tm.Generate(addr)

	if err := tm.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if !tm.Validate(addr, token) {
		t.Fatal("a token issued just before rotation should still validate against the previous secret")
	}
}

func TestTokenManager_Run_StopsOnCancel(t *testing.T) {
	tm, err := NewTokenManager()
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tm.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
