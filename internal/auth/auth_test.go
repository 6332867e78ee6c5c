package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticAuthenticator(t *testing.T) {
	a := StaticAuthenticator{}

	id, err := a.Authenticate(context.Background(), "web", "u1", "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "u1" || id.Platform != "web" {
		t.Fatalf("wrong identity: %+v", id)
	}

	if _, err := a.Authenticate(context.Background(), "", "u1", ""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("empty platform must fail, got %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "web", "", ""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("empty user must fail, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := NewTokenAuthenticator("test-secret")
	token, err := a.Sign("u1", "discord", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := a.Authenticate(context.Background(), "discord", "u1", token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "u1" || id.Platform != "discord" {
		t.Fatalf("wrong identity: %+v", id)
	}

	// 声明值可省略，身份仍来自 claims
	id, err = a.Authenticate(context.Background(), "", "", token)
	if err != nil {
		t.Fatalf("authenticate without declared values: %v", err)
	}
	if id.UserID != "u1" || id.Platform != "discord" {
		t.Fatalf("claims must fill the identity: %+v", id)
	}
}

func TestTokenRejectsMismatchedClaims(t *testing.T) {
	a := NewTokenAuthenticator("test-secret")
	token, err := a.Sign("u1", "discord", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := a.Authenticate(context.Background(), "discord", "someone-else", token); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("user mismatch must fail, got %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "web", "u1", token); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("platform mismatch must fail, got %v", err)
	}
}

func TestTokenRejectsForgeryAndExpiry(t *testing.T) {
	a := NewTokenAuthenticator("test-secret")

	if _, err := a.Authenticate(context.Background(), "web", "u1", ""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("empty token must fail, got %v", err)
	}

	forged, err := NewTokenAuthenticator("other-secret").Sign("u1", "web", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "web", "u1", forged); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong signing key must fail, got %v", err)
	}

	expired, err := a.Sign("u1", "web", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "web", "u1", expired); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}
