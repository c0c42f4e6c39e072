package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokensGenerateAndParse(t *testing.T) {
	tokens, err := NewTokens(testSecret, WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, exp, err := tokens.Generate("user-42", []string{"Manager", "viewer", "manager"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiration, got %v", exp)
	}

	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "manager") || !slices.Contains(claims.Roles, "viewer") {
		t.Fatalf("roles were not normalised: %v", claims.Roles)
	}
}

func TestTokensRejectForeignAndExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	tokens, err := NewTokens(testSecret, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	other, _ := NewTokens("another-secret-of-enough-length")

	token, _, err := other.Generate("mallory", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := tokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	token, _, err = tokens.Generate("alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	clock = now.Add(2 * time.Minute)
	if _, err := tokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, "ADMIN") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
}
