package identity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/concord-gov/concord/internal/identity"
)

func TestIssueAndVerify_roundTrip(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("test-secret"), "http://test", time.Hour)

	tok, err := issuer.Issue("steward-1", "steward")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ActorID != "steward-1" {
		t.Errorf("actor_id = %q, want steward-1", claims.ActorID)
	}
	if claims.Tier != "steward" {
		t.Errorf("governance_tier = %q, want steward", claims.Tier)
	}
}

func TestVerify_rejectsWrongSecret(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("secret-a"), "http://test", time.Hour)
	other := identity.NewTokenIssuer([]byte("secret-b"), "http://test", time.Hour)

	tok, err := issuer.Issue("steward-1", "steward")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.Verify(tok); err == nil {
		t.Fatal("expected verification to fail with a different secret")
	}
}

func TestVerify_rejectsWrongIssuer(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("secret"), "http://a", time.Hour)
	other := identity.NewTokenIssuer([]byte("secret"), "http://b", time.Hour)

	tok, err := issuer.Issue("steward-1", "steward")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := other.Verify(tok); err == nil {
		t.Fatal("expected verification to fail with a different issuer")
	}
}

func TestVerify_rejectsGarbage(t *testing.T) {
	issuer := identity.NewTokenIssuer([]byte("secret"), "http://test", time.Hour)

	_, err := issuer.Verify("not.a.token")
	if err == nil || !strings.Contains(err.Error(), "verify governance token") {
		t.Fatalf("err = %v, want verification error", err)
	}
}
