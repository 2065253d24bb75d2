package capability_test

import (
	"context"
	"crypto/ed25519"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unicity-astrid/astrid/internal/astrid/capability"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

func newTestStore(t *testing.T) (*capability.Store, *capability.Signer) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "capability-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := capability.NewSigner(priv, pub)

	return capability.NewStore(s, signer), signer
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	_, signer := newTestStore(t)
	expiry := time.Now().Add(time.Hour)

	tok := &capability.Token{
		ID:              "tok-1",
		ResourcePattern: "fs:/workspace/*",
		Permissions:     []string{"read", "write"},
		IssuedTo:        "user-1",
		Scope:           capability.ScopeSession,
		Expiry:          &expiry,
		CreatedAt:       time.Now(),
	}

	signed, err := signer.Sign(tok)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	resourcePattern, permissions, scope, issuedTo, _, err := signer.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resourcePattern != tok.ResourcePattern {
		t.Errorf("resource pattern mismatch: %q vs %q", resourcePattern, tok.ResourcePattern)
	}
	if len(permissions) != 2 {
		t.Errorf("expected 2 permissions, got %v", permissions)
	}
	if scope != tok.Scope {
		t.Errorf("scope mismatch: %q vs %q", scope, tok.Scope)
	}
	if issuedTo != tok.IssuedTo {
		t.Errorf("issued-to mismatch: %q vs %q", issuedTo, tok.IssuedTo)
	}
}

func TestVerify_RejectsTamperedSignature(t *testing.T) {
	_, signer := newTestStore(t)

	tok := &capability.Token{
		ID:              "tok-1",
		ResourcePattern: "fs:/workspace/*",
		Permissions:     []string{"read"},
		IssuedTo:        "user-1",
		Scope:           capability.ScopeOnce,
		CreatedAt:       time.Now(),
	}
	signed, err := signer.Sign(tok)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := signed[:len(signed)-2] + "xx"
	if _, _, _, _, _, err := signer.Verify(tampered); err == nil {
		t.Fatal("expected verification to fail on a tampered token")
	}
}

func TestIssueAndFindMatching(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	uses := 3
	_, err := s.Issue(ctx, "fs:/workspace/*", []string{"write"}, "user-1", capability.ScopeSession, &uses, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	found, err := s.FindMatching(ctx, "fs:/workspace/*", "write", "user-1")
	if err != nil {
		t.Fatalf("FindMatching: %v", err)
	}
	if found == nil {
		t.Fatal("expected a matching token")
	}

	if _, err := s.FindMatching(ctx, "fs:/workspace/*", "delete", "user-1"); err != nil {
		t.Fatalf("FindMatching for unmatched permission: %v", err)
	}
}

func TestConsume_DecrementsUsesAndExhausts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	uses := 1
	tok, err := s.Issue(ctx, "fs:/workspace/*", []string{"write"}, "user-1", capability.ScopeOnce, &uses, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := s.Consume(ctx, tok.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := s.Consume(ctx, tok.ID); err != capability.ErrTokenExhausted {
		t.Fatalf("expected ErrTokenExhausted on second consume, got %v", err)
	}
}

func TestConsume_ExpiredToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	tok, err := s.Issue(ctx, "fs:/workspace/*", []string{"write"}, "user-1", capability.ScopeAlways, nil, &past)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := s.Consume(ctx, tok.ID); err != capability.ErrTokenExhausted {
		t.Fatalf("expected ErrTokenExhausted for expired token, got %v", err)
	}
}

func TestDeleteSessionScoped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Issue(ctx, "fs:/workspace/*", []string{"write"}, "user-1", capability.ScopeSession, nil, nil); err != nil {
		t.Fatalf("Issue session token: %v", err)
	}
	if _, err := s.Issue(ctx, "fs:/workspace/*", []string{"read"}, "user-1", capability.ScopeAlways, nil, nil); err != nil {
		t.Fatalf("Issue always token: %v", err)
	}

	if err := s.DeleteSessionScoped(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteSessionScoped: %v", err)
	}

	if tok, err := s.FindMatching(ctx, "fs:/workspace/*", "write", "user-1"); err != nil || tok != nil {
		t.Errorf("expected session-scoped token gone, got %v / %v", tok, err)
	}
	if tok, err := s.FindMatching(ctx, "fs:/workspace/*", "read", "user-1"); err != nil || tok == nil {
		t.Errorf("expected always-scoped token to survive, got %v / %v", tok, err)
	}
}
