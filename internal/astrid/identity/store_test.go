package identity_test

import (
	"context"
	"os"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/unicity-astrid/astrid/internal/astrid/identity"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

// newTestStore opens a temporary SQLite database (with migrations applied)
// and returns an identity.Store backed by it. The DB is closed when the
// test ends.
func newTestStore(t *testing.T) *identity.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "identity-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return identity.New(s)
}

func TestCreateIdentityAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateIdentity(ctx, "Alice", "")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected non-empty ID")
	}

	if _, err := s.CreateLink(ctx, u.ID, "discord", "123456", identity.VerifyFirstContact, "", true); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	got, err := s.Resolve(ctx, "discord", "123456")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("resolved ID mismatch: %q vs %q", got.ID, u.ID)
	}
}

func TestResolve_PlatformTagAliasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.CreateIdentity(ctx, "Bob", "")
	if _, err := s.CreateLink(ctx, u.ID, "Telegram", "42", identity.VerifyFirstContact, "", true); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	got, err := s.Resolve(ctx, "tg", "42")
	if err != nil {
		t.Fatalf("Resolve with alias: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("expected alias to resolve to same user, got %q vs %q", got.ID, u.ID)
	}
}

func TestResolve_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Resolve(context.Background(), "discord", "doesnotexist")
	if err == nil {
		t.Fatal("expected error for unknown platform link")
	}
}

func TestCreateLink_AlreadyLinked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, _ := s.CreateIdentity(ctx, "Carol", "")
	u2, _ := s.CreateIdentity(ctx, "Dave", "")

	if _, err := s.CreateLink(ctx, u1.ID, "discord", "999", identity.VerifyFirstContact, "", true); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	_, err := s.CreateLink(ctx, u2.ID, "discord", "999", identity.VerifyFirstContact, "", true)
	if err == nil {
		t.Fatal("expected error linking an already-linked platform account")
	}
}

func TestRemoveLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.CreateIdentity(ctx, "Erin", "")
	if _, err := s.CreateLink(ctx, u.ID, "matrix", "@erin:example.com", identity.VerifyFirstContact, "", true); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	if err := s.RemoveLink(ctx, "matrix", "@erin:example.com"); err != nil {
		t.Fatalf("RemoveLink: %v", err)
	}

	if _, err := s.Resolve(ctx, "matrix", "@erin:example.com"); err == nil {
		t.Fatal("expected resolve to fail after removal")
	}
}

func TestGetLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.CreateIdentity(ctx, "Frank", "")
	if _, err := s.CreateLink(ctx, u.ID, "discord", "1", identity.VerifyFirstContact, "", true); err != nil {
		t.Fatalf("CreateLink discord: %v", err)
	}
	if _, err := s.CreateLink(ctx, u.ID, "telegram", "2", identity.VerifyAdmin, "manual", false); err != nil {
		t.Fatalf("CreateLink telegram: %v", err)
	}

	links, err := s.GetLinks(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
}

func TestGenerateAndVerifyLinkCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.CreateIdentity(ctx, "Grace", "")
	if _, err := s.CreateLink(ctx, u.ID, "discord", "7", identity.VerifyFirstContact, "", true); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	code, err := s.GenerateLinkCode(ctx, u.ID, "discord", "7")
	if err != nil {
		t.Fatalf("GenerateLinkCode: %v", err)
	}
	if len(code.Code) != 9 {
		t.Errorf("expected 9-digit code, got %q", code.Code)
	}

	link, err := s.VerifyLinkCode(ctx, code.Code, "telegram", "99")
	if err != nil {
		t.Fatalf("VerifyLinkCode: %v", err)
	}
	if link.UserID != u.ID {
		t.Errorf("expected link to resolve to %q, got %q", u.ID, link.UserID)
	}

	// The code must not be redeemable twice.
	if _, err := s.VerifyLinkCode(ctx, code.Code, "cli", "shouldfail"); err == nil {
		t.Fatal("expected error redeeming an already-used link code")
	}
}

func TestGenerateLinkCode_HasPositiveTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, _ := s.CreateIdentity(ctx, "Heidi", "")
	code, err := s.GenerateLinkCode(ctx, u.ID, "discord", "5")
	if err != nil {
		t.Fatalf("GenerateLinkCode: %v", err)
	}
	if !code.ExpiresAt.After(code.CreatedAt) {
		t.Fatalf("expected ExpiresAt after CreatedAt, got %v / %v", code.ExpiresAt, code.CreatedAt)
	}
	if identity.LinkCodeTTL <= 0 {
		t.Fatal("expected positive link code TTL")
	}
}

func TestCanonicalizePlatformTag(t *testing.T) {
	cases := map[string]string{
		"Discord":    "discord",
		"TG":         "telegram",
		"tg":         "telegram",
		"MATRIX.ORG": "matrix",
		"cli":        "cli",
	}
	for in, want := range cases {
		if got := identity.CanonicalizePlatformTag(in); got != want {
			t.Errorf("CanonicalizePlatformTag(%q) = %q, want %q", in, got, want)
		}
	}
}
