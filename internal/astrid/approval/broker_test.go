package approval_test

import (
	"context"
	"crypto/ed25519"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/unicity-astrid/astrid/internal/astrid/approval"
	"github.com/unicity-astrid/astrid/internal/astrid/capability"
	"github.com/unicity-astrid/astrid/internal/astrid/policy"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

type stubAdapter struct {
	onNotify func(req *approval.Request)
}

func (a *stubAdapter) Notify(ctx context.Context, req *approval.Request) error {
	if a.onNotify != nil {
		a.onNotify(req)
	}
	return nil
}

func newTestBroker(t *testing.T, adapter approval.Adapter, maxPending int) (*approval.Broker, *approval.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "approval-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reqStore := approval.NewStore(s)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tokStore := capability.NewStore(s, capability.NewSigner(priv, pub))

	return approval.NewBroker(reqStore, tokStore, adapter, maxPending), reqStore
}

func TestRequestApproval_AllowOnce(t *testing.T) {
	var capturedID string
	adapter := &stubAdapter{onNotify: func(req *approval.Request) { capturedID = req.ID }}
	b, _ := newTestBroker(t, adapter, 0)

	resultCh := make(chan struct {
		dec approval.Decision
		tok *capability.Token
		err error
	}, 1)
	go func() {
		dec, tok, err := b.RequestApproval(context.Background(), "fs:/workspace/*", []string{"write"}, policy.RiskMedium, "user-1", time.Hour)
		resultCh <- struct {
			dec approval.Decision
			tok *capability.Token
			err error
		}{dec, tok, err}
	}()

	waitForCondition(t, func() bool { return capturedID != "" })
	if err := b.Respond(capturedID, approval.Decision{Kind: approval.DecisionAllowOnce}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("RequestApproval: %v", res.err)
	}
	if res.dec.Kind != approval.DecisionAllowOnce {
		t.Errorf("expected DecisionAllowOnce, got %v", res.dec.Kind)
	}
	if res.tok != nil {
		t.Errorf("expected no token for AllowOnce, got %v", res.tok)
	}
}

func TestRequestApproval_AllowSessionMintsToken(t *testing.T) {
	var capturedID string
	adapter := &stubAdapter{onNotify: func(req *approval.Request) { capturedID = req.ID }}
	b, _ := newTestBroker(t, adapter, 0)

	resultCh := make(chan struct {
		tok *capability.Token
		err error
	}, 1)
	go func() {
		_, tok, err := b.RequestApproval(context.Background(), "fs:/workspace/*", []string{"write"}, policy.RiskMedium, "user-1", time.Hour)
		resultCh <- struct {
			tok *capability.Token
			err error
		}{tok, err}
	}()

	waitForCondition(t, func() bool { return capturedID != "" })
	if err := b.Respond(capturedID, approval.Decision{Kind: approval.DecisionAllowSession}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("RequestApproval: %v", res.err)
	}
	if res.tok == nil {
		t.Fatal("expected a minted capability token")
	}
	if res.tok.Scope != capability.ScopeSession {
		t.Errorf("expected session-scoped token, got %v", res.tok.Scope)
	}
}

func TestRequestApproval_Deny(t *testing.T) {
	var capturedID string
	adapter := &stubAdapter{onNotify: func(req *approval.Request) { capturedID = req.ID }}
	b, _ := newTestBroker(t, adapter, 0)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := b.RequestApproval(context.Background(), "fs:/workspace/*", []string{"write"}, policy.RiskHigh, "user-1", time.Hour)
		resultCh <- err
	}()

	waitForCondition(t, func() bool { return capturedID != "" })
	if err := b.Respond(capturedID, approval.Decision{Kind: approval.DecisionDeny, Reason: "no"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("expected no error for a completed deny, got %v", err)
	}
}

func TestRequestApproval_Timeout(t *testing.T) {
	b, _ := newTestBroker(t, &stubAdapter{}, 0)

	_, _, err := b.RequestApproval(context.Background(), "fs:/workspace/*", []string{"write"}, policy.RiskLow, "user-1", 10*time.Millisecond)
	if err != approval.ErrApprovalTimeout {
		t.Fatalf("expected ErrApprovalTimeout, got %v", err)
	}
}

func TestRequestApproval_RateLimited(t *testing.T) {
	adapter := &stubAdapter{}
	b, _ := newTestBroker(t, adapter, 1)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := b.RequestApproval(context.Background(), "fs:/workspace/*", []string{"write"}, policy.RiskLow, "user-1", time.Hour)
		resultCh <- err
	}()

	waitForPendingCount(t, b, 1)

	_, _, err := b.RequestApproval(context.Background(), "fs:/other/*", []string{"write"}, policy.RiskLow, "user-2", time.Hour)
	if err != approval.ErrTooManyPending {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForPendingCount(t *testing.T, b *approval.Broker, want int) {
	t.Helper()
	_ = b
	// The stub adapter's Notify fires synchronously inside RequestApproval
	// before it blocks on the response channel, so a short grace period is
	// enough for the goroutine above to have created its pending row.
	time.Sleep(20 * time.Millisecond)
	_ = want
}
