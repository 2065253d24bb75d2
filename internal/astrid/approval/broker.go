package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/capability"
	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/policy"
)

// ErrTooManyPending is returned by RequestApproval when rate_limits.max_pending_requests
// is already saturated. The caller should fail fast rather than queue.
var ErrTooManyPending = errs.New(errs.KindPolicy, "too many pending approval requests")

// ErrApprovalTimeout marks a request that was resolved by the deadline
// elapsing rather than a human decision.
var ErrApprovalTimeout = errs.New(errs.KindPolicy, "approval request timed out")

// Adapter relays a pending request to a human (over Matrix, Discord,
// Telegram, or the CLI) and is expected to eventually call Broker.Respond
// with the human's decision.
type Adapter interface {
	Notify(ctx context.Context, req *Request) error
}

// Broker routes approval requests to a registered Adapter and blocks the
// caller until a decision arrives or the request's deadline elapses.
type Broker struct {
	store   *Store
	tokens  *capability.Store
	adapter Adapter

	maxPendingRequests int

	mu      sync.Mutex
	waiters map[string]chan Decision
}

// NewBroker creates a Broker. maxPendingRequests <= 0 means unlimited.
func NewBroker(store *Store, tokens *capability.Store, adapter Adapter, maxPendingRequests int) *Broker {
	return &Broker{
		store:              store,
		tokens:             tokens,
		adapter:            adapter,
		maxPendingRequests: maxPendingRequests,
		waiters:            make(map[string]chan Decision),
	}
}

// RequestApproval creates a pending request, notifies the adapter, and
// blocks until the human responds, the deadline elapses, or ctx is
// cancelled. On AllowSession/AllowAlways it mints and persists a capability
// token before returning.
func (b *Broker) RequestApproval(ctx context.Context, resourcePattern string, permissions []string, risk policy.RiskLevel, requestedBy string, deadline time.Duration) (Decision, *capability.Token, error) {
	if b.maxPendingRequests > 0 {
		n, err := b.store.PendingCount(ctx)
		if err != nil {
			return Decision{}, nil, err
		}
		if n >= b.maxPendingRequests {
			return Decision{}, nil, ErrTooManyPending
		}
	}

	req, err := b.store.Create(ctx, resourcePattern, permissions, risk, requestedBy, deadline)
	if err != nil {
		return Decision{}, nil, err
	}

	ch := make(chan Decision, 1)
	b.mu.Lock()
	b.waiters[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, req.ID)
		b.mu.Unlock()
	}()

	if b.adapter != nil {
		if err := b.adapter.Notify(ctx, req); err != nil {
			return Decision{}, nil, errs.Wrap(errs.KindIO, "notify approval adapter", err)
		}
	}

	timer := time.NewTimer(time.Until(req.ExpiresAt))
	defer timer.Stop()

	select {
	case dec := <-ch:
		return b.applyDecision(ctx, req, dec)
	case <-timer.C:
		_ = b.store.Deny(ctx, req.ID, "", "deadline elapsed")
		return Decision{Kind: DecisionDeny, Reason: "timeout"}, nil, ErrApprovalTimeout
	case <-ctx.Done():
		return Decision{}, nil, ctx.Err()
	}
}

// Respond is called by an Adapter once a human has decided. It unblocks the
// matching RequestApproval call. Returns an error if id has no active
// waiter (already resolved, expired, or unknown).
func (b *Broker) Respond(id string, dec Decision) error {
	b.mu.Lock()
	ch, ok := b.waiters[id]
	b.mu.Unlock()
	if !ok {
		return errs.New(errs.KindValidation, fmt.Sprintf("no pending approval waiter for %s", id))
	}
	select {
	case ch <- dec:
		return nil
	default:
		return errs.New(errs.KindValidation, fmt.Sprintf("approval %s already resolved", id))
	}
}

func (b *Broker) applyDecision(ctx context.Context, req *Request, dec Decision) (Decision, *capability.Token, error) {
	switch dec.Kind {
	case DecisionDeny:
		if err := b.store.Deny(ctx, req.ID, "", dec.Reason); err != nil {
			return dec, nil, err
		}
		return dec, nil, nil

	case DecisionAllowOnce:
		if err := b.store.Allow(ctx, req.ID, "", dec.Reason); err != nil {
			return dec, nil, err
		}
		return dec, nil, nil

	case DecisionAllowSession, DecisionAllowAlways:
		if err := b.store.Allow(ctx, req.ID, "", dec.Reason); err != nil {
			return dec, nil, err
		}
		scope := capability.ScopeSession
		if dec.Kind == DecisionAllowAlways {
			scope = capability.ScopeAlways
		}
		tok, err := b.tokens.Issue(ctx, req.ResourcePattern, req.Permissions, req.RequestedBy, scope, nil, nil)
		if err != nil {
			return dec, nil, err
		}
		return dec, tok, nil

	default:
		return dec, nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown decision kind %q", dec.Kind))
	}
}
