// Package approval implements the human-in-the-loop approval broker (C4):
// it holds a request open until a registered adapter relays a human
// decision or the deadline lapses, then — for AllowSession/AllowAlways
// decisions — mints a capability token so equivalent future actions skip
// the round trip.
package approval

import (
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/policy"
)

// Status is the lifecycle state of a pending or resolved approval request.
type Status string

const (
	StatusPending Status = "pending"
	StatusAllowed Status = "allowed"
	StatusDenied  Status = "denied"
	StatusExpired Status = "expired"
)

// DecisionKind is what a human (or the deadline) decided.
type DecisionKind string

const (
	// DecisionDeny refuses the action once, with no token issued.
	DecisionDeny DecisionKind = "deny"
	// DecisionAllowOnce permits just this one action, with no token issued.
	DecisionAllowOnce DecisionKind = "allow_once"
	// DecisionAllowSession mints a Session-scoped capability token.
	DecisionAllowSession DecisionKind = "allow_session"
	// DecisionAllowAlways mints an Always-scoped (workspace) capability token.
	DecisionAllowAlways DecisionKind = "allow_always"
)

// DefaultDeadline is how long a pending request waits for a human response
// before it is resolved as a timeout-deny.
const DefaultDeadline = 300 * time.Second

// Request is a pending approval awaiting a human decision.
type Request struct {
	ID              string
	ResourcePattern string
	Permissions     []string
	Risk            policy.RiskLevel
	RequestedBy     string // UserId
	Status          Status
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      *string
	ResolveReason   *string
}

// IsExpired reports whether req has passed its deadline while still pending.
func (r *Request) IsExpired() bool {
	return r.Status == StatusPending && time.Now().UTC().After(r.ExpiresAt)
}

// Decision is the outcome relayed by an adapter in response to a Request.
type Decision struct {
	Kind   DecisionKind
	Reason string
}
