// Package budget implements the per-action, per-session, and per-workspace
// USD budget tracker (C2). It enforces caps with an atomic check-and-reserve
// primitive so that concurrent tool calls from the same session cannot race
// past the spending limit between a check and a record.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

// Decision is the outcome of a budget check.
type Decision int

const (
	// Allowed means the spend fits comfortably within every configured cap.
	Allowed Decision = iota
	// WarnAndAllow means the spend is permitted but crosses the warn
	// threshold of the session cap; callers should route a confirmation
	// elicitation through the approval broker.
	WarnAndAllow
	// Exceeded means the spend would breach a hard cap and must be refused.
	Exceeded
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case WarnAndAllow:
		return "warn_and_allow"
	case Exceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Result carries the decision plus the context a caller needs to explain it.
type Result struct {
	Decision  Decision
	Reason    string
	Requested float64
	Available float64
}

// Limits configures the caps enforced for one scope (a session or a
// workspace). A zero Session or Workspace field means "no cap" — all
// checks pass, but spend is still recorded.
type Limits struct {
	PerActionMax  float64
	SessionMax    float64 // 0 = uncapped
	WorkspaceMax  float64 // 0 = uncapped
	WarnAtPercent float64 // fraction of SessionMax, e.g. 0.8
}

// DefaultWarnAtPercent matches the teacher corpus's convention of warning at
// 80% of a soft cap before it becomes a hard stop.
const DefaultWarnAtPercent = 0.8

// snapshot mirrors the persisted state for one scope (a session ID or a
// workspace ID) — cumulative spend only, never the configured limits, which
// are supplied fresh by the caller on every check.
type snapshot struct {
	sessionSpent   float64
	workspaceSpent float64
}

// Tracker enforces Limits for many independently-keyed scopes (sessions and
// the workspaces that contain them) and persists their running totals to
// SQLite so spend survives a restart.
//
// Tracker is safe for concurrent use: every check-and-reserve for a given
// scope ID is serialized under that scope's mutex, so two goroutines racing
// to spend the last dollar of a budget cannot both succeed.
type Tracker struct {
	db *store.Store

	mu    sync.Mutex // guards locks and cache
	locks map[string]*sync.Mutex
	cache map[string]*snapshot
}

// New creates a Tracker backed by the shared SQLite database.
func New(db *store.Store) *Tracker {
	return &Tracker{
		db:    db,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*snapshot),
	}
}

func (t *Tracker) scopeLock(scopeID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[scopeID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[scopeID] = l
	}
	return l
}

// load fetches the persisted snapshot for scopeID, populating a zeroed one on
// first use. Caller must hold the scope's mutex.
func (t *Tracker) load(ctx context.Context, scopeID string) (*snapshot, error) {
	t.mu.Lock()
	if s, ok := t.cache[scopeID]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	s := &snapshot{}
	var sessionSpent, workspaceSpent float64
	err := t.db.DB().QueryRowContext(ctx, `
		SELECT session_spent, workspace_spent FROM budget_snapshots WHERE scope_id = ?
	`, scopeID).Scan(&sessionSpent, &workspaceSpent)
	switch {
	case err == nil:
		s.sessionSpent = sessionSpent
		s.workspaceSpent = workspaceSpent
	case errors.Is(err, sql.ErrNoRows):
		// No row yet: treat as a fresh scope with zero spend. The row is
		// created lazily on first persist.
	default:
		return nil, errs.Wrap(errs.KindIO, "load budget snapshot", err)
	}

	t.mu.Lock()
	t.cache[scopeID] = s
	t.mu.Unlock()
	return s, nil
}

func (t *Tracker) persist(ctx context.Context, scopeID string, s *snapshot) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := t.db.DB().ExecContext(ctx, `
		INSERT INTO budget_snapshots (scope_id, session_spent, workspace_spent, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			session_spent   = excluded.session_spent,
			workspace_spent = excluded.workspace_spent,
			updated_at      = excluded.updated_at
	`, scopeID, s.sessionSpent, s.workspaceSpent, now)
	if err != nil {
		return errs.Wrap(errs.KindIO, "persist budget snapshot", err)
	}
	return nil
}

// sanitize rejects NaN, infinite, or negative amounts by flattening them to
// zero, per the anti-tamper requirement that malformed cost figures never
// move the ledger.
func sanitize(amount float64) float64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0
	}
	return amount
}

// CheckAndReserve is the only correct entry point under concurrency: it
// atomically checks estimatedCost against the per-action, session, and
// workspace caps and, if allowed, immediately adds it to the running spend
// so a second concurrent caller sees the reservation.
func (t *Tracker) CheckAndReserve(ctx context.Context, scopeID string, limits Limits, estimatedCost float64) (Result, error) {
	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	cost := sanitize(estimatedCost)

	if limits.PerActionMax > 0 && cost > limits.PerActionMax {
		return Result{
			Decision:  Exceeded,
			Reason:    "per-action cap exceeded",
			Requested: cost,
			Available: limits.PerActionMax,
		}, nil
	}

	s, err := t.load(ctx, scopeID)
	if err != nil {
		return Result{}, err
	}

	if limits.SessionMax > 0 {
		if s.sessionSpent+cost > limits.SessionMax {
			return Result{
				Decision:  Exceeded,
				Reason:    "session budget exceeded",
				Requested: cost,
				Available: limits.SessionMax - s.sessionSpent,
			}, nil
		}
	}
	if limits.WorkspaceMax > 0 {
		if s.workspaceSpent+cost > limits.WorkspaceMax {
			return Result{
				Decision:  Exceeded,
				Reason:    "workspace budget exceeded",
				Requested: cost,
				Available: limits.WorkspaceMax - s.workspaceSpent,
			}, nil
		}
	}

	s.sessionSpent += cost
	s.workspaceSpent += cost
	if err := t.persist(ctx, scopeID, s); err != nil {
		return Result{}, err
	}

	decision := Allowed
	warnAt := limits.WarnAtPercent
	if warnAt <= 0 {
		warnAt = DefaultWarnAtPercent
	}
	if limits.SessionMax > 0 && s.sessionSpent >= warnAt*limits.SessionMax {
		decision = WarnAndAllow
	}

	return Result{Decision: decision, Requested: cost}, nil
}

// RecordCost reconciles a reservation with the actual cost of a completed
// action, adjusting the running spend by the difference. A negative, NaN, or
// infinite actual cost is silently dropped and leaves the spend unchanged.
func (t *Tracker) RecordCost(ctx context.Context, scopeID string, reserved, actual float64) error {
	if math.IsNaN(actual) || math.IsInf(actual, 0) || actual < 0 {
		return nil
	}
	delta := actual - reserved

	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, scopeID)
	if err != nil {
		return err
	}
	s.sessionSpent = clampNonNegative(s.sessionSpent + delta)
	s.workspaceSpent = clampNonNegative(s.workspaceSpent + delta)
	return t.persist(ctx, scopeID, s)
}

// RefundCost returns a reservation to the pool in full, e.g. when a
// WarnAndAllow confirmation was declined by the user.
func (t *Tracker) RefundCost(ctx context.Context, scopeID string, reserved float64) error {
	reserved = sanitize(reserved)

	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, scopeID)
	if err != nil {
		return err
	}
	s.sessionSpent = clampNonNegative(s.sessionSpent - reserved)
	s.workspaceSpent = clampNonNegative(s.workspaceSpent - reserved)
	return t.persist(ctx, scopeID, s)
}

// Remaining returns the unspent portion of the session cap, or
// math.MaxFloat64 when the scope has no session cap configured.
func (t *Tracker) Remaining(ctx context.Context, scopeID string, limits Limits) (float64, error) {
	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	if limits.SessionMax <= 0 {
		return math.MaxFloat64, nil
	}
	if rem := limits.SessionMax - s.sessionSpent; rem > 0 {
		return rem, nil
	}
	return 0, nil
}

// Spent returns the session and workspace spend recorded for scopeID.
func (t *Tracker) Spent(ctx context.Context, scopeID string) (sessionSpent, workspaceSpent float64, err error) {
	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	s, loadErr := t.load(ctx, scopeID)
	if loadErr != nil {
		return 0, 0, loadErr
	}
	return s.sessionSpent, s.workspaceSpent, nil
}

// Snapshot is an exported, restorable copy of a scope's running spend, used
// to checkpoint and later roll back state (e.g. around a dry-run).
type Snapshot struct {
	SessionSpent   float64
	WorkspaceSpent float64
}

// TakeSnapshot captures the current spend for scopeID.
func (t *Tracker) TakeSnapshot(ctx context.Context, scopeID string) (Snapshot, error) {
	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, scopeID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{SessionSpent: s.sessionSpent, WorkspaceSpent: s.workspaceSpent}, nil
}

// Restore overwrites scopeID's running spend with snap, clamping both fields
// to [0, +∞) and treating NaN/±Infinity as zero so a corrupted or
// adversarial snapshot can never set negative or unbounded spend.
func (t *Tracker) Restore(ctx context.Context, scopeID string, snap Snapshot) error {
	lock := t.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, scopeID)
	if err != nil {
		return err
	}
	s.sessionSpent = clampNonNegative(sanitizeNonFinite(snap.SessionSpent))
	s.workspaceSpent = clampNonNegative(sanitizeNonFinite(snap.WorkspaceSpent))
	return t.persist(ctx, scopeID, s)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// sanitizeNonFinite treats NaN and ±Infinity as zero, leaving a merely
// negative value for clampNonNegative to bound, matching the spec's
// restore-time anti-tamper rule precisely (clamp to [0, +∞), reject
// non-finite values so spent() is always finite after a restore).
func sanitizeNonFinite(v float64) float64 {
	if !math.IsInf(v, 0) && !math.IsNaN(v) {
		return v
	}
	return 0
}
