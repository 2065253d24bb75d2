package approval

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/policy"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

// Store persists Request records to the shared SQLite database.
type Store struct {
	db *store.Store
}

// NewStore creates an approval Store.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

// maxIDRetries bounds retries on the unlikely event of an ID collision.
const maxIDRetries = 3

func generateID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.KindInternal, "generate approval ID", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create persists a new pending approval request.
func (s *Store) Create(ctx context.Context, resourcePattern string, permissions []string, risk policy.RiskLevel, requestedBy string, ttl time.Duration) (*Request, error) {
	if ttl <= 0 {
		ttl = DefaultDeadline
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	permsJSON, err := json.Marshal(permissions)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal request permissions", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxIDRetries; attempt++ {
		id, err := generateID()
		if err != nil {
			return nil, err
		}
		_, err = s.db.DB().ExecContext(ctx, `
			INSERT INTO approvals (id, resource_pattern, permissions, risk, requested_by, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, resourcePattern, string(permsJSON), string(risk), requestedBy, string(StatusPending), now, expiresAt)
		if err != nil {
			lastErr = err
			continue
		}
		return &Request{
			ID:              id,
			ResourcePattern: resourcePattern,
			Permissions:     permissions,
			Risk:            risk,
			RequestedBy:     requestedBy,
			Status:          StatusPending,
			CreatedAt:       now,
			ExpiresAt:       expiresAt,
		}, nil
	}
	return nil, errs.Wrap(errs.KindIO, "create approval request after retries", lastErr)
}

// Get retrieves a request by ID.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	r := &Request{}
	var permsJSON, risk, status string
	var resolvedAt sql.NullTime
	var resolvedBy, resolveReason sql.NullString

	err := s.db.DB().QueryRowContext(ctx, `
		SELECT id, resource_pattern, permissions, risk, requested_by, status,
		       created_at, expires_at, resolved_at, resolved_by, resolve_reason
		FROM approvals WHERE id = ?
	`, id).Scan(&r.ID, &r.ResourcePattern, &permsJSON, &risk, &r.RequestedBy, &status,
		&r.CreatedAt, &r.ExpiresAt, &resolvedAt, &resolvedBy, &resolveReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindValidation, "approval request not found: "+id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "get approval request", err)
	}

	if err := json.Unmarshal([]byte(permsJSON), &r.Permissions); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "unmarshal request permissions", err)
	}
	r.Risk = policy.RiskLevel(risk)
	r.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		r.ResolvedBy = &resolvedBy.String
	}
	if resolveReason.Valid {
		r.ResolveReason = &resolveReason.String
	}
	return r, nil
}

// resolve transitions a pending request to a terminal status. It is a no-op
// returning an error if the request is not currently pending.
func (s *Store) resolve(ctx context.Context, id string, newStatus Status, resolvedBy, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.DB().ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, resolved_at = ?, resolved_by = ?, resolve_reason = ?
		WHERE id = ? AND status = ?
	`, string(newStatus), now, resolvedBy, reason, id, string(StatusPending))
	if err != nil {
		return errs.Wrap(errs.KindIO, "resolve approval request", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindIO, "resolve approval rows affected", err)
	}
	if n == 0 {
		existing, lookupErr := s.Get(ctx, id)
		if lookupErr != nil {
			return errs.New(errs.KindValidation, "approval request not found: "+id)
		}
		return errs.New(errs.KindValidation, "approval request "+id+" already in state "+string(existing.Status))
	}
	return nil
}

// Allow marks a request as allowed.
func (s *Store) Allow(ctx context.Context, id, resolvedBy, reason string) error {
	return s.resolve(ctx, id, StatusAllowed, resolvedBy, reason)
}

// Deny marks a request as denied.
func (s *Store) Deny(ctx context.Context, id, resolvedBy, reason string) error {
	return s.resolve(ctx, id, StatusDenied, resolvedBy, reason)
}

// ExpireStale marks every pending request past its deadline as expired and
// returns how many were expired.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.DB().ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE status = ? AND expires_at < ?
	`, string(StatusExpired), now, string(StatusPending), now)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "expire stale approval requests", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "expire stale rows affected", err)
	}
	return n, nil
}

// PendingCount returns the number of currently pending requests, used by
// the broker to enforce rate_limits.max_pending_requests.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals WHERE status = ?
	`, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "count pending approval requests", err)
	}
	return n, nil
}
