package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

// Store persists capability tokens to the shared SQLite database.
type Store struct {
	db     *store.Store
	signer *Signer
}

// NewStore creates a capability token Store. signer may be nil, in which
// case tokens are persisted unsigned (SignedJWT left empty) — used in tests
// and deployments that disable cryptographic signatures.
func NewStore(db *store.Store, signer *Signer) *Store {
	return &Store{db: db, signer: signer}
}

// Issue creates and persists a new capability token for issuedTo over
// resourcePattern with the given permissions.
func (s *Store) Issue(ctx context.Context, resourcePattern string, permissions []string, issuedTo string, scope Scope, usesRemaining *int, expiry *time.Time) (*Token, error) {
	tok := &Token{
		ID:              uuid.NewString(),
		ResourcePattern: resourcePattern,
		Permissions:     permissions,
		IssuedTo:        issuedTo,
		Scope:           scope,
		UsesRemaining:   usesRemaining,
		Expiry:          expiry,
		CreatedAt:       time.Now().UTC(),
	}

	if s.signer != nil {
		signed, err := s.signer.Sign(tok)
		if err != nil {
			return nil, err
		}
		tok.SignedJWT = signed
	}

	permsJSON, err := json.Marshal(tok.Permissions)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "marshal token permissions", err)
	}

	var usesCol interface{}
	if tok.UsesRemaining != nil {
		usesCol = *tok.UsesRemaining
	}
	var expiryCol interface{}
	if tok.Expiry != nil {
		expiryCol = *tok.Expiry
	}

	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO capability_tokens
			(id, resource_pattern, permissions, issued_to, scope, uses_remaining, expires_at, signed_jwt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tok.ID, tok.ResourcePattern, string(permsJSON), tok.IssuedTo, string(tok.Scope),
		usesCol, expiryCol, tok.SignedJWT, tok.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "issue capability token", err)
	}
	return tok, nil
}

// FindMatching returns an unexpired, non-exhausted token issued to issuedTo
// that authorizes permission on resourcePattern, or nil if none exists.
func (s *Store) FindMatching(ctx context.Context, resourcePattern, permission, issuedTo string) (*Token, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, resource_pattern, permissions, issued_to, scope, uses_remaining, expires_at, signed_jwt, created_at
		FROM capability_tokens
		WHERE resource_pattern = ? AND issued_to = ?
		ORDER BY created_at DESC
	`, resourcePattern, issuedTo)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "find matching capability token", err)
	}
	defer rows.Close()

	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		if tok.IsExhausted() {
			continue
		}
		hasPermission := false
		for _, p := range tok.Permissions {
			if p == permission {
				hasPermission = true
				break
			}
		}
		if hasPermission {
			return tok, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "iterate capability tokens", err)
	}
	return nil, nil
}

// Consume atomically decrements a token's remaining uses by one, failing if
// the token is already exhausted or has since expired. A ScopeOnce token is
// exhausted by its first Consume.
func (s *Store) Consume(ctx context.Context, tokenID string) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindIO, "begin consume tx", err)
	}
	defer tx.Rollback()

	var usesRemaining sql.NullInt64
	var expiresAt sql.NullTime
	var scope string
	err = tx.QueryRowContext(ctx, `
		SELECT uses_remaining, expires_at, scope FROM capability_tokens WHERE id = ?
	`, tokenID).Scan(&usesRemaining, &expiresAt, &scope)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.KindValidation, "capability token not found")
	}
	if err != nil {
		return errs.Wrap(errs.KindIO, "lookup capability token", err)
	}

	if expiresAt.Valid && time.Now().UTC().After(expiresAt.Time) {
		return ErrTokenExhausted
	}
	if usesRemaining.Valid {
		if usesRemaining.Int64 <= 0 {
			return ErrTokenExhausted
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE capability_tokens SET uses_remaining = uses_remaining - 1
			WHERE id = ? AND uses_remaining > 0
		`, tokenID); err != nil {
			return errs.Wrap(errs.KindIO, "decrement capability token uses", err)
		}
	}
	if Scope(scope) == ScopeOnce {
		if _, err := tx.ExecContext(ctx, `
			UPDATE capability_tokens SET uses_remaining = 0 WHERE id = ?
		`, tokenID); err != nil {
			return errs.Wrap(errs.KindIO, "exhaust once-scoped capability token", err)
		}
	}

	return errs.Wrap(errs.KindIO, "commit consume tx", tx.Commit())
}

// DeleteSessionScoped removes every Session-scoped token — called when a
// session ends, since those tokens must not outlive it.
func (s *Store) DeleteSessionScoped(ctx context.Context, issuedTo string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM capability_tokens WHERE issued_to = ? AND scope = ?
	`, issuedTo, string(ScopeSession))
	return errs.Wrap(errs.KindIO, "delete session-scoped tokens", err)
}

func scanToken(rows *sql.Rows) (*Token, error) {
	tok := &Token{}
	var permsJSON string
	var scope string
	var usesRemaining sql.NullInt64
	var expiresAt sql.NullTime
	var signedJWT string

	if err := rows.Scan(&tok.ID, &tok.ResourcePattern, &permsJSON, &tok.IssuedTo, &scope,
		&usesRemaining, &expiresAt, &signedJWT, &tok.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.KindIO, "scan capability token", err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &tok.Permissions); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "unmarshal token permissions", err)
	}
	tok.Scope = Scope(scope)
	tok.SignedJWT = signedJWT
	if usesRemaining.Valid {
		v := int(usesRemaining.Int64)
		tok.UsesRemaining = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		tok.Expiry = &t
	}
	return tok, nil
}
