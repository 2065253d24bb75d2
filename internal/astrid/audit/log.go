// Package audit implements the hash-chained audit log that the Security
// Interceptor (C5) appends to on every evaluated action. Each entry's hash
// covers the previous entry's hash, so truncating or editing the log after
// the fact is detectable: recomputing the chain from genesis will diverge
// the moment a record has been altered.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

// genesisHash seeds the chain for the very first entry, so every real entry
// has a non-empty prev_hash to hash against.
const genesisHash = "genesis"

// Outcome classifies the outcome recorded for an evaluated action.
type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeDenied         Outcome = "denied"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeApproved       Outcome = "approved"
	OutcomeApprovalDenied Outcome = "approval_denied"
	OutcomeTimeout        Outcome = "timeout"
)

// Entry is one record in the hash-chained log.
type Entry struct {
	Seq        int64
	ID         string
	Timestamp  time.Time
	UserID     string
	ActionKind string
	Operation  string
	Resource   string
	Outcome    Outcome
	Detail     string
	PrevHash   string
	Hash       string
}

// canonicalPayload returns the deterministic byte form hashed into Hash. It
// excludes Seq and Hash itself (Hash is being computed; Seq is assigned by
// SQLite and carries no security meaning).
func (e *Entry) canonicalPayload() []byte {
	b, _ := json.Marshal(struct {
		ID         string
		Timestamp  int64
		UserID     string
		ActionKind string
		Operation  string
		Resource   string
		Outcome    Outcome
		Detail     string
		PrevHash   string
	}{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UnixNano(),
		UserID:     e.UserID,
		ActionKind: e.ActionKind,
		Operation:  e.Operation,
		Resource:   e.Resource,
		Outcome:    e.Outcome,
		Detail:     e.Detail,
		PrevHash:   e.PrevHash,
	})
	return b
}

func computeHash(e *Entry) string {
	sum := sha256.Sum256(e.canonicalPayload())
	return hex.EncodeToString(sum[:])
}

// Log appends entries to the shared SQLite database and verifies the chain
// on demand.
type Log struct {
	db *store.Store
}

// New creates an audit Log.
func New(db *store.Store) *Log {
	return &Log{db: db}
}

// Append adds a new entry to the chain, computing its hash from the
// previous entry's hash (read within the same transaction so concurrent
// appends serialize correctly).
func (l *Log) Append(ctx context.Context, userID, actionKind, operation, resource string, outcome Outcome, detail string) (*Entry, error) {
	tx, err := l.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "begin audit append tx", err)
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		prevHash = genesisHash
	} else if err != nil {
		return nil, errs.Wrap(errs.KindIO, "read previous audit hash", err)
	}

	e := &Entry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		UserID:     userID,
		ActionKind: actionKind,
		Operation:  operation,
		Resource:   resource,
		Outcome:    outcome,
		Detail:     detail,
		PrevHash:   prevHash,
	}
	e.Hash = computeHash(e)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, user_id, action_kind, operation, resource, outcome, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp, e.UserID, e.ActionKind, e.Operation, e.Resource, string(e.Outcome), e.Detail, e.PrevHash, e.Hash)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "insert audit entry", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "commit audit append tx", err)
	}
	return e, nil
}

// VerifyChain walks every entry in sequence order and recomputes its hash,
// returning an error naming the first entry whose stored hash does not
// match what its contents and prev_hash imply — meaning the log was
// truncated, reordered, or edited after the fact.
func (l *Log) VerifyChain(ctx context.Context) error {
	rows, err := l.db.DB().QueryContext(ctx, `
		SELECT seq, id, timestamp, user_id, action_kind, operation, resource, outcome, detail, prev_hash, hash
		FROM audit_log ORDER BY seq ASC
	`)
	if err != nil {
		return errs.Wrap(errs.KindIO, "scan audit log for verification", err)
	}
	defer rows.Close()

	expectedPrev := genesisHash
	for rows.Next() {
		var e Entry
		var outcome string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.UserID, &e.ActionKind, &e.Operation,
			&e.Resource, &outcome, &e.Detail, &e.PrevHash, &e.Hash); err != nil {
			return errs.Wrap(errs.KindIO, "scan audit entry", err)
		}
		e.Outcome = Outcome(outcome)

		if e.PrevHash != expectedPrev {
			return errs.New(errs.KindIntegrity, "audit chain broken at seq "+entrySeqString(e.Seq)+": prev_hash does not match preceding entry")
		}
		if computeHash(&e) != e.Hash {
			return errs.New(errs.KindIntegrity, "audit chain broken at seq "+entrySeqString(e.Seq)+": stored hash does not match recomputed hash")
		}
		expectedPrev = e.Hash
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.KindIO, "iterate audit log", err)
	}
	return nil
}

func entrySeqString(seq int64) string {
	b, _ := json.Marshal(seq)
	return string(b)
}

// Recent returns the most recent n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]*Entry, error) {
	rows, err := l.db.DB().QueryContext(ctx, `
		SELECT seq, id, timestamp, user_id, action_kind, operation, resource, outcome, detail, prev_hash, hash
		FROM audit_log ORDER BY seq DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "query recent audit entries", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var outcome string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.UserID, &e.ActionKind, &e.Operation,
			&e.Resource, &outcome, &e.Detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, errs.Wrap(errs.KindIO, "scan recent audit entry", err)
		}
		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "iterate recent audit entries", err)
	}
	return entries, nil
}
