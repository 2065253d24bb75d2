package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
	"github.com/unicity-astrid/astrid/internal/astrid/store"
)

// linkCodeAlphabet is restricted to digits so codes are easy to read back
// over voice or a chat client on a phone keypad.
const linkCodeAlphabet = "0123456789"

const linkCodeLength = 9

// maxCodeRetries bounds retries on the astronomically unlikely event of a
// link-code collision with another still-pending code.
const maxCodeRetries = 3

// Store is the identity store's persistence layer, backed by the shared
// SQLite database.
type Store struct {
	db *store.Store
}

// New creates an identity Store.
func New(db *store.Store) *Store {
	return &Store{db: db}
}

func generateLinkCode() (string, error) {
	buf := make([]byte, linkCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(linkCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate link code: %w", err)
		}
		buf[i] = linkCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// CreateIdentity mints a new canonical UserId with no platform links yet.
func (s *Store) CreateIdentity(ctx context.Context, displayName, publicKey string) (*UserId, error) {
	now := time.Now().UTC()
	u := &UserId{
		ID:          uuid.NewString(),
		PublicKey:   publicKey,
		DisplayName: displayName,
		CreatedAt:   now,
	}
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO users (id, public_key, display_name, created_at)
		VALUES (?, ?, ?, ?)
	`, u.ID, nullableString(u.PublicKey), u.DisplayName, u.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create identity", err)
	}
	return u, nil
}

// UpdateIdentity changes the display name and/or public key of an existing
// identity. Pass the current value for a field to leave it unchanged.
func (s *Store) UpdateIdentity(ctx context.Context, userID, displayName, publicKey string) error {
	res, err := s.db.DB().ExecContext(ctx, `
		UPDATE users SET display_name = ?, public_key = ? WHERE id = ?
	`, displayName, nullableString(publicKey), userID)
	if err != nil {
		return errs.Wrap(errs.KindIO, "update identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindIO, "update identity rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindValidation, "identity not found: "+userID)
	}
	return nil
}

// Resolve looks up the canonical UserId for a platform-specific account.
// Returns errs.KindValidation if no link exists for the platform/id pair.
func (s *Store) Resolve(ctx context.Context, platformTag, platformSpecificID string) (*UserId, error) {
	tag := CanonicalizePlatformTag(platformTag)
	var userID string
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT user_id FROM platform_links
		WHERE platform_tag = ? AND platform_specific_id = ?
	`, tag, platformSpecificID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindValidation, "identity not found for platform link")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "resolve identity", err)
	}
	return s.getUser(ctx, userID)
}

func (s *Store) getUser(ctx context.Context, userID string) (*UserId, error) {
	u := &UserId{}
	var publicKey sql.NullString
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT id, public_key, display_name, created_at FROM users WHERE id = ?
	`, userID).Scan(&u.ID, &publicKey, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindValidation, "identity not found: "+userID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "get identity", err)
	}
	u.PublicKey = publicKey.String
	return u, nil
}

// CreateLink attaches a platform-specific account directly to a UserId,
// without going through a link code (used for first-contact linking and
// admin-initiated links).
func (s *Store) CreateLink(ctx context.Context, userID, platformTag, platformSpecificID string, method VerificationMethod, detail string, isPrimary bool) (*PlatformLink, error) {
	tag := CanonicalizePlatformTag(platformTag)

	var existingUser string
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT user_id FROM platform_links WHERE platform_tag = ? AND platform_specific_id = ?
	`, tag, platformSpecificID).Scan(&existingUser)
	if err == nil {
		return nil, errs.New(errs.KindValidation, "platform account already linked to an identity")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.KindIO, "check existing link", err)
	}

	now := time.Now().UTC()
	link := &PlatformLink{
		PlatformTag:        tag,
		PlatformSpecificID: platformSpecificID,
		UserID:             userID,
		VerificationMethod: method,
		VerificationDetail: detail,
		IsPrimary:          isPrimary,
		CreatedAt:          now,
	}
	_, err = s.db.DB().ExecContext(ctx, `
		INSERT INTO platform_links
			(platform_tag, platform_specific_id, user_id, verification_method, verification_detail, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, link.PlatformTag, link.PlatformSpecificID, link.UserID, string(link.VerificationMethod),
		link.VerificationDetail, boolToInt(link.IsPrimary), link.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "create platform link", err)
	}
	return link, nil
}

// RemoveLink detaches a platform-specific account from its identity.
func (s *Store) RemoveLink(ctx context.Context, platformTag, platformSpecificID string) error {
	tag := CanonicalizePlatformTag(platformTag)
	res, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM platform_links WHERE platform_tag = ? AND platform_specific_id = ?
	`, tag, platformSpecificID)
	if err != nil {
		return errs.Wrap(errs.KindIO, "remove platform link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindIO, "remove platform link rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindValidation, "platform link not found")
	}
	return nil
}

// GetLinks returns every platform link attached to a UserId.
func (s *Store) GetLinks(ctx context.Context, userID string) ([]*PlatformLink, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT platform_tag, platform_specific_id, user_id, verification_method,
		       verification_detail, is_primary, created_at
		FROM platform_links WHERE user_id = ? ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "get links", err)
	}
	defer rows.Close()

	var links []*PlatformLink
	for rows.Next() {
		l := &PlatformLink{}
		var method string
		var isPrimary int
		if err := rows.Scan(&l.PlatformTag, &l.PlatformSpecificID, &l.UserID, &method,
			&l.VerificationDetail, &isPrimary, &l.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindIO, "scan link", err)
		}
		l.VerificationMethod = VerificationMethod(method)
		l.IsPrimary = isPrimary != 0
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "iterate links", err)
	}
	return links, nil
}

// GenerateLinkCode issues a short-lived code tied to an already-linked
// platform account, redeemable from a second platform to complete a link.
func (s *Store) GenerateLinkCode(ctx context.Context, userID, requestingPlatform, requestingID string) (*PendingLinkCode, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(LinkCodeTTL)

	var lastErr error
	for attempt := 0; attempt < maxCodeRetries; attempt++ {
		code, err := generateLinkCode()
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "generate link code", err)
		}

		_, err = s.db.DB().ExecContext(ctx, `
			INSERT INTO pending_link_codes (code, user_id, requesting_platform, requesting_id, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, code, userID, CanonicalizePlatformTag(requestingPlatform), requestingID, now, expiresAt)
		if err != nil {
			lastErr = err
			continue
		}

		return &PendingLinkCode{
			Code:               code,
			UserID:             userID,
			RequestingPlatform: CanonicalizePlatformTag(requestingPlatform),
			RequestingID:       requestingID,
			CreatedAt:          now,
			ExpiresAt:          expiresAt,
		}, nil
	}
	return nil, errs.Wrap(errs.KindIO, "generate link code after retries", lastErr)
}

// VerifyLinkCode redeems a pending link code from a new platform account and
// completes the link in the same transaction, so a code can never be
// redeemed twice.
func (s *Store) VerifyLinkCode(ctx context.Context, code, platformTag, platformSpecificID string) (*PlatformLink, error) {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "begin verify link code tx", err)
	}
	defer tx.Rollback()

	var pc PendingLinkCode
	err = tx.QueryRowContext(ctx, `
		SELECT code, user_id, requesting_platform, requesting_id, created_at, expires_at
		FROM pending_link_codes WHERE code = ?
	`, code).Scan(&pc.Code, &pc.UserID, &pc.RequestingPlatform, &pc.RequestingID, &pc.CreatedAt, &pc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindValidation, "link code not found or already used")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "lookup link code", err)
	}

	if time.Now().UTC().After(pc.ExpiresAt) {
		return nil, errs.New(errs.KindValidation, "link code expired")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_link_codes WHERE code = ?`, code); err != nil {
		return nil, errs.Wrap(errs.KindIO, "consume link code", err)
	}

	tag := CanonicalizePlatformTag(platformTag)
	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM platform_links WHERE platform_tag = ? AND platform_specific_id = ?
	`, tag, platformSpecificID).Scan(&existing)
	if err == nil {
		return nil, errs.New(errs.KindValidation, "platform account already linked to an identity")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.KindIO, "check existing link", err)
	}

	now := time.Now().UTC()
	link := &PlatformLink{
		PlatformTag:        tag,
		PlatformSpecificID: platformSpecificID,
		UserID:             pc.UserID,
		VerificationMethod: VerifyLinkCode,
		VerificationDetail: "code redeemed from " + pc.RequestingPlatform,
		IsPrimary:          false,
		CreatedAt:          now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO platform_links
			(platform_tag, platform_specific_id, user_id, verification_method, verification_detail, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, link.PlatformTag, link.PlatformSpecificID, link.UserID, string(link.VerificationMethod),
		link.VerificationDetail, boolToInt(link.IsPrimary), link.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "insert redeemed link", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "commit verify link code tx", err)
	}
	return link, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
