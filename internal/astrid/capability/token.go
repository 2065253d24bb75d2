// Package capability implements signed capability tokens: bounded grants of
// a permission set over a resource pattern, issued once a human approves an
// action so that equivalent future actions can bypass the approval broker
// until the token is exhausted or expires.
package capability

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// Scope controls how long an issued token remains valid.
type Scope string

const (
	// ScopeOnce is consumed by its first matching use regardless of
	// UsesRemaining/Expiry.
	ScopeOnce Scope = "once"
	// ScopeSession dies with the session that requested it, even if it
	// still has remaining uses.
	ScopeSession Scope = "session"
	// ScopeAlways is workspace-scoped and outlives the session.
	ScopeAlways Scope = "always"
)

// Token is a capability grant over a resource pattern. A Token is exhausted
// when UsesRemaining reaches zero or Expiry passes, whichever comes first.
type Token struct {
	ID              string
	ResourcePattern string
	Permissions     []string
	IssuedTo        string // UserId
	Scope           Scope
	UsesRemaining   *int // nil = unlimited
	Expiry          *time.Time
	SignedJWT       string
	CreatedAt       time.Time
}

// IsExhausted reports whether tok can no longer authorize any action.
func (tok *Token) IsExhausted() bool {
	if tok.UsesRemaining != nil && *tok.UsesRemaining <= 0 {
		return true
	}
	if tok.Expiry != nil && time.Now().UTC().After(*tok.Expiry) {
		return true
	}
	return false
}

// Matches reports whether tok authorizes resourcePattern/permission for
// issuedTo. resourcePattern must match exactly; permission must be present
// in tok.Permissions.
func (tok *Token) Matches(resourcePattern, permission, issuedTo string) bool {
	if tok.IssuedTo != issuedTo {
		return false
	}
	if tok.ResourcePattern != resourcePattern {
		return false
	}
	for _, p := range tok.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// claims is the JWT payload embedded in a signed token, mirroring Token's
// fields so a verifier can reconstruct one from the JWT alone.
type claims struct {
	jwt.RegisteredClaims
	ResourcePattern string   `json:"resource_pattern"`
	Permissions     []string `json:"permissions"`
	Scope           string   `json:"scope"`
}

// Signer signs and verifies capability tokens with an ed25519 key pair
// using EdDSA, the signing algorithm the rest of this corpus reaches for
// whenever a compact, verifiable token needs to cross a process boundary.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSigner creates a Signer from an ed25519 key pair.
func NewSigner(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Signer {
	return &Signer{private: priv, public: pub}
}

// Sign produces a compact JWT representation of tok.
func (s *Signer) Sign(tok *Token) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       tok.ID,
			Subject:  tok.IssuedTo,
			IssuedAt: jwt.NewNumericDate(tok.CreatedAt),
		},
		ResourcePattern: tok.ResourcePattern,
		Permissions:     tok.Permissions,
		Scope:           string(tok.Scope),
	}
	if tok.Expiry != nil {
		c.ExpiresAt = jwt.NewNumericDate(*tok.Expiry)
	}

	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	signed, err := t.SignedString(s.private)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "sign capability token", err)
	}
	return signed, nil
}

// Verify parses and signature-checks a JWT, returning the reconstructed
// claims on success.
func (s *Signer) Verify(signedJWT string) (resourcePattern string, permissions []string, scope Scope, issuedTo string, expiry *time.Time, err error) {
	var c claims
	parsed, perr := jwt.ParseWithClaims(signedJWT, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	})
	if perr != nil {
		return "", nil, "", "", nil, errs.Wrap(errs.KindIntegrity, "verify capability token", perr)
	}
	if !parsed.Valid {
		return "", nil, "", "", nil, errs.New(errs.KindIntegrity, "capability token signature invalid")
	}

	if c.ExpiresAt != nil {
		t := c.ExpiresAt.Time
		expiry = &t
	}
	return c.ResourcePattern, c.Permissions, Scope(c.Scope), c.Subject, expiry, nil
}

// ErrTokenExhausted is returned by a store's Consume when a token's
// remaining uses or expiry no longer permit it to authorize an action.
var ErrTokenExhausted = errors.New("capability: token exhausted")
