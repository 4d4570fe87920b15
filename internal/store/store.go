// Package store persists authorization codes and revoked token ids.
// Every backend implements the same compare-and-swap semantics so that
// a code is consumed at most once and a jti is revoked by exactly one
// caller, regardless of how many instances share the backend.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Paddione/projects-sub012/internal/models"
)

//go:generate mockgen -source=store.go -destination=mock_store.go -package=store

// CodeStore holds authorization codes keyed by the SHA-256 digest of
// the raw code.
type CodeStore interface {
	// SaveCode persists a new, unconsumed code.
	SaveCode(ctx context.Context, code *models.AuthorizationCode) error

	// ConsumeCode atomically checks that the code exists, is unconsumed,
	// has not expired at now, and was issued to clientID for redirectURI,
	// then marks it consumed. Any failed check returns
	// errors.ErrCodeNotConsumable. Of several concurrent callers at most
	// one succeeds.
	ConsumeCode(ctx context.Context, codeHash, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error)

	// PruneCodes deletes codes that expired before now, consumed or not.
	PruneCodes(ctx context.Context, now time.Time) (int, error)
}

// RevocationStore is the jti blacklist consulted on every token validation.
type RevocationStore interface {
	// Revoke inserts rec if no record for rec.JTI exists. It returns true
	// only for the call that created the record. A record whose
	// ExpiresAt is not after RevokedAt is not stored.
	Revoke(ctx context.Context, rec models.RevokedToken) (bool, error)

	// IsRevoked reports whether jti has an unexpired revocation record.
	IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error)

	// PruneRevoked deletes records whose token has expired before now.
	PruneRevoked(ctx context.Context, now time.Time) (int, error)
}

// Backend is a store that holds both record sets.
type Backend interface {
	CodeStore
	RevocationStore
	Close() error
}

// HashCode returns the SHA-256 hex digest of a raw authorization code.
// Used as the storage key so raw codes are not persisted.
func HashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

func cloneCode(c *models.AuthorizationCode) *models.AuthorizationCode {
	cp := *c
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		cp.ConsumedAt = &t
	}

	return &cp
}

// codeMatches applies the consume checks shared by the in-process backends.
func codeMatches(c *models.AuthorizationCode, clientID, redirectURI string, now time.Time) bool {
	return c.Consumable(now) && c.ClientID == clientID && c.RedirectURI == redirectURI
}
