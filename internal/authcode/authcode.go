// Package authcode issues and redeems single-use authorization codes.
package authcode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/Paddione/projects-sub012/internal/store"
)

// codeBytes is the number of random bytes in a code (256 bits).
const codeBytes = 32

// Grant is what a redeemed code resolves to.
type Grant struct {
	UserID string
	Scope  string
}

// Service creates codes and exchanges them exactly once.
type Service struct {
	store  store.CodeStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService returns a service whose codes live for ttl.
func NewService(codes store.CodeStore, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  codes,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Create issues a code bound to the user, client, redirect URI and
// scope, and returns the raw code. Only its hash is stored.
func (s *Service) Create(ctx context.Context, userID, clientID, redirectURI, scope string) (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}

	code := base64.RawURLEncoding.EncodeToString(buf)
	now := s.now()

	err := s.store.SaveCode(ctx, &models.AuthorizationCode{
		CodeHash:    store.HashCode(code),
		UserID:      userID,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("saving code: %w", err)
	}

	return code, nil
}

// ValidateAndConsume redeems code for clientID and redirectURI. Unknown,
// consumed, expired and mismatched codes all fail with the same
// invalid_grant error.
func (s *Service) ValidateAndConsume(ctx context.Context, code, clientID, redirectURI string) (*Grant, error) {
	if code == "" {
		return nil, autherr.New(autherr.InvalidGrant, "invalid authorization code")
	}

	c, err := s.store.ConsumeCode(ctx, store.HashCode(code), clientID, redirectURI, s.now())
	if errors.Is(err, autherr.ErrCodeNotConsumable) {
		s.logger.Warn("authorization code rejected", slog.String("client_id", clientID))
		return nil, autherr.Wrap(autherr.InvalidGrant, "invalid authorization code", err)
	}

	if err != nil {
		return nil, fmt.Errorf("consuming code: %w", err)
	}

	return &Grant{UserID: c.UserID, Scope: c.Scope}, nil
}
