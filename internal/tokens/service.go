package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/Paddione/projects-sub012/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrRefreshTokenReused marks a rotation attempt with a refresh token
// that was already redeemed or revoked.
var ErrRefreshTokenReused = errors.New("refresh token already used")

// Pair is a freshly issued access and refresh token.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Subject      string
	ClientID     string
	Scope        string
}

// Service issues, verifies, rotates and revokes token pairs.
type Service struct {
	codec      *Codec
	revoked    store.RevocationStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a codec to the revocation store.
func NewService(codec *Codec, revoked store.RevocationStore, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		codec:      codec,
		revoked:    revoked,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// AccessTTL returns the lifetime of issued access tokens.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueTokenPair signs a new access and refresh token for subject, each
// with its own jti.
func (s *Service) IssueTokenPair(_ context.Context, subject, clientID, scope string) (*Pair, error) {
	now := s.now()

	access, err := s.codec.Sign(s.claims(TypeAccess, subject, clientID, scope, now, s.accessTTL))
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	refresh, err := s.codec.Sign(s.claims(TypeRefresh, subject, clientID, scope, now, s.refreshTTL))
	if err != nil {
		return nil, fmt.Errorf("issuing refresh token: %w", err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL.Seconds()),
		Subject:      subject,
		ClientID:     clientID,
		Scope:        scope,
	}, nil
}

func (s *Service) claims(typ, subject, clientID, scope string, now time.Time, ttl time.Duration) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Type:     typ,
		ClientID: clientID,
		Scope:    scope,
	}
}

// VerifyAccessToken checks signature, expiry, kind and revocation.
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	return s.verify(ctx, raw, TypeAccess)
}

// VerifyRefreshToken checks signature, expiry, kind and revocation.
func (s *Service) VerifyRefreshToken(ctx context.Context, raw string) (*Claims, error) {
	return s.verify(ctx, raw, TypeRefresh)
}

// verify returns one of the token sentinels for an unacceptable token,
// or a plain error when the revocation store could not be consulted.
func (s *Service) verify(ctx context.Context, raw, typ string) (*Claims, error) {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return nil, err
	}

	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token", autherr.ErrInvalidToken, typ)
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("checking revocation: %w", err)
	}

	if revoked {
		return nil, autherr.ErrTokenRevoked
	}

	return claims, nil
}

// RotateRefreshToken redeems a refresh token for a new pair. The
// presented token is revoked before anything is issued; only the caller
// whose revocation created the record may proceed, so concurrent
// redemptions of one token yield a single pair.
func (s *Service) RotateRefreshToken(ctx context.Context, raw, clientID string) (*Pair, error) {
	claims, err := s.VerifyRefreshToken(ctx, raw)
	if err != nil {
		if IsTokenError(err) {
			if errors.Is(err, autherr.ErrTokenRevoked) {
				err = fmt.Errorf("%w: %w", ErrRefreshTokenReused, err)
			}

			return nil, autherr.Wrap(autherr.InvalidGrant, "invalid refresh token", err)
		}

		return nil, err
	}

	created, err := s.revoked.Revoke(ctx, models.RevokedToken{
		JTI:       claims.ID,
		RevokedAt: s.now(),
		ExpiresAt: claims.ExpiresAt.Time,
	})
	if err != nil {
		return nil, fmt.Errorf("revoking refresh token: %w", err)
	}

	if !created {
		return nil, autherr.Wrap(autherr.InvalidGrant, "invalid refresh token", ErrRefreshTokenReused)
	}

	if claims.ClientID != clientID {
		s.logger.Warn("refresh token presented by another client",
			slog.String("issued_to", claims.ClientID),
			slog.String("presented_by", clientID),
			slog.String("jti", claims.ID),
		)

		return nil, autherr.New(autherr.InvalidGrant, "invalid refresh token")
	}

	return s.IssueTokenPair(ctx, claims.Subject, claims.ClientID, claims.Scope)
}

// BlacklistToken revokes any token this server issued. Malformed,
// foreign and expired tokens are ignored so callers can always report
// success; only a store failure is returned.
func (s *Service) BlacklistToken(ctx context.Context, raw string) error {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		s.logger.Debug("revocation of unverifiable token ignored", slog.String("error", err.Error()))
		return nil
	}

	if _, err := s.revoked.Revoke(ctx, models.RevokedToken{
		JTI:       claims.ID,
		RevokedAt: s.now(),
		ExpiresAt: claims.ExpiresAt.Time,
	}); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	return nil
}

// IsTokenError reports whether err means the token itself is unacceptable,
// as opposed to an internal failure while checking it.
func IsTokenError(err error) bool {
	return errors.Is(err, autherr.ErrInvalidToken) ||
		errors.Is(err, autherr.ErrTokenExpired) ||
		errors.Is(err, autherr.ErrTokenRevoked)
}
