// Package tokens signs, verifies, rotates and revokes the JWT access and
// refresh tokens issued by the authorization server.
package tokens

import (
	"errors"
	"fmt"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/keys"
	"github.com/golang-jwt/jwt/v5"
)

// maxIssuedAtSkew is how far in the future an iat may lie, covering
// clock drift between instances sharing a signing key. Expiry is
// checked without leeway.
const maxIssuedAtSkew = 30 * time.Second

// Token kinds carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the JWT payload of both token kinds.
type Claims struct {
	jwt.RegisteredClaims
	Type     string `json:"typ"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

// Codec signs and verifies tokens. It checks signature, issuer and
// expiry only; revocation is layered on by Service.
type Codec struct {
	keys   keys.Provider
	issuer string
	now    func() time.Time
}

// NewCodec returns a codec that signs with p and stamps issuer.
func NewCodec(p keys.Provider, issuer string) *Codec {
	return &Codec{keys: p, issuer: issuer, now: time.Now}
}

// Sign returns the compact serialisation of claims. The issuer is
// always overwritten with the codec's issuer.
func (c *Codec) Sign(claims *Claims) (string, error) {
	claims.Issuer = c.issuer

	token := jwt.NewWithClaims(c.keys.Method(), claims)
	if kid := c.keys.KeyID(); kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(c.keys.SigningKey())
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// Verify parses raw and returns its claims. Expired tokens fail with
// errors.ErrTokenExpired, anything else invalid with errors.ErrInvalidToken.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return c.keys.VerificationKey(kid)
	},
		jwt.WithValidMethods([]string{c.keys.Method().Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, autherr.ErrTokenExpired
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidToken, err)
	}

	if claims.IssuedAt != nil && claims.IssuedAt.After(c.now().Add(maxIssuedAtSkew)) {
		return nil, fmt.Errorf("%w: issued in the future", autherr.ErrInvalidToken)
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing jti or sub", autherr.ErrInvalidToken)
	}

	return claims, nil
}
