// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// Grant types a client may be permitted to use.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Client is a registered downstream application. Clients are managed
// outside this service and are read-only here.
type Client struct {
	ClientID          string   `json:"client_id" yaml:"client_id"`
	ClientSecretHash  string   `json:"-" yaml:"client_secret_hash"`
	Name              string   `json:"name,omitempty" yaml:"name"`
	RedirectURIs      []string `json:"redirect_uris" yaml:"redirect_uris"`
	AllowedGrantTypes []string `json:"allowed_grant_types" yaml:"allowed_grant_types"`
	IsActive          bool     `json:"is_active" yaml:"is_active"`
}

// HasRedirectURI reports whether uri is registered for the client.
// Comparison is exact; no prefix or normalised matching.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client may use grantType.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AuthorizationCode is a stored single-use authorization code. Only the
// SHA-256 digest of the code is kept.
type AuthorizationCode struct {
	CodeHash    string     `json:"code_hash"`
	UserID      string     `json:"user_id"`
	ClientID    string     `json:"client_id"`
	RedirectURI string     `json:"redirect_uri"`
	Scope       string     `json:"scope,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Consumable reports whether the code may still be exchanged at now.
func (c *AuthorizationCode) Consumable(now time.Time) bool {
	return c.ConsumedAt == nil && now.Before(c.ExpiresAt)
}

// RevokedToken blacklists a token by its jti until the token would have
// expired on its own.
type RevokedToken struct {
	JTI       string    `json:"jti"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
