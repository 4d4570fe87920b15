// Package clients validates registered downstream applications.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Store looks clients up by id. Unknown ids return errors.ErrClientNotFound.
type Store interface {
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
}

// dummySecretHash is compared against when the client does not exist so
// unknown and known ids take the same time to reject.
var dummySecretHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("authd-dummy-client-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generating dummy bcrypt hash: %v", err))
	}

	return h
})

// Registry answers client validation questions. It only reads.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// ValidateClient returns the client if it exists and is active.
func (r *Registry) ValidateClient(ctx context.Context, clientID string) (*models.Client, error) {
	if clientID == "" {
		return nil, autherr.New(autherr.InvalidClient, "client_id is required")
	}

	c, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, autherr.ErrClientNotFound) {
		return nil, autherr.Wrap(autherr.InvalidClient, "unknown client", err)
	}

	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if !c.IsActive {
		return nil, autherr.New(autherr.InvalidClient, "client is inactive")
	}

	return c, nil
}

// ValidateClientCredentials authenticates a client by id and secret.
// The secret is checked with bcrypt even when the client is unknown or
// inactive, and every credential failure reports the same description.
func (r *Registry) ValidateClientCredentials(ctx context.Context, clientID, secret string) (*models.Client, error) {
	c, err := r.ValidateClient(ctx, clientID)
	if err != nil {
		if autherr.From(err).Code != autherr.InvalidClient {
			return nil, err
		}

		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(secret))

		r.logger.Warn("client authentication failed",
			slog.String("client_id", clientID),
			slog.String("reason", autherr.From(err).Description),
		)

		return nil, autherr.New(autherr.InvalidClient, "client authentication failed")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)); err != nil {
		r.logger.Warn("client authentication failed",
			slog.String("client_id", clientID),
			slog.String("reason", "secret mismatch"),
		)

		return nil, autherr.New(autherr.InvalidClient, "client authentication failed")
	}

	return c, nil
}

// ValidateRedirectURI reports whether uri is registered for an active
// client. Matching is exact.
func (r *Registry) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	c, err := r.ValidateClient(ctx, clientID)
	if err != nil {
		return false
	}

	return c.HasRedirectURI(uri)
}

// ValidateGrantType reports whether an active client may use grantType.
func (r *Registry) ValidateGrantType(ctx context.Context, clientID, grantType string) bool {
	c, err := r.ValidateClient(ctx, clientID)
	if err != nil {
		return false
	}

	return c.AllowsGrant(grantType)
}
