package clients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/jmoiron/sqlx"
)

// SQLStore reads clients from the oauth_clients table. Redirect URIs and
// grant types are stored space separated.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore returns a store over a migrated database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type clientRow struct {
	ClientID          string `db:"client_id"`
	ClientSecretHash  string `db:"client_secret_hash"`
	Name              string `db:"name"`
	RedirectURIs      string `db:"redirect_uris"`
	AllowedGrantTypes string `db:"allowed_grant_types"`
	IsActive          bool   `db:"is_active"`
}

func (s *SQLStore) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	q := s.db.Rebind(`SELECT client_id, client_secret_hash, name, redirect_uris, allowed_grant_types, is_active
		FROM oauth_clients WHERE client_id = ?`)

	var row clientRow

	err := s.db.GetContext(ctx, &row, q, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.ErrClientNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	return &models.Client{
		ClientID:          row.ClientID,
		ClientSecretHash:  row.ClientSecretHash,
		Name:              row.Name,
		RedirectURIs:      strings.Fields(row.RedirectURIs),
		AllowedGrantTypes: strings.Fields(row.AllowedGrantTypes),
		IsActive:          row.IsActive,
	}, nil
}
