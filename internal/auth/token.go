package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/Paddione/projects-sub012/internal/tokens"
)

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	Scope        string       `json:"scope,omitempty"`
	User         *models.User `json:"user"`
}

// Token handles POST /token for the authorization_code and
// refresh_token grants. Clients authenticate with client_secret_post or
// client_secret_basic.
func (e *Endpoints) Token(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	params, err := readParams(w, r)
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	clientID, secret, basic, err := clientCredentials(r, params)
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	grantType := params.Get("grant_type")
	if grantType == "" {
		writeJSONError(w, http.StatusBadRequest, string(autherr.InvalidRequest), "missing required parameter: grant_type")
		return
	}

	client, err := e.clients.ValidateClientCredentials(r.Context(), clientID, secret)
	if err != nil {
		if basic && autherr.From(err).Code == autherr.InvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="authd"`)
		}

		e.writeError(w, r, err)

		return
	}

	if !e.clients.ValidateGrantType(r.Context(), client.ClientID, grantType) {
		e.logger.Warn("token: grant type not allowed",
			slog.String("client_id", client.ClientID),
			slog.String("grant_type", grantType),
		)
		writeJSONError(w, http.StatusBadRequest, string(autherr.UnsupportedGrantType), "grant type is not allowed for this client")

		return
	}

	var pair *tokens.Pair

	switch grantType {
	case models.GrantAuthorizationCode:
		pair, err = e.exchangeCode(r, client.ClientID, params)
	case models.GrantRefreshToken:
		pair, err = e.refresh(r, client.ClientID, params)
	default:
		err = autherr.New(autherr.UnsupportedGrantType, "unsupported grant type")
	}

	if err != nil {
		e.writeError(w, r, err)
		return
	}

	user, err := e.lookupUser(r.Context(), pair.Subject)
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		Scope:        pair.Scope,
		User:         user,
	})
}

func (e *Endpoints) exchangeCode(r *http.Request, clientID string, params url.Values) (*tokens.Pair, error) {
	if name := missingParam(params, "code", "redirect_uri"); name != "" {
		return nil, autherr.New(autherr.InvalidRequest, "missing required parameter: "+name)
	}

	grant, err := e.codes.ValidateAndConsume(r.Context(), params.Get("code"), clientID, params.Get("redirect_uri"))
	if err != nil {
		if autherr.From(err).Code == autherr.InvalidGrant {
			e.publish(r, events.Event{Type: events.CodeRejected, ClientID: clientID})
		}

		return nil, err
	}

	e.publish(r, events.Event{Type: events.CodeConsumed, ClientID: clientID, UserID: grant.UserID})

	pair, err := e.tokens.IssueTokenPair(r.Context(), grant.UserID, clientID, grant.Scope)
	if err != nil {
		return nil, err
	}

	e.logger.Info("token pair issued",
		slog.String("client_id", clientID),
		slog.String("user_id", grant.UserID),
	)
	e.publish(r, events.Event{Type: events.TokenIssued, ClientID: clientID, UserID: grant.UserID})

	return pair, nil
}

func (e *Endpoints) refresh(r *http.Request, clientID string, params url.Values) (*tokens.Pair, error) {
	raw := params.Get("refresh_token")
	if raw == "" {
		return nil, autherr.New(autherr.InvalidRequest, "missing required parameter: refresh_token")
	}

	pair, err := e.tokens.RotateRefreshToken(r.Context(), raw, clientID)
	if err != nil {
		if errors.Is(err, tokens.ErrRefreshTokenReused) {
			e.logger.Warn("refresh token reuse rejected", slog.String("client_id", clientID))
			e.publish(r, events.Event{Type: events.RefreshReuseRejected, ClientID: clientID})
		}

		return nil, err
	}

	e.logger.Info("refresh token rotated",
		slog.String("client_id", clientID),
		slog.String("user_id", pair.Subject),
	)
	e.publish(r, events.Event{Type: events.TokenRefreshed, ClientID: clientID, UserID: pair.Subject})

	return pair, nil
}

// lookupUser resolves a token subject. A user removed since the grant
// was issued makes the grant unusable.
func (e *Endpoints) lookupUser(ctx context.Context, id string) (*models.User, error) {
	u, err := e.users.FindByID(ctx, id)
	if errors.Is(err, autherr.ErrUserNotFound) {
		return nil, autherr.Wrap(autherr.InvalidGrant, "user no longer exists", err)
	}

	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	return u, nil
}

// clientCredentials extracts client_id and client_secret from HTTP Basic
// auth or the body. Using both at once is rejected.
func clientCredentials(r *http.Request, params url.Values) (id, secret string, basic bool, err error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return params.Get("client_id"), params.Get("client_secret"), false, nil
	}

	if params.Get("client_secret") != "" {
		return "", "", true, autherr.New(autherr.InvalidRequest, "multiple client authentication methods")
	}

	// RFC 6749 section 2.3.1: Basic credentials are form-urlencoded.
	id, err = url.QueryUnescape(user)
	if err != nil {
		return "", "", true, autherr.Wrap(autherr.InvalidClient, "malformed client credentials", err)
	}

	secret, err = url.QueryUnescape(pass)
	if err != nil {
		return "", "", true, autherr.Wrap(autherr.InvalidClient, "malformed client credentials", err)
	}

	if bodyID := params.Get("client_id"); bodyID != "" && bodyID != id {
		return "", "", true, autherr.New(autherr.InvalidClient, "client_id does not match credentials")
	}

	return id, secret, true, nil
}
