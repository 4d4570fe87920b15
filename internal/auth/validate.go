package auth

import (
	"errors"
	"log/slog"
	"net/http"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/models"
)

type validateResponse struct {
	Valid bool         `json:"valid"`
	User  *models.User `json:"user,omitempty"`
	Error string       `json:"error,omitempty"`
}

type revokeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Validate handles POST /validate. Every outcome is a 200; a token that
// does not check out is reported in the body.
func (e *Endpoints) Validate(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Error: string(autherr.InvalidRequest)})
		return
	}

	if name := missingParam(params, "access_token", "client_id"); name != "" {
		writeJSON(w, http.StatusOK, validateResponse{Error: "missing required parameter: " + name})
		return
	}

	if _, err := e.clients.ValidateClient(r.Context(), params.Get("client_id")); err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Error: e.validationError(r, err)})
		return
	}

	claims, err := e.tokens.VerifyAccessToken(r.Context(), params.Get("access_token"))
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Error: e.validationError(r, err)})
		return
	}

	user, err := e.users.FindByID(r.Context(), claims.Subject)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Error: e.validationError(r, err)})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{Valid: true, User: user})
}

// validationError names why validation failed without exposing
// internal detail.
func (e *Endpoints) validationError(r *http.Request, err error) string {
	switch {
	case errors.Is(err, autherr.ErrTokenRevoked):
		return "token revoked"
	case errors.Is(err, autherr.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, autherr.ErrInvalidToken):
		return "invalid token"
	case errors.Is(err, autherr.ErrUserNotFound):
		return "user not found"
	}

	oe := autherr.From(err)
	if oe.Code == autherr.ServerError {
		e.logger.Error("validate failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}

	return string(oe.Code)
}

// Revoke handles POST /revoke. Once the client is known the response is
// success whether or not the token was valid, so the endpoint cannot be
// used to probe tokens.
func (e *Endpoints) Revoke(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	if name := missingParam(params, "token", "client_id"); name != "" {
		writeJSONError(w, http.StatusBadRequest, string(autherr.InvalidRequest), "missing required parameter: "+name)
		return
	}

	clientID := params.Get("client_id")

	if _, err := e.clients.ValidateClient(r.Context(), clientID); err != nil {
		e.writeError(w, r, err)
		return
	}

	if err := e.tokens.BlacklistToken(r.Context(), params.Get("token")); err != nil {
		e.writeError(w, r, err)
		return
	}

	e.logger.Info("token revocation accepted", slog.String("client_id", clientID))
	e.publish(r, events.Event{Type: events.TokenRevoked, ClientID: clientID})

	writeJSON(w, http.StatusOK, revokeResponse{Success: true, Message: "token revoked"})
}
