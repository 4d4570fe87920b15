package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/tokens"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxClientID
	ctxScope
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// RequestScope returns the granted scope from the context, or "".
func RequestScope(ctx context.Context) string {
	v, _ := ctx.Value(ctxScope).(string)
	return v
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// RequireBearer rejects requests without a valid access token. The
// token's subject, client and scope are put on the request context.
func (e *Endpoints) RequireBearer(next http.Handler) http.Handler {
	// RFC 6750 section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer realm="%s"`, e.issuer)
	wwwAuthInvalid := fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, e.issuer)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			e.logger.Debug("middleware: no bearer token",
				slog.String("ip", remoteIP(r)),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		claims, err := e.tokens.VerifyAccessToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if !tokens.IsTokenError(err) {
				e.writeError(w, r, err)
				return
			}

			e.logger.Debug("middleware: bearer token rejected",
				slog.String("ip", remoteIP(r)),
				slog.String("path", r.URL.Path),
				slog.String("reason", err.Error()),
			)
			w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, ctxUserID, claims.Subject)
		ctx = context.WithValue(ctx, ctxClientID, claims.ClientID)
		ctx = context.WithValue(ctx, ctxScope, claims.Scope)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserInfo handles GET /userinfo behind RequireBearer.
func (e *Endpoints) UserInfo(w http.ResponseWriter, r *http.Request) {
	user, err := e.lookupUser(r.Context(), RequestUserID(r.Context()))
	if err != nil {
		if autherr.From(err).Code == autherr.InvalidGrant {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, e.issuer))
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		e.writeError(w, r, err)

		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, user)
}
