package auth

import (
	"net/http"
	"strings"
)

// Register mounts every endpoint on mux. The login page is only served
// here when the login path is local; an absolute URL points at an
// external sign-in front end.
func (e *Endpoints) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /authorize", e.Authorize)
	mux.HandleFunc("POST /token", e.Token)
	mux.HandleFunc("POST /validate", e.Validate)
	mux.HandleFunc("POST /revoke", e.Revoke)

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", e.ServerMetadata)
	mux.HandleFunc("GET /.well-known/jwks.json", e.JWKS)
	mux.Handle("GET /userinfo", e.RequireBearer(http.HandlerFunc(e.UserInfo)))

	if strings.HasPrefix(e.loginPath, "/") {
		mux.HandleFunc("GET "+e.loginPath, e.LoginPage)
	}

	mux.HandleFunc("GET /auth/{provider}/login", e.ProviderLogin)
	mux.HandleFunc("GET /auth/{provider}/callback", e.ProviderCallback)
}
