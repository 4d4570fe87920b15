package auth

import (
	"net/http"

	"github.com/Paddione/projects-sub012/internal/keys"
	"github.com/Paddione/projects-sub012/internal/models"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// ServerMetadata handles GET /.well-known/oauth-authorization-server.
func (e *Endpoints) ServerMetadata(w http.ResponseWriter, _ *http.Request) {
	meta := ServerMetadata{
		Issuer:                            e.issuer,
		AuthorizationEndpoint:             e.issuer + "/authorize",
		TokenEndpoint:                     e.issuer + "/token",
		RevocationEndpoint:                e.issuer + "/revoke",
		UserinfoEndpoint:                  e.issuer + "/userinfo",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{models.GrantAuthorizationCode, models.GrantRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
	}

	if len(e.keys.JWKS()) > 0 {
		meta.JWKSURI = e.issuer + "/.well-known/jwks.json"
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, meta)
}

// JWKS handles GET /.well-known/jwks.json. Symmetric keys are never
// published, so an HMAC deployment serves an empty set.
func (e *Endpoints) JWKS(w http.ResponseWriter, _ *http.Request) {
	set := e.keys.JWKS()
	if set == nil {
		set = []keys.JWK{}
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string][]keys.JWK{"keys": set})
}
