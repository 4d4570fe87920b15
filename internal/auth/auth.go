// Package auth implements the HTTP surface of the authorization server:
// the authorize, token, validate and revoke endpoints, discovery
// metadata, bearer-token middleware and federated login.
package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Paddione/projects-sub012/internal/authcode"
	"github.com/Paddione/projects-sub012/internal/clients"
	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/keys"
	"github.com/Paddione/projects-sub012/internal/providers"
	"github.com/Paddione/projects-sub012/internal/session"
	"github.com/Paddione/projects-sub012/internal/tokens"
	"github.com/Paddione/projects-sub012/internal/users"
)

// maxRequestBody caps POST bodies on every endpoint.
const maxRequestBody = 64 << 10

// Config holds the collaborators the endpoints are built from.
type Config struct {
	Clients   *clients.Registry
	Codes     *authcode.Service
	Tokens    *tokens.Service
	Users     users.Store
	Sessions  *session.Manager
	Providers providers.Set
	Keys      keys.Provider
	Events    events.Publisher
	Logger    *slog.Logger

	// Issuer is the public base URL of this server.
	Issuer string

	// LoginPath is where unauthenticated authorization requests are
	// sent to sign in.
	LoginPath string
}

// Endpoints serves the authorization server routes.
type Endpoints struct {
	clients   *clients.Registry
	codes     *authcode.Service
	tokens    *tokens.Service
	users     users.Store
	sessions  *session.Manager
	providers providers.Set
	keys      keys.Provider
	events    events.Publisher
	logger    *slog.Logger
	issuer    string
	loginPath string
	now       func() time.Time
}

// New builds the endpoints from cfg.
func New(cfg Config) *Endpoints {
	pub := cfg.Events
	if pub == nil {
		pub = events.Multi{}
	}

	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/auth/login"
	}

	return &Endpoints{
		clients:   cfg.Clients,
		codes:     cfg.Codes,
		tokens:    cfg.Tokens,
		users:     cfg.Users,
		sessions:  cfg.Sessions,
		providers: cfg.Providers,
		keys:      cfg.Keys,
		events:    pub,
		logger:    cfg.Logger,
		issuer:    strings.TrimRight(cfg.Issuer, "/"),
		loginPath: loginPath,
		now:       time.Now,
	}
}

func (e *Endpoints) publish(r *http.Request, ev events.Event) {
	ev.Time = e.now()
	e.events.Publish(r.Context(), ev)
}

// writeError renders err as an OAuth error body. Internal failures are
// logged and reported without detail.
func (e *Endpoints) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := autherr.From(err)
	if oe.Code == autherr.ServerError {
		e.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	writeJSONError(w, oe.Status(), string(oe.Code), oe.Description)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readParams returns the request parameters from a JSON object or a
// form-encoded body. JSON values that are not strings are rejected.
func readParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, autherr.Wrap(autherr.InvalidRequest, "invalid form data", err)
		}

		return r.PostForm, nil
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, autherr.Wrap(autherr.InvalidRequest, "invalid request body", err)
	}

	params := make(url.Values, len(body))

	for k, v := range body {
		switch v := v.(type) {
		case string:
			params.Set(k, v)
		case nil:
		default:
			return nil, autherr.New(autherr.InvalidRequest, fmt.Sprintf("parameter %s must be a string", k))
		}
	}

	return params, nil
}

// missingParam returns the first name whose value is empty.
func missingParam(params url.Values, names ...string) string {
	for _, n := range names {
		if params.Get(n) == "" {
			return n
		}
	}

	return ""
}

// appendQuery returns u with params added after any query it already
// has. A fragment stays after the query.
func appendQuery(u *url.URL, params url.Values) string {
	out := *u
	if out.RawQuery != "" {
		out.RawQuery += "&" + params.Encode()
	} else {
		out.RawQuery = params.Encode()
	}

	return out.String()
}
