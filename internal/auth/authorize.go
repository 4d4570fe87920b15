package auth

import (
	"log/slog"
	"net/http"
	"net/url"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/session"
)

// Authorize handles GET /authorize. Errors are returned to the user agent
// as JSON rather than redirected, since the redirect target may not be
// trusted yet. Once the client and redirect_uri check out, an
// unauthenticated caller is sent to sign in with the request parked in
// the session; an authenticated caller is redirected back with a code.
func (e *Endpoints) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if name := missingParam(q, "client_id", "redirect_uri", "response_type", "state"); name != "" {
		writeJSONError(w, http.StatusBadRequest, string(autherr.InvalidRequest), "missing required parameter: "+name)
		return
	}

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	scope := q.Get("scope")

	if q.Get("response_type") != "code" {
		writeJSONError(w, http.StatusBadRequest, string(autherr.UnsupportedResponseType), `response_type must be "code"`)
		return
	}

	client, err := e.clients.ValidateClient(r.Context(), clientID)
	if err != nil {
		oe := autherr.From(err)
		if oe.Code == autherr.InvalidClient {
			e.logger.Warn("authorize: invalid client", slog.String("client_id", clientID))
			writeJSONError(w, http.StatusBadRequest, string(oe.Code), oe.Description)

			return
		}

		e.writeError(w, r, err)

		return
	}

	if !client.HasRedirectURI(redirectURI) {
		e.logger.Warn("authorize: unregistered redirect_uri",
			slog.String("client_id", clientID),
			slog.String("redirect_uri", redirectURI),
		)
		writeJSONError(w, http.StatusBadRequest, string(autherr.InvalidRequest), "redirect_uri is not registered for this client")

		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(autherr.InvalidRequest), "redirect_uri is not a valid URL")
		return
	}

	sess := e.sessions.Start(w, r)

	if !sess.Authenticated() {
		e.sessions.Update(sess.ID, func(s *session.Session) {
			s.Pending = &session.Pending{
				ClientID:    clientID,
				RedirectURI: redirectURI,
				State:       state,
				Scope:       scope,
			}
		})

		e.logger.Debug("authorize: login required", slog.String("client_id", clientID))
		http.Redirect(w, r, e.loginPath, http.StatusFound)

		return
	}

	code, err := e.codes.Create(r.Context(), sess.UserID, clientID, redirectURI, scope)
	if err != nil {
		e.writeError(w, r, err)
		return
	}

	e.sessions.Update(sess.ID, func(s *session.Session) { s.Pending = nil })

	e.logger.Info("authorization code issued",
		slog.String("client_id", clientID),
		slog.String("user_id", sess.UserID),
	)
	e.publish(r, events.Event{Type: events.CodeIssued, ClientID: clientID, UserID: sess.UserID})

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", state)

	http.Redirect(w, r, appendQuery(target, params), http.StatusFound)
}

// authorizeURL rebuilds the authorize request for a parked session so a
// completed login can resume it through the same checks.
func authorizeURL(p *session.Pending) string {
	params := url.Values{}
	params.Set("client_id", p.ClientID)
	params.Set("redirect_uri", p.RedirectURI)
	params.Set("response_type", "code")
	params.Set("state", p.State)

	if p.Scope != "" {
		params.Set("scope", p.Scope)
	}

	return "/authorize?" + params.Encode()
}
