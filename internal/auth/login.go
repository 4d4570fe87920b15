package auth

import (
	"crypto/subtle"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/Paddione/projects-sub012/internal/session"
)

// loginPage lists the configured identity providers, or confirms who is
// signed in when there is nothing left to do.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sign in</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 1.5rem; }
  .card p { font-size: 0.9rem; color: #444; }
  a.provider {
    display: block;
    text-align: center;
    padding: 0.6rem;
    margin-bottom: 0.75rem;
    background: #1a1a1a;
    color: #fff;
    border-radius: 6px;
    text-decoration: none;
    font-size: 0.9rem;
  }
  a.provider:hover { background: #333; }
</style>
</head>
<body>
<div class="card">
{{if .User}}
  <h1>Signed in</h1>
  <p>You are signed in as <strong>{{.User.Name}}</strong> ({{.User.Email}}).</p>
{{else}}
  <h1>Sign in</h1>
  {{range .Providers}}<a class="provider" href="/auth/{{.}}/login">Continue with {{.}}</a>
  {{else}}<p>No identity providers are configured.</p>{{end}}
{{end}}
</div>
</body>
</html>`))

type loginData struct {
	Providers []string
	User      *models.User
}

func writeHTML(w http.ResponseWriter, status int, data loginData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = loginPage.Execute(w, data)
}

// LoginPage handles GET /auth/login.
func (e *Endpoints) LoginPage(w http.ResponseWriter, r *http.Request) {
	data := loginData{Providers: e.providers.Names()}

	if sess, ok := e.sessions.Get(r); ok && sess.Authenticated() {
		if u, err := e.users.FindByID(r.Context(), sess.UserID); err == nil {
			data.User = u
		}
	}

	writeHTML(w, http.StatusOK, data)
}

// ProviderLogin handles GET /auth/{provider}/login by sending the user
// agent to the provider with a fresh state bound to the session.
func (e *Endpoints) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")

	p, ok := e.providers[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	sess := e.sessions.Start(w, r)
	state := session.NewState()

	e.sessions.Update(sess.ID, func(s *session.Session) {
		s.LoginProvider = name
		s.LoginState = state
	})

	http.Redirect(w, r, p.AuthCodeURL(state), http.StatusFound)
}

// ProviderCallback handles GET /auth/{provider}/callback. On success the
// session becomes authenticated and a parked authorization request, if
// any, is resumed.
func (e *Endpoints) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")

	p, ok := e.providers[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	sess, ok := e.sessions.Get(r)
	if !ok {
		http.Error(w, "login session expired, start again", http.StatusBadRequest)
		return
	}

	// The state is single use whatever happens next.
	e.sessions.Update(sess.ID, func(s *session.Session) {
		s.LoginProvider = ""
		s.LoginState = ""
	})

	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		e.logger.Warn("provider login failed",
			slog.String("provider", name),
			slog.String("error", errCode),
		)
		http.Error(w, "login was cancelled or failed", http.StatusBadRequest)

		return
	}

	state := q.Get("state")
	if sess.LoginProvider != name || sess.LoginState == "" ||
		subtle.ConstantTimeCompare([]byte(state), []byte(sess.LoginState)) != 1 {
		e.logger.Warn("provider callback state mismatch",
			slog.String("provider", name),
			slog.String("ip", remoteIP(r)),
		)
		http.Error(w, "invalid or expired login state", http.StatusForbidden)

		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	profile, err := p.Exchange(r.Context(), code)
	if err != nil {
		e.logger.Error("provider exchange failed",
			slog.String("provider", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "could not complete login with "+name, http.StatusBadGateway)

		return
	}

	user, err := e.users.UpsertFromProfile(r.Context(), *profile)
	if err != nil {
		e.logger.Error("saving user", slog.String("provider", name), slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	// A new id for the authenticated session; the pre-login cookie
	// must not carry the login.
	rotated, ok := e.sessions.Rotate(w, sess.ID)
	if !ok {
		http.Error(w, "login session expired, start again", http.StatusBadRequest)
		return
	}

	var pending *session.Pending

	if _, ok := e.sessions.Update(rotated.ID, func(s *session.Session) {
		s.UserID = user.ID
		pending = s.Pending
		s.Pending = nil
	}); !ok {
		http.Error(w, "login session expired, start again", http.StatusBadRequest)
		return
	}

	e.logger.Info("login successful",
		slog.String("provider", name),
		slog.String("user_id", user.ID),
	)
	e.publish(r, events.Event{Type: events.LoginSucceeded, UserID: user.ID, Provider: name})

	if pending != nil {
		http.Redirect(w, r, authorizeURL(pending), http.StatusFound)
		return
	}

	writeHTML(w, http.StatusOK, loginData{User: user})
}
