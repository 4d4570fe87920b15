package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Paddione/projects-sub012/internal/authcode"
	"github.com/Paddione/projects-sub012/internal/clients"
	"github.com/Paddione/projects-sub012/internal/events"
	"github.com/Paddione/projects-sub012/internal/keys"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/Paddione/projects-sub012/internal/providers"
	"github.com/Paddione/projects-sub012/internal/session"
	"github.com/Paddione/projects-sub012/internal/store"
	"github.com/Paddione/projects-sub012/internal/tokens"
	"github.com/Paddione/projects-sub012/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testIssuer   = "https://auth.example"
	testRedirect = "https://app.example/cb"
	testSecret   = "c1-secret-value"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.Type)
	}

	return out
}

type fakeProvider struct {
	profile *models.Profile
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeProvider) Exchange(_ context.Context, code string) (*models.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}

	if code != "idp-code" {
		return nil, errors.New("bad code")
	}

	return f.profile, nil
}

type harness struct {
	handler  http.Handler
	sessions *session.Manager
	codec    *tokens.Codec
	events   *recorder
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)

	registry := clients.NewRegistry(clients.NewMemoryStore(
		&models.Client{
			ClientID:          "C1",
			ClientSecretHash:  string(hash),
			Name:              "App",
			RedirectURIs:      []string{testRedirect},
			AllowedGrantTypes: []string{models.GrantAuthorizationCode, models.GrantRefreshToken},
			IsActive:          true,
		},
		&models.Client{
			ClientID:          "C2",
			ClientSecretHash:  string(hash),
			RedirectURIs:      []string{"https://two.example/cb"},
			AllowedGrantTypes: []string{models.GrantAuthorizationCode},
			IsActive:          true,
		},
		&models.Client{
			ClientID:          "OFF",
			ClientSecretHash:  string(hash),
			RedirectURIs:      []string{"https://off.example/cb"},
			AllowedGrantTypes: []string{models.GrantAuthorizationCode},
			IsActive:          false,
		},
	), logger)

	backend := store.NewMemory()

	key, err := keys.NewHMAC([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	codec := tokens.NewCodec(key, testIssuer)
	sessions := session.NewManager(time.Hour, false, logger)
	rec := &recorder{}
	fake := &fakeProvider{profile: &models.Profile{
		Provider: "fake",
		Subject:  "f-1",
		Email:    "New@Example.com",
		Name:     "New User",
	}}

	e := New(Config{
		Clients:   registry,
		Codes:     authcode.NewService(backend, 90*time.Second, logger),
		Tokens:    tokens.NewService(codec, backend, 15*time.Minute, 168*time.Hour, logger),
		Users:     users.NewMemoryStore(&models.User{ID: "U1", Email: "u1@example.com", Username: "u1", Name: "User One", Role: "user"}),
		Sessions:  sessions,
		Providers: providers.NewSet(fake),
		Keys:      key,
		Events:    rec,
		Logger:    logger,
		Issuer:    testIssuer,
	})

	mux := http.NewServeMux()
	e.Register(mux)

	return &harness{handler: mux, sessions: sessions, codec: codec, events: rec, provider: fake}
}

// loginAs returns a session cookie for an authenticated session.
func (h *harness) loginAs(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	s := h.sessions.Start(w, httptest.NewRequest(http.MethodGet, "/", nil))
	_, ok := h.sessions.Update(s.ID, func(s *session.Session) { s.UserID = userID })
	require.True(t, ok)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	return cookies[0]
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	return w
}

func authorizeQuery(clientID, redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)

	return "/authorize?" + q.Encode()
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return req
}

func jsonRequest(path string, body map[string]any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", "application/json")

	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())

	return out
}

func assertOAuthError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, code, decode(t, w)["error"])
}

// issueCode runs an authenticated authorize request and returns the code.
func (h *harness) issueCode(t *testing.T, userID string) string {
	t.Helper()
	w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "xyz"), nil), h.loginAs(t, userID))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	return loc.Query().Get("code")
}

func (h *harness) exchange(t *testing.T, code string) map[string]any {
	t.Helper()
	w := h.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {"C1"},
		"client_secret": {testSecret},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	return decode(t, w)
}

// --- Authorize ---

func TestAuthorize_MissingParams(t *testing.T) {
	h := newHarness(t)

	for _, drop := range []string{"client_id", "redirect_uri", "response_type", "state"} {
		t.Run(drop, func(t *testing.T) {
			q := url.Values{
				"client_id":     {"C1"},
				"redirect_uri":  {testRedirect},
				"response_type": {"code"},
				"state":         {"xyz"},
			}
			q.Del(drop)

			w := h.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
			assertOAuthError(t, w, http.StatusBadRequest, "invalid_request")
		})
	}
}

func TestAuthorize_UnsupportedResponseType(t *testing.T) {
	h := newHarness(t)
	path := strings.Replace(authorizeQuery("C1", testRedirect, "xyz"), "response_type=code", "response_type=token", 1)

	w := h.do(httptest.NewRequest(http.MethodGet, path, nil))
	assertOAuthError(t, w, http.StatusBadRequest, "unsupported_response_type")
}

func TestAuthorize_InvalidClient(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"nobody", "OFF"} {
		w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery(id, testRedirect, "xyz"), nil))
		assertOAuthError(t, w, http.StatusBadRequest, "invalid_client")
	}
}

func TestAuthorize_UnregisteredRedirect(t *testing.T) {
	h := newHarness(t)

	for _, uri := range []string{"https://evil.example/cb", testRedirect + "/extra", "https://app.example/"} {
		w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", uri, "xyz"), nil))
		assertOAuthError(t, w, http.StatusBadRequest, "invalid_request")
		assert.Empty(t, w.Header().Get("Location"), "never redirect to an unregistered uri")
	}
}

func TestAuthorize_UnauthenticatedParksRequest(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "xyz"), nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/auth/login", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	s, ok := h.sessions.Get(req)
	require.True(t, ok)
	require.NotNil(t, s.Pending)
	assert.Equal(t, "C1", s.Pending.ClientID)
	assert.Equal(t, "xyz", s.Pending.State)
	assert.Empty(t, h.events.types(), "no code issued before login")
}

func TestAuthorize_EchoesStateVerbatim(t *testing.T) {
	h := newHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "a b&c"), nil), h.loginAs(t, "U1"))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "a b&c", loc.Query().Get("state"), "state is echoed verbatim")
}

func TestAppendQuery(t *testing.T) {
	params := url.Values{}
	params.Set("code", "abc")
	params.Set("state", "s1")

	tests := []struct {
		name, uri, want string
	}{
		{"plain", "https://app.example/cb", "https://app.example/cb?code=abc&state=s1"},
		{"existing query", "https://app.example/cb?tenant=7", "https://app.example/cb?tenant=7&code=abc&state=s1"},
		{"fragment stays last", "https://app.example/cb#/done", "https://app.example/cb?code=abc&state=s1#/done"},
		{"query and fragment", "https://app.example/cb?a=1#x", "https://app.example/cb?a=1&code=abc&state=s1#x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, appendQuery(u, params))

			got, err := url.Parse(appendQuery(u, params))
			require.NoError(t, err)
			assert.Equal(t, "abc", got.Query().Get("code"))
		})
	}
}

// --- Concrete end-to-end scenario ---

func TestScenario_CodeExchangeThenReplay(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "xyz"), nil), h.loginAs(t, "U1"))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https", loc.Scheme)
	assert.Equal(t, "app.example", loc.Host)
	assert.Equal(t, "/cb", loc.Path)
	assert.Equal(t, "xyz", loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {"C1"},
		"client_secret": {testSecret},
	}

	w = h.do(formRequest("/token", form))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	body := decode(t, w)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "Bearer", body["token_type"])
	assert.InDelta(t, 900, body["expires_in"], 0)

	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "U1", user["userId"])
	assert.Equal(t, "u1@example.com", user["email"])
	assert.Equal(t, "user", user["role"])
	assert.Contains(t, user, "emailVerified")

	w = h.do(formRequest("/token", form))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_grant")

	assert.Equal(t, []string{
		events.CodeIssued,
		events.CodeConsumed,
		events.TokenIssued,
		events.CodeRejected,
	}, h.events.types())
}

// --- Token ---

func TestToken_JSONBodyAndBasicAuth(t *testing.T) {
	h := newHarness(t)
	code := h.issueCode(t, "U1")

	req := jsonRequest("/token", map[string]any{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": testRedirect,
	})
	req.SetBasicAuth("C1", url.QueryEscape(testSecret))

	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode(t, w)["access_token"])
}

func TestToken_RedirectMismatch(t *testing.T) {
	h := newHarness(t)
	code := h.issueCode(t, "U1")

	w := h.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example/other"},
		"client_id":     {"C1"},
		"client_secret": {testSecret},
	}))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_grant")

	// The failed attempt consumed nothing the legitimate exchange needs.
	h.exchange(t, code)
}

func TestToken_CodeForAnotherClient(t *testing.T) {
	h := newHarness(t)
	code := h.issueCode(t, "U1")

	w := h.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {"C2"},
		"client_secret": {testSecret},
	}))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_grant")
}

func TestToken_ClientAuthentication(t *testing.T) {
	h := newHarness(t)

	w := h.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"x"},
		"redirect_uri":  {testRedirect},
		"client_id":     {"C1"},
		"client_secret": {"wrong"},
	}))
	assertOAuthError(t, w, http.StatusUnauthorized, "invalid_client")
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))

	req := formRequest("/token", url.Values{"grant_type": {"authorization_code"}})
	req.SetBasicAuth("C1", "wrong")
	w = h.do(req)
	assertOAuthError(t, w, http.StatusUnauthorized, "invalid_client")
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	w = h.do(formRequest("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"OFF"},
		"client_secret": {testSecret},
	}))
	assertOAuthError(t, w, http.StatusUnauthorized, "invalid_client")
}

func TestToken_BothAuthMethodsRejected(t *testing.T) {
	h := newHarness(t)
	req := formRequest("/token", url.Values{"grant_type": {"authorization_code"}, "client_secret": {testSecret}})
	req.SetBasicAuth("C1", testSecret)

	assertOAuthError(t, h.do(req), http.StatusBadRequest, "invalid_request")
}

func TestToken_GrantTypes(t *testing.T) {
	h := newHarness(t)
	creds := func(id string, extra url.Values) url.Values {
		v := url.Values{"client_id": {id}, "client_secret": {testSecret}}
		for k, vs := range extra {
			v[k] = vs
		}

		return v
	}

	w := h.do(formRequest("/token", creds("C1", nil)))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_request")

	w = h.do(formRequest("/token", creds("C1", url.Values{"grant_type": {"password"}})))
	assertOAuthError(t, w, http.StatusBadRequest, "unsupported_grant_type")

	w = h.do(formRequest("/token", creds("C2", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}})))
	assertOAuthError(t, w, http.StatusBadRequest, "unsupported_grant_type")

	w = h.do(formRequest("/token", creds("C1", url.Values{"grant_type": {"authorization_code"}, "redirect_uri": {testRedirect}})))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_request")

	w = h.do(formRequest("/token", creds("C1", url.Values{"grant_type": {"refresh_token"}})))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_request")
}

func TestToken_MalformedJSON(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	assertOAuthError(t, h.do(req), http.StatusBadRequest, "invalid_request")

	req = jsonRequest("/token", map[string]any{"grant_type": 7})
	assertOAuthError(t, h.do(req), http.StatusBadRequest, "invalid_request")
}

func TestToken_RefreshRotation(t *testing.T) {
	h := newHarness(t)
	first := h.exchange(t, h.issueCode(t, "U1"))
	oldRefresh := first["refresh_token"].(string)

	refresh := func(token string) *httptest.ResponseRecorder {
		return h.do(formRequest("/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
			"client_id":     {"C1"},
			"client_secret": {testSecret},
		}))
	}

	w := refresh(oldRefresh)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	second := decode(t, w)
	assert.NotEqual(t, oldRefresh, second["refresh_token"])
	assert.Equal(t, "U1", second["user"].(map[string]any)["userId"])

	assertOAuthError(t, refresh(oldRefresh), http.StatusBadRequest, "invalid_grant")
	assert.Contains(t, h.events.types(), events.RefreshReuseRejected)

	newRefresh := second["refresh_token"].(string)
	require.Equal(t, http.StatusOK, refresh(newRefresh).Code)
	assertOAuthError(t, refresh(newRefresh), http.StatusBadRequest, "invalid_grant")
}

func TestToken_AccessTokenIsNotARefreshToken(t *testing.T) {
	h := newHarness(t)
	pair := h.exchange(t, h.issueCode(t, "U1"))

	w := h.do(formRequest("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {pair["access_token"].(string)},
		"client_id":     {"C1"},
		"client_secret": {testSecret},
	}))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_grant")
}

// --- Validate ---

func (h *harness) validate(t *testing.T, token string) map[string]any {
	t.Helper()
	w := h.do(jsonRequest("/validate", map[string]any{"access_token": token, "client_id": "C1"}))
	require.Equal(t, http.StatusOK, w.Code)

	return decode(t, w)
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	pair := h.exchange(t, h.issueCode(t, "U1"))
	access := pair["access_token"].(string)

	body := h.validate(t, access)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "U1", body["user"].(map[string]any)["userId"])

	body = h.validate(t, "garbage")
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "invalid token", body["error"])

	w := h.do(formRequest("/revoke", url.Values{"token": {access}, "client_id": {"C1"}}))
	require.Equal(t, http.StatusOK, w.Code)

	body = h.validate(t, access)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "token revoked", body["error"])
}

func TestValidate_RefreshTokenRejected(t *testing.T) {
	h := newHarness(t)
	pair := h.exchange(t, h.issueCode(t, "U1"))

	body := h.validate(t, pair["refresh_token"].(string))
	assert.Equal(t, false, body["valid"])
}

func TestValidate_Expired(t *testing.T) {
	h := newHarness(t)
	body := h.validate(t, h.expiredToken(t))

	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "token expired", body["error"])
}

func TestValidate_FailuresAre200(t *testing.T) {
	h := newHarness(t)

	w := h.do(jsonRequest("/validate", map[string]any{"client_id": "C1"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["valid"])

	w = h.do(jsonRequest("/validate", map[string]any{"access_token": "x", "client_id": "nobody"}))
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "invalid_client", body["error"])
}

// --- Revoke ---

func (h *harness) expiredToken(t *testing.T) string {
	t.Helper()
	now := time.Now()
	raw, err := h.codec.Sign(&tokens.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "U1",
			ID:        "expired-jti",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Type:     tokens.TypeAccess,
		ClientID: "C1",
	})
	require.NoError(t, err)

	return raw
}

func TestScenario_RevokeExpiredTokenTwice(t *testing.T) {
	h := newHarness(t)
	token := h.expiredToken(t)

	for range 2 {
		w := h.do(jsonRequest("/revoke", map[string]any{"token": token, "client_id": "C1"}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.NotEmpty(t, body["message"])
	}
}

func TestRevoke_GarbageTokenSucceeds(t *testing.T) {
	h := newHarness(t)
	w := h.do(formRequest("/revoke", url.Values{"token": {"not-a-jwt"}, "client_id": {"C1"}}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
}

func TestRevoke_RefreshTokenCannotRotate(t *testing.T) {
	h := newHarness(t)
	pair := h.exchange(t, h.issueCode(t, "U1"))
	refresh := pair["refresh_token"].(string)

	w := h.do(formRequest("/revoke", url.Values{"token": {refresh}, "client_id": {"C1"}}))
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(formRequest("/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"C1"},
		"client_secret": {testSecret},
	}))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_grant")
}

func TestRevoke_RequestErrors(t *testing.T) {
	h := newHarness(t)

	w := h.do(formRequest("/revoke", url.Values{"client_id": {"C1"}}))
	assertOAuthError(t, w, http.StatusBadRequest, "invalid_request")

	w = h.do(formRequest("/revoke", url.Values{"token": {"x"}, "client_id": {"nobody"}}))
	assertOAuthError(t, w, http.StatusUnauthorized, "invalid_client")
}

// --- Metadata and userinfo ---

func TestServerMetadata(t *testing.T) {
	h := newHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var meta ServerMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer, meta.Issuer)
	assert.Equal(t, testIssuer+"/token", meta.TokenEndpoint)
	assert.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	assert.Empty(t, meta.JWKSURI, "HMAC keys are not published")
}

func TestJWKS_EmptyForHMAC(t *testing.T) {
	h := newHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"keys":[]}`, w.Body.String())
}

func TestUserInfo(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/userinfo", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Header().Get("WWW-Authenticate"), "error=")

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = h.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

	pair := h.exchange(t, h.issueCode(t, "U1"))
	req = httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+pair["access_token"].(string))
	w = h.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "U1", decode(t, w)["userId"])
}

// --- Federated login ---

func TestLoginPage_ListsProviders(t *testing.T) {
	h := newHarness(t)
	w := h.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `href="/auth/fake/login"`)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestFederatedLogin_ResumesAuthorization(t *testing.T) {
	h := newHarness(t)

	// Unauthenticated authorize parks the request.
	w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "xyz"), nil))
	require.Equal(t, http.StatusFound, w.Code)
	cookie := w.Result().Cookies()[0]

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/login", nil), cookie)
	require.Equal(t, http.StatusFound, w.Code)

	idp, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := idp.Query().Get("state")
	require.NotEmpty(t, state)

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state="+url.QueryEscape(state), nil), cookie)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	rotated := w.Result().Cookies()
	require.Len(t, rotated, 1)
	assert.NotEqual(t, cookie.Value, rotated[0].Value, "session id changes at login")

	resume := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(resume, "/authorize?"))

	w = h.do(httptest.NewRequest(http.MethodGet, resume, nil), rotated[0])
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))

	body := h.exchange(t, loc.Query().Get("code"))
	assert.Equal(t, "new@example.com", body["user"].(map[string]any)["email"])
	assert.Contains(t, h.events.types(), events.LoginSucceeded)
}

func TestFederatedLogin_WithoutPendingShowsSignedIn(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/login", nil))
	require.Equal(t, http.StatusFound, w.Code)
	cookie := w.Result().Cookies()[0]
	idp, _ := url.Parse(w.Header().Get("Location"))

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state="+url.QueryEscape(idp.Query().Get("state")), nil), cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "New User")
}

func TestFederatedLogin_PreLoginCookieStaysAnonymous(t *testing.T) {
	h := newHarness(t)

	// A cookie obtained before login, e.g. one planted in the victim's browser.
	w := h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "xyz"), nil))
	require.Equal(t, http.StatusFound, w.Code)
	planted := w.Result().Cookies()[0]

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/login", nil), planted)
	idp, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state="+url.QueryEscape(idp.Query().Get("state")), nil), planted)
	require.Equal(t, http.StatusFound, w.Code)

	// Replaying the old cookie must not yield a code for the logged-in user.
	w = h.do(httptest.NewRequest(http.MethodGet, authorizeQuery("C1", testRedirect, "other"), nil), planted)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/auth/login", w.Header().Get("Location"))
	assert.NotContains(t, h.events.types(), events.CodeIssued)
}

func TestFederatedLogin_StateChecks(t *testing.T) {
	h := newHarness(t)

	w := h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/login", nil))
	cookie := w.Result().Cookies()[0]
	idp, _ := url.Parse(w.Header().Get("Location"))
	state := idp.Query().Get("state")

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state=forged", nil), cookie)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The real state was burned by the failed attempt.
	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state="+url.QueryEscape(state), nil), cookie)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "no session")
}

func TestFederatedLogin_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.err = errors.New("idp down")

	w := h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/login", nil))
	cookie := w.Result().Cookies()[0]
	idp, _ := url.Parse(w.Header().Get("Location"))

	w = h.do(httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=idp-code&state="+url.QueryEscape(idp.Query().Get("state")), nil), cookie)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestFederatedLogin_UnknownProvider(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/auth/dex/login", nil)).Code)
	assert.Equal(t, http.StatusNotFound, h.do(httptest.NewRequest(http.MethodGet, "/auth/dex/callback", nil)).Code)
}
