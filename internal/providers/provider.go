// Package providers implements federated login against third-party
// identity providers. Every provider normalises its user record into a
// models.Profile so nothing downstream depends on a provider's API shape.
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/Paddione/projects-sub012/internal/models"
	"golang.org/x/oauth2"
)

// maxUserInfoBytes caps provider API responses.
const maxUserInfoBytes = 1 << 20

// Provider is one federated identity provider.
type Provider interface {
	// Name is the URL-safe identifier used in login routes.
	Name() string

	// AuthCodeURL returns the provider's consent URL carrying state.
	AuthCodeURL(state string) string

	// Exchange redeems the provider callback code and returns the
	// caller's normalised profile.
	Exchange(ctx context.Context, code string) (*models.Profile, error)
}

// Config holds the OAuth client registration at a provider. The URL
// fields override the provider defaults and are mainly for tests.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL  string
	TokenURL string
	APIURL   string
}

func (c Config) oauth2Config(def oauth2.Endpoint, scopes []string) *oauth2.Config {
	ep := def
	if c.AuthURL != "" {
		ep.AuthURL = c.AuthURL
	}

	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}

	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     ep,
		Scopes:       scopes,
	}
}

// Set is the configured providers, keyed by name.
type Set map[string]Provider

// NewSet indexes providers by name.
func NewSet(ps ...Provider) Set {
	s := make(Set, len(ps))
	for _, p := range ps {
		s[p.Name()] = p
	}

	return s
}

// Names returns the provider names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// Has reports whether name is configured.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// getJSON fetches url with the authorised client and returns the body.
func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return body, nil
}
