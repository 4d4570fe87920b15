package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const githubAPIURL = "https://api.github.com"

// GitHub signs users in with a GitHub account.
type GitHub struct {
	oauth  *oauth2.Config
	apiURL string
}

// NewGitHub returns the GitHub provider.
func NewGitHub(cfg Config) *GitHub {
	api := githubAPIURL
	if cfg.APIURL != "" {
		api = strings.TrimRight(cfg.APIURL, "/")
	}

	return &GitHub{
		oauth:  cfg.oauth2Config(endpoints.GitHub, []string{"read:user", "user:email"}),
		apiURL: api,
	}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

func (g *GitHub) Exchange(ctx context.Context, code string) (*models.Profile, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("github: exchanging code: %w", err)
	}

	client := g.oauth.Client(ctx, tok)

	body, err := getJSON(ctx, client, g.apiURL+"/user")
	if err != nil {
		return nil, fmt.Errorf("github: fetching user: %w", err)
	}

	id := gjson.GetBytes(body, "id")
	if !id.Exists() {
		return nil, fmt.Errorf("github: user missing id")
	}

	p := &models.Profile{
		Provider:  g.Name(),
		Subject:   id.String(),
		Username:  gjson.GetBytes(body, "login").String(),
		Name:      gjson.GetBytes(body, "name").String(),
		AvatarURL: gjson.GetBytes(body, "avatar_url").String(),
	}

	// The public profile email may be hidden; the emails endpoint
	// carries the primary address and its verification state.
	emails, err := getJSON(ctx, client, g.apiURL+"/user/emails")
	if err == nil {
		primary := gjson.GetBytes(emails, "#(primary==true)")
		p.Email = primary.Get("email").String()
		p.EmailVerified = primary.Get("verified").Bool()
	}

	if p.Email == "" {
		p.Email = gjson.GetBytes(body, "email").String()
	}

	if p.Name == "" {
		p.Name = p.Username
	}

	return p, nil
}
