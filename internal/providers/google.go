package providers

import (
	"context"
	"fmt"

	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Google signs users in with a Google account.
type Google struct {
	oauth   *oauth2.Config
	infoURL string
}

// NewGoogle returns the Google provider.
func NewGoogle(cfg Config) *Google {
	info := googleUserInfoURL
	if cfg.APIURL != "" {
		info = cfg.APIURL
	}

	return &Google{
		oauth:   cfg.oauth2Config(endpoints.Google, []string{"openid", "email", "profile"}),
		infoURL: info,
	}
}

func (g *Google) Name() string { return "google" }

func (g *Google) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

func (g *Google) Exchange(ctx context.Context, code string) (*models.Profile, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google: exchanging code: %w", err)
	}

	body, err := getJSON(ctx, g.oauth.Client(ctx, tok), g.infoURL)
	if err != nil {
		return nil, fmt.Errorf("google: fetching userinfo: %w", err)
	}

	sub := gjson.GetBytes(body, "sub").String()
	if sub == "" {
		return nil, fmt.Errorf("google: userinfo missing sub")
	}

	return &models.Profile{
		Provider:      g.Name(),
		Subject:       sub,
		Email:         gjson.GetBytes(body, "email").String(),
		EmailVerified: gjson.GetBytes(body, "email_verified").Bool(),
		Name:          gjson.GetBytes(body, "name").String(),
		AvatarURL:     gjson.GetBytes(body, "picture").String(),
	}, nil
}
