package integrations

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"talk2task/domain"
)

var notionEndpoint = oauth2.Endpoint{
	AuthURL:   "https://api.notion.com/v1/oauth/authorize",
	TokenURL:  "https://api.notion.com/v1/oauth/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// GoogleOAuthConfig is the calendar grant configuration.
func GoogleOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarEventsScope},
	}
}

// NotionOAuthConfig is the notes workspace grant configuration.
func NotionOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     notionEndpoint,
	}
}

// Connector runs the OAuth authorization code flow for each platform.
type Connector struct {
	configs    map[domain.Platform]*oauth2.Config
	httpClient *http.Client
}

// NewConnector registers the given configs. A nil httpClient uses the
// default client for token exchanges.
func NewConnector(httpClient *http.Client, configs map[domain.Platform]*oauth2.Config) *Connector {
	return &Connector{configs: configs, httpClient: httpClient}
}

func (c *Connector) Supports(p domain.Platform) bool {
	_, ok := c.configs[p]
	return ok
}

func (c *Connector) config(p domain.Platform) (*oauth2.Config, error) {
	cfg, ok := c.configs[p]
	if !ok {
		return nil, &domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("%s is not configured", p)}
	}
	return cfg, nil
}

// AuthCodeURL is the consent page the user is redirected to.
func (c *Connector) AuthCodeURL(p domain.Platform, state string) (string, error) {
	cfg, err := c.config(p)
	if err != nil {
		return "", err
	}
	switch p {
	case domain.PlatformGoogleCalendar:
		return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
	case domain.PlatformNotion:
		return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("owner", "user")), nil
	default:
		return cfg.AuthCodeURL(state), nil
	}
}

// Exchange trades an authorization code for an active credential.
func (c *Connector) Exchange(ctx context.Context, userID string, p domain.Platform, code string) (domain.Credential, error) {
	if err := domain.RequireUser(userID); err != nil {
		return domain.Credential{}, err
	}
	if code == "" {
		return domain.Credential{}, &domain.ValidationError{Field: "code", Reason: "must not be empty"}
	}
	cfg, err := c.config(p)
	if err != nil {
		return domain.Credential{}, err
	}
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return domain.Credential{}, Classify(p, err)
	}
	return TokenCredential(userID, p, tok), nil
}
