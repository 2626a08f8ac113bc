package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	gogithub "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	githubUserAgent         = "mileage-api"
)

// GitHubConfig configures the OAuth code exchange.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint defaults to github.com when empty.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
}

// GitHubOAuth exchanges authorization codes for GitHub profiles.
type GitHubOAuth struct {
	config     oauth2.Config
	apiBaseURL *url.URL
	httpClient *http.Client
}

func NewGitHubOAuth(cfg GitHubConfig) (*GitHubOAuth, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrInvalidOAuthConfig)
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = github.Endpoint
	}
	rawBaseURL := strings.TrimSpace(cfg.APIBaseURL)
	if rawBaseURL == "" {
		rawBaseURL = defaultGitHubAPIBaseURL
	}
	if !strings.HasSuffix(rawBaseURL, "/") {
		rawBaseURL += "/"
	}
	apiBaseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: api base url: %w", ErrInvalidOAuthConfig, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GitHubOAuth{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}, nil
}

// AuthCodeURL returns the GitHub consent page URL for the given state.
func (client *GitHubOAuth) AuthCodeURL(state string) string {
	return client.config.AuthCodeURL(state)
}

// Exchange trades a code for an access token and loads the user's profile.
func (client *GitHubOAuth) Exchange(ctx context.Context, code string) (users.GitHubProfile, error) {
	if strings.TrimSpace(code) == "" {
		return users.GitHubProfile{}, ErrMissingAuthorization
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	token, err := client.config.Exchange(ctx, code)
	if err != nil {
		return users.GitHubProfile{}, fmt.Errorf("%w: %w", ErrOAuthExchange, err)
	}
	return client.fetchProfile(ctx, token)
}

func (client *GitHubOAuth) fetchProfile(ctx context.Context, token *oauth2.Token) (users.GitHubProfile, error) {
	api := gogithub.NewClient(client.config.Client(ctx, token))
	api.BaseURL = client.apiBaseURL
	api.UserAgent = githubUserAgent
	user, _, err := api.Users.Get(ctx, "")
	if err != nil {
		return users.GitHubProfile{}, fmt.Errorf("%w: %w", ErrOAuthProfile, err)
	}
	return users.GitHubProfile{
		ID:        user.GetID(),
		Login:     user.GetLogin(),
		Email:     user.Email,
		AvatarURL: user.GetAvatarURL(),
	}, nil
}
