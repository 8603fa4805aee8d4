package oauth

import (
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
)

// Provider ids accepted by LoginWithProvider.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubUserURL     = "https://api.github.com/user"
	githubEmailsURL   = "https://api.github.com/user/emails"
)

// NewGoogleResolver builds a resolver for Google's OpenID Connect userinfo endpoint.
func NewGoogleResolver(cfg config.OAuthProviderSettings, logger *zap.Logger) (*Resolver, error) {
	return NewResolver(ProviderGoogle, &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoints.Google,
	}, UserInfoConfig{EndpointURL: googleUserInfoURL}, logger)
}

// NewGitHubResolver builds a resolver for GitHub. Its user document carries a
// numeric id and no verification flag, so the email list endpoint is consulted.
func NewGitHubResolver(cfg config.OAuthProviderSettings, logger *zap.Logger) (*Resolver, error) {
	return NewResolver(ProviderGitHub, &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoints.GitHub,
	}, UserInfoConfig{
		EndpointURL:       githubUserURL,
		EmailsEndpointURL: githubEmailsURL,
		FieldMapping: FieldMapping{
			SubjectField:       "id",
			EmailField:         "email",
			EmailVerifiedField: "email_verified",
			NameField:          "name",
			UsernameField:      "login",
		},
	}, logger)
}

// NewResolvers builds a resolver for every provider with credentials configured.
func NewResolvers(cfg config.OAuthSettings, logger *zap.Logger) (map[string]port.ExternalIdentityResolver, error) {
	resolvers := make(map[string]port.ExternalIdentityResolver)

	if cfg.Google.Enabled() {
		r, err := NewGoogleResolver(cfg.Google, logger)
		if err != nil {
			return nil, err
		}
		resolvers[ProviderGoogle] = r
	}
	if cfg.GitHub.Enabled() {
		r, err := NewGitHubResolver(cfg.GitHub, logger)
		if err != nil {
			return nil, err
		}
		resolvers[ProviderGitHub] = r
	}

	return resolvers, nil
}
