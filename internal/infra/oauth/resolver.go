package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

const maxUserInfoBytes = 1 << 20

// ErrEmptyCode is returned when no authorization code is supplied.
var ErrEmptyCode = errors.New("oauth: authorization code is required")

// FieldMapping maps provider-specific userinfo field names to ExternalUserInfo fields.
type FieldMapping struct {
	SubjectField       string
	EmailField         string
	EmailVerifiedField string
	NameField          string
	UsernameField      string
}

func (m FieldMapping) withDefaults() FieldMapping {
	if m.SubjectField == "" {
		m.SubjectField = "sub"
	}
	if m.EmailField == "" {
		m.EmailField = "email"
	}
	if m.EmailVerifiedField == "" {
		m.EmailVerifiedField = "email_verified"
	}
	if m.NameField == "" {
		m.NameField = "name"
	}
	if m.UsernameField == "" {
		m.UsernameField = "preferred_username"
	}
	return m
}

// UserInfoConfig describes how to fetch the identity once a token is obtained.
type UserInfoConfig struct {
	EndpointURL string
	// EmailsEndpointURL lists the account's addresses with their verification
	// state, for providers whose userinfo omits it.
	EmailsEndpointURL string
	FieldMapping      FieldMapping
}

// Validate checks that the userinfo endpoint is an absolute http(s) URL.
func (c UserInfoConfig) Validate() error {
	if c.EndpointURL == "" {
		return errors.New("oauth: userinfo endpoint is required")
	}
	parsed, err := url.Parse(c.EndpointURL)
	if err != nil {
		return errors.New("oauth: userinfo endpoint must be a valid URL")
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("oauth: userinfo endpoint must be an absolute http or https URL")
	}
	return nil
}

// Resolver exchanges an authorization code with one provider and normalizes
// the identity it returns.
type Resolver struct {
	name     string
	oauth    *oauth2.Config
	userInfo UserInfoConfig
	client   *http.Client
	logger   *zap.Logger
}

// NewResolver validates the configuration and builds a Resolver.
func NewResolver(name string, cfg *oauth2.Config, userInfo UserInfoConfig, logger *zap.Logger) (*Resolver, error) {
	if cfg == nil || cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth: %s client id is required", name)
	}
	if err := userInfo.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	userInfo.FieldMapping = userInfo.FieldMapping.withDefaults()
	return &Resolver{
		name:     name,
		oauth:    cfg,
		userInfo: userInfo,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}, nil
}

// Name returns the provider id.
func (r *Resolver) Name() string {
	return r.name
}

// ResolveExternalIdentity exchanges code for a token and fetches the userinfo document.
func (r *Resolver) ResolveExternalIdentity(ctx context.Context, code string) (*domain.ExternalUserInfo, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrEmptyCode
	}

	if _, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); !ok {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	token, err := r.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s code exchange: %w", r.name, err)
	}

	client := r.oauth.Client(ctx, token)

	claims, err := r.fetchJSON(ctx, client, r.userInfo.EndpointURL)
	if err != nil {
		return nil, err
	}

	mapping := r.userInfo.FieldMapping
	info := &domain.ExternalUserInfo{
		Subject:       stringClaim(claims, mapping.SubjectField),
		Email:         stringClaim(claims, mapping.EmailField),
		EmailVerified: boolClaim(claims, mapping.EmailVerifiedField),
		Name:          stringClaim(claims, mapping.NameField),
		Username:      stringClaim(claims, mapping.UsernameField),
	}
	if info.Subject == "" {
		return nil, fmt.Errorf("oauth: %s userinfo is missing %q", r.name, mapping.SubjectField)
	}

	if r.userInfo.EmailsEndpointURL != "" && (!info.EmailVerified || info.Email == "") {
		if email, ok := r.primaryVerifiedEmail(ctx, client); ok {
			info.Email = email
			info.EmailVerified = true
		}
	}

	r.logger.Debug("external identity resolved",
		zap.String("provider", r.name),
		zap.Bool("email_verified", info.EmailVerified),
	)

	return info, nil
}

func (r *Resolver) fetchJSON(ctx context.Context, client *http.Client, endpoint string) (map[string]any, error) {
	body, err := r.get(ctx, client, endpoint)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var claims map[string]any
	if err := decoder.Decode(&claims); err != nil {
		return nil, fmt.Errorf("oauth: %s decode userinfo: %w", r.name, err)
	}
	return claims, nil
}

func (r *Resolver) get(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s request %s: %w", r.name, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("oauth: %s read response: %w", r.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: %s %s returned status %d", r.name, endpoint, resp.StatusCode)
	}
	return body, nil
}

func (r *Resolver) primaryVerifiedEmail(ctx context.Context, client *http.Client) (string, bool) {
	body, err := r.get(ctx, client, r.userInfo.EmailsEndpointURL)
	if err != nil {
		r.logger.Warn("failed to fetch provider email list", zap.String("provider", r.name), zap.Error(err))
		return "", false
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		r.logger.Warn("failed to decode provider email list", zap.String("provider", r.name), zap.Error(err))
		return "", false
	}
	for _, e := range emails {
		if e.Primary && e.Verified && e.Email != "" {
			return e.Email, true
		}
	}
	return "", false
}

func stringClaim(claims map[string]any, field string) string {
	switch v := claims[field].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func boolClaim(claims map[string]any, field string) bool {
	switch v := claims[field].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

var _ port.ExternalIdentityResolver = (*Resolver)(nil)
