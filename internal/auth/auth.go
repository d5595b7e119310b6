// Package auth supplies bearer tokens for the management API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// GraphScope is the scope requested for management API tokens.
const GraphScope = "https://graph.microsoft.com/.default"

// TokenSource produces a bearer token for each remote call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

var errEmptyToken = errors.New("token is empty")

// StaticToken is a pre-obtained bearer token.
type StaticToken struct {
	token string
	now   func() time.Time
}

// NewStaticToken wraps token, trimming an optional "Bearer " prefix.
func NewStaticToken(token string) *StaticToken {
	token = strings.TrimSpace(token)
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	return &StaticToken{token: token, now: time.Now}
}

// Token returns the token unless it is empty or, when it is a JWT, expired.
// Signatures are not verified here; the service does that.
func (s *StaticToken) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("static token: %w: %w", lob.ErrAuthFailed, errEmptyToken)
	}

	claims := jwt.RegisteredClaims{}

	// Opaque tokens are passed through unchanged.
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, &claims); err != nil {
		return s.token, nil //nolint:nilerr // Not a JWT, nothing to inspect.
	}

	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return "", fmt.Errorf("static token expired at %s: %w",
			claims.ExpiresAt.UTC().Format(time.RFC3339), lob.ErrAuthFailed)
	}

	return s.token, nil
}

// ClientCredentials obtains tokens with the OAuth2 client credentials flow.
type ClientCredentials struct {
	source oauth2.TokenSource
}

// ClientCredentialsConfig identifies the application registration.
type ClientCredentialsConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the tenant's token endpoint; used by tests.
	TokenURL string
}

// NewClientCredentials creates a caching token source for the registration.
func NewClientCredentials(ctx context.Context, cfg ClientCredentialsConfig) *ClientCredentials {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + cfg.TenantID + "/oauth2/v2.0/token"
	}

	conf := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{GraphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	return &ClientCredentials{source: conf.TokenSource(ctx)}
}

// Token returns a cached token, refreshing it when it is about to expire.
func (c *ClientCredentials) Token(context.Context) (string, error) {
	token, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("client credentials: %w: %w", lob.ErrAuthFailed, err)
	}

	return token.AccessToken, nil
}
