package liferay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenPath is the portal's OAuth2 token endpoint.
const TokenPath = "/o/oauth2/token"

// Auth decorates outgoing requests with credentials.
type Auth interface {
	Apply(req *http.Request) error
}

// NoAuth leaves requests untouched.
type NoAuth struct{}

func (NoAuth) Apply(*http.Request) error { return nil }

// BasicAuth uses HTTP Basic authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets the Authorization header.
func (a BasicAuth) Apply(req *http.Request) error {
	if a.Username == "" && a.Password == "" {
		return nil
	}
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// OAuth2Auth authenticates with the client credentials grant. Tokens are
// cached and refreshed by the underlying token source.
type OAuth2Auth struct {
	source oauth2.TokenSource
}

// NewOAuth2Auth builds client-credentials auth against baseURL's token
// endpoint. httpClient is used for token requests; nil means the default
// client.
func NewOAuth2Auth(baseURL, clientID, clientSecret string, httpClient *http.Client) (*OAuth2Auth, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("oauth2 client id and secret are required")
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     strings.TrimSuffix(baseURL, "/") + TokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return &OAuth2Auth{source: cfg.TokenSource(ctx)}, nil
}

// Apply fetches (or reuses) a token and sets the Authorization header.
func (a *OAuth2Auth) Apply(req *http.Request) error {
	tok, err := a.source.Token()
	if err != nil {
		return fmt.Errorf("oauth2 token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}
