// Package square implements the Square OAuth connect flow: building the
// authorization redirect, exchanging and refreshing tokens, and the
// authorize/callback HTTP handlers.
package square

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orderflow/merchant-connect/internal/config"
	"golang.org/x/oauth2"
)

// Scopes requested from Square on every install. Square does not echo
// granted scopes back in the token response, so these are also what gets
// recorded on the merchant.
var Scopes = []string{
	"MERCHANT_PROFILE_READ",
	"ORDERS_READ",
	"ORDERS_WRITE",
	"ITEMS_READ",
}

const (
	sandboxBaseURL    = "https://connect.squareupsandbox.com"
	productionBaseURL = "https://connect.squareup.com"

	// Square access tokens last 30 days; used when the response omits
	// an explicit expiry.
	defaultTokenLifetime = 30 * 24 * time.Hour
)

var (
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrRefreshFailed       = errors.New("token refresh failed")
)

// TokenResponse is the outcome of a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	MerchantID   string
	ExpiresAt    time.Time
	Scopes       []string
}

// OAuthClient wraps the oauth2 config for Square. Constructed once from
// config and injected; there is no package-level cached client.
type OAuthClient struct {
	conf *oauth2.Config
}

// NewOAuthClient builds a client for the configured environment.
func NewOAuthClient(cfg config.Square) *OAuthClient {
	base := sandboxBaseURL
	if cfg.Environment == config.EnvProduction {
		base = productionBaseURL
	}
	return &OAuthClient{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// AuthorizationURL builds the consent page URL carrying the CSRF state.
// session=false tells Square not to keep the user logged in afterwards.
// No network call.
func (c *OAuthClient) AuthorizationURL(state string) string {
	return c.conf.AuthCodeURL(state, oauth2.SetAuthURLParam("session", "false"))
}

// ExchangeCode trades an authorization code for a token pair. A response
// missing either token is treated as a failed exchange, not as optional
// data.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	return tokenResponse(tok, ErrTokenExchangeFailed)
}

// RefreshAccessToken obtains a fresh token pair via grant_type=refresh_token.
func (c *OAuthClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return tokenResponse(tok, ErrRefreshFailed)
}

func tokenResponse(tok *oauth2.Token, failure error) (*TokenResponse, error) {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: response missing access or refresh token", failure)
	}

	merchantID, _ := tok.Extra("merchant_id").(string)

	// Square reports an absolute expires_at; oauth2 only parses the
	// relative expires_in form into Expiry.
	expiresAt := tok.Expiry
	if s, ok := tok.Extra("expires_at").(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			expiresAt = t
		}
	}
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}

	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		MerchantID:   merchantID,
		ExpiresAt:    expiresAt,
		Scopes:       append([]string(nil), Scopes...),
	}, nil
}
