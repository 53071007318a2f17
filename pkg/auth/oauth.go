package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// OAuthProvider performs authorization code exchange and token refresh
// against one provider's token endpoint.
type OAuthProvider struct {
	name       string
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthProvider creates a provider from its configuration. httpClient is
// used for token endpoint calls; nil selects http.DefaultClient.
func NewOAuthProvider(name string, cfg config.OAuthProviderConfig, httpClient *http.Client) *OAuthProvider {
	return &OAuthProvider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// Name returns the provider's source type
func (p *OAuthProvider) Name() string { return p.name }

// AuthCodeURL returns the consent page URL for state
func (p *OAuthProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a credential
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*models.Credential, error) {
	tok, err := p.config.Exchange(p.context(ctx), code)
	if err != nil {
		return nil, classifyOAuthError(err, "authorization code exchange failed")
	}
	return credentialFromToken(tok, nil), nil
}

// Refresh obtains a new access token with prev's refresh token. The previous
// refresh token is kept when the provider does not rotate it.
func (p *OAuthProvider) Refresh(ctx context.Context, prev *models.Credential) (*models.Credential, error) {
	if !prev.HasRefreshToken() {
		return nil, errors.New(errors.ErrorTypeAuthentication, "no refresh token available")
	}

	src := p.config.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: prev.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(err, "token refresh failed")
	}
	return credentialFromToken(tok, prev), nil
}

func (p *OAuthProvider) context(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func credentialFromToken(tok *oauth2.Token, prev *models.Credential) *models.Credential {
	cred := &models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		cred.ExpiresAt = &expiry
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scopes = strings.Fields(scope)
	}
	if prev != nil {
		if cred.RefreshToken == "" {
			cred.RefreshToken = prev.RefreshToken
		}
		if len(cred.Scopes) == 0 {
			cred.Scopes = prev.Scopes
		}
	}
	return cred
}

// classifyOAuthError maps token endpoint failures onto the error taxonomy:
// rejected grants are terminal, server errors are transient.
func classifyOAuthError(err error, msg string) error {
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client":
			return errors.Wrap(err, errors.ErrorTypeAuthentication, msg).WithDetail("oauth_error", re.ErrorCode)
		case status == http.StatusTooManyRequests:
			return errors.Wrap(err, errors.ErrorTypeRateLimit, msg)
		case status >= 500:
			return errors.Wrap(err, errors.ErrorTypeConnection, msg).WithDetail("status", status)
		case status >= 400:
			return errors.Wrap(err, errors.ErrorTypeAuthentication, msg).WithDetail("status", status)
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, msg)
}

// expiresAt returns the credential expiry or the zero time
func expiresAt(c *models.Credential) time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return *c.ExpiresAt
}
