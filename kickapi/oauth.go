package kickapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/kickchat/auth"
)

// Kick identity endpoints.
const (
	DefaultAuthorizeURL = "https://id.kick.com/oauth/authorize"
	DefaultTokenURL     = "https://id.kick.com/oauth/token"
)

const defaultRefreshTimeout = 15 * time.Second

// Refresher performs the refresh_token grant against the Kick token
// endpoint. Concurrent calls share a single in-flight exchange, so one
// Refresher should serve one credential set.
type Refresher struct {
	TokenURL   string
	HTTPClient *http.Client
	// Timeout bounds one exchange; defaults to 15s.
	Timeout time.Duration
	Now     func() time.Time

	group singleflight.Group
}

var _ auth.Refresher = (*Refresher)(nil)

// Refresh exchanges refreshToken for a new access token. A rejected exchange
// returns *auth.RefreshError with the response status and body. It never
// retries.
func (r *Refresher) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (auth.TokenState, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return auth.TokenState{}, &auth.RefreshError{Err: errors.New("missing clientID/clientSecret/refreshToken")}
	}
	ch := r.group.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
		defer cancel()
		return r.exchange(fctx, clientID, clientSecret, refreshToken)
	})
	select {
	case <-ctx.Done():
		return auth.TokenState{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return auth.TokenState{}, res.Err
		}
		return res.Val.(auth.TokenState), nil
	}
}

func (r *Refresher) exchange(ctx context.Context, clientID, clientSecret, refreshToken string) (auth.TokenState, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.tokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient())
	issued := r.now()
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return auth.TokenState{}, toRefreshError(err)
	}
	return tokenState(tok, issued), nil
}

func toRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &auth.RefreshError{Status: re.Response.StatusCode, Body: string(re.Body), Err: err}
	}
	return &auth.RefreshError{Err: err}
}

func tokenState(tok *oauth2.Token, issued time.Time) auth.TokenState {
	return auth.TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok, issued),
		IssuedAt:     issued,
		TokenType:    tok.TokenType,
		Scope:        scopeOf(tok),
	}
}

func expiresIn(tok *oauth2.Token, issued time.Time) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return int64(math.Round(tok.Expiry.Sub(issued).Seconds()))
}

func scopeOf(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func (r *Refresher) tokenURL() string {
	if r.TokenURL != "" {
		return r.TokenURL
	}
	return DefaultTokenURL
}

func (r *Refresher) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Refresher) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultRefreshTimeout
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// NewOAuthConfig returns the authorization code configuration for a Kick app.
// Empty authURL or tokenURL select the production endpoints; scopes may be
// comma or space separated.
func NewOAuthConfig(clientID, clientSecret, redirectURL, scopes, authURL, tokenURL string) *oauth2.Config {
	if authURL == "" {
		authURL = DefaultAuthorizeURL
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// BuildAuthorizeURL returns the consent URL. Kick requires PKCE, so the
// caller keeps verifier until the callback.
func BuildAuthorizeURL(conf *oauth2.Config, state, verifier string) (string, error) {
	if conf == nil || conf.ClientID == "" || conf.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	if verifier == "" {
		return "", errors.New("missing PKCE verifier")
	}
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ExchangeAuthCode trades an authorization code for OAuth credentials.
func ExchangeAuthCode(ctx context.Context, conf *oauth2.Config, hc *http.Client, code, verifier string) (auth.OAuth, error) {
	if conf == nil || conf.ClientID == "" || conf.ClientSecret == "" || code == "" {
		return auth.OAuth{}, errors.New("missing required parameter for auth code exchange")
	}
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	issued := time.Now()
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return auth.OAuth{}, toRefreshError(err)
	}
	return TokenToCredentials(conf, tok, issued), nil
}

// TokenToCredentials converts an oauth2 token issued at issued into store credentials.
func TokenToCredentials(conf *oauth2.Config, tok *oauth2.Token, issued time.Time) auth.OAuth {
	st := tokenState(tok, issued)
	return auth.OAuth{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		ExpiresIn:    st.ExpiresIn,
		IssuedAt:     st.IssuedAt,
		ClientID:     conf.ClientID,
		ClientSecret: conf.ClientSecret,
		Scope:        st.Scope,
		TokenType:    st.TokenType,
	}
}
