// Package auth holds the credentials a Kick client authenticates with and the
// guard that keeps the OAuth access token valid for outbound calls.
//
// Two independent trust domains are tracked:
//   - OAuth credentials (access/refresh token pair) for the official REST API.
//   - Session credentials (bearer, XSRF token, cookie header) captured from an
//     authenticated browser session, used for non-official endpoints.
//
// Store is the only place credentials live; it performs no I/O. Guard wraps
// REST calls, renews the token shortly before it expires and recovers once
// from an authorization failure.
package auth

import (
	"errors"
	"sync"
	"time"
)

// RefreshBuffer is how long before expiry a token is considered expiring soon.
const RefreshBuffer = 300 * time.Second

// ErrStaleToken is returned by ApplyRefreshed when the renewed token was
// issued before the token currently held.
var ErrStaleToken = errors.New("auth: refreshed token is older than current token")

// ErrNoOAuth is returned when an operation needs OAuth credentials and none are set.
var ErrNoOAuth = errors.New("auth: no oauth credentials")

// OAuth is the credential set for the official API.
type OAuth struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the token lifetime in seconds; zero when unknown.
	ExpiresIn    int64
	IssuedAt     time.Time
	ClientID     string
	ClientSecret string
	Scope        string
	TokenType    string
}

// ExpiresAt returns IssuedAt+ExpiresIn, or false when either is unknown.
func (o OAuth) ExpiresAt() (time.Time, bool) {
	if o.ExpiresIn <= 0 || o.IssuedAt.IsZero() {
		return time.Time{}, false
	}
	return o.IssuedAt.Add(time.Duration(o.ExpiresIn) * time.Second), true
}

// Session is the credential set captured from a browser login.
type Session struct {
	BearerToken  string
	XSRFToken    string
	CookieHeader string
}

// TokenState is the outcome of a refresh exchange.
type TokenState struct {
	AccessToken string
	// RefreshToken may be empty when the provider did not rotate it.
	RefreshToken string
	ExpiresIn    int64
	IssuedAt     time.Time
	TokenType    string
	Scope        string
}

// Store holds at most one OAuth and one Session credential set.
type Store struct {
	mu      sync.RWMutex
	oauth   *OAuth
	session *Session
	now     func() time.Time
}

// NewStore returns an empty store. A nil now uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// SetOAuth replaces the OAuth credentials. A zero IssuedAt is stamped with
// the current time when an expiry is known.
func (s *Store) SetOAuth(creds OAuth) {
	if creds.IssuedAt.IsZero() && creds.ExpiresIn > 0 {
		creds.IssuedAt = s.now()
	}
	s.mu.Lock()
	s.oauth = &creds
	s.mu.Unlock()
}

// SetSession replaces the session credentials.
func (s *Store) SetSession(creds Session) {
	s.mu.Lock()
	s.session = &creds
	s.mu.Unlock()
}

// OAuth returns a copy of the OAuth credentials.
func (s *Store) OAuth() (OAuth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.oauth == nil {
		return OAuth{}, false
	}
	return *s.oauth, true
}

// Session returns a copy of the session credentials.
func (s *Store) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// CurrentOAuthToken returns the access token, if any.
func (s *Store) CurrentOAuthToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.oauth == nil || s.oauth.AccessToken == "" {
		return "", false
	}
	return s.oauth.AccessToken, true
}

// IsExpiringSoon reports whether now >= expiry - RefreshBuffer. Tokens with
// unknown expiry are never expiring soon.
func (s *Store) IsExpiringSoon() bool {
	return s.ExpiresWithin(RefreshBuffer)
}

// ExpiresWithin reports whether the token expires within d of now.
func (s *Store) ExpiresWithin(d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.oauth == nil {
		return false
	}
	exp, ok := s.oauth.ExpiresAt()
	if !ok {
		return false
	}
	return !s.now().Before(exp.Add(-d))
}

// ApplyRefreshed replaces the access token and expiry fields with t, and the
// refresh token when t carries a new one. It refuses tokens issued before the
// current one.
func (s *Store) ApplyRefreshed(t TokenState) (OAuth, error) {
	if t.IssuedAt.IsZero() {
		t.IssuedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oauth == nil {
		return OAuth{}, ErrNoOAuth
	}
	if t.IssuedAt.Before(s.oauth.IssuedAt) {
		return *s.oauth, ErrStaleToken
	}
	return s.applyLocked(t), nil
}

// ApplyRenewal applies t, the result of spending refreshToken on the token
// that was issued at base. Only a token installed after base supersedes the
// renewal; then ErrStaleToken is returned with the current credentials, and
// a rotated refresh token still replaces the spent one. Otherwise t is
// applied even when its clock lags the stored IssuedAt, and IssuedAt never
// moves backwards.
func (s *Store) ApplyRenewal(t TokenState, refreshToken string, base time.Time) (OAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oauth == nil {
		return OAuth{}, ErrNoOAuth
	}
	if s.oauth.IssuedAt.After(base) {
		if t.RefreshToken != "" && s.oauth.RefreshToken == refreshToken {
			s.oauth.RefreshToken = t.RefreshToken
		}
		return *s.oauth, ErrStaleToken
	}
	if t.IssuedAt.IsZero() || t.IssuedAt.Before(s.oauth.IssuedAt) {
		t.IssuedAt = s.now()
		if t.IssuedAt.Before(s.oauth.IssuedAt) {
			t.IssuedAt = s.oauth.IssuedAt
		}
	}
	return s.applyLocked(t), nil
}

func (s *Store) applyLocked(t TokenState) OAuth {
	next := *s.oauth
	next.AccessToken = t.AccessToken
	next.ExpiresIn = t.ExpiresIn
	next.IssuedAt = t.IssuedAt
	if t.RefreshToken != "" {
		next.RefreshToken = t.RefreshToken
	}
	if t.Scope != "" {
		next.Scope = t.Scope
	}
	if t.TokenType != "" {
		next.TokenType = t.TokenType
	}
	s.oauth = &next
	return next
}
