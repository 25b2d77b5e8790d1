package session

import (
	"context"

	"github.com/onnwee/kickchat/auth"
)

// CapturedLogin is a LoginProvider for session tokens copied out of a browser
// that is already signed in. It authenticates when a bearer token is present.
type CapturedLogin struct {
	Session auth.Session
}

// PerformLogin returns the captured tokens.
func (l CapturedLogin) PerformLogin(ctx context.Context, _ LoginCredentials) (LoginResult, error) {
	if err := ctx.Err(); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		BearerToken:   l.Session.BearerToken,
		XSRFToken:     l.Session.XSRFToken,
		Cookies:       l.Session.CookieHeader,
		Authenticated: l.Session.BearerToken != "",
	}, nil
}
