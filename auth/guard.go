package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/kickchat/telemetry"
)

const tracerName = "kickchat/auth"

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (TokenState, error)
}

// TokenUpdateFunc is called with the updated credentials after every
// successful renewal.
type TokenUpdateFunc func(ctx context.Context, creds OAuth)

// TokenPersister is the default persistence action used when no
// TokenUpdateFunc is configured.
type TokenPersister interface {
	SaveOAuth(ctx context.Context, creds OAuth) error
}

// Guard keeps the store's access token usable for outbound calls.
type Guard struct {
	store     *Store
	refresher Refresher

	// OnTokenUpdate, when set, replaces the Persister.
	OnTokenUpdate TokenUpdateFunc
	Persister     TokenPersister

	group singleflight.Group
}

// NewGuard returns a guard over store that renews tokens through r.
func NewGuard(store *Store, r Refresher) *Guard {
	return &Guard{store: store, refresher: r}
}

// Store returns the credential store the guard reads from.
func (g *Guard) Store() *Store { return g.store }

// NeedsRenewal reports whether the token can be renewed and expires within window.
func (g *Guard) NeedsRenewal(window time.Duration) bool {
	creds, ok := g.store.OAuth()
	if !ok || creds.RefreshToken == "" {
		return false
	}
	return g.store.ExpiresWithin(window)
}

// Refresh renews the access token. Concurrent callers share one exchange and
// one token update notification. The exchange is not cancelled when ctx is;
// a cancelled caller just stops waiting.
func (g *Guard) Refresh(ctx context.Context) (OAuth, error) {
	ch := g.group.DoChan("refresh", func() (any, error) {
		return g.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return OAuth{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return OAuth{}, res.Err
		}
		return res.Val.(OAuth), nil
	}
}

func (g *Guard) refresh(ctx context.Context) (OAuth, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "token.refresh")
	defer span.End()

	creds, ok := g.store.OAuth()
	if !ok {
		return OAuth{}, ErrAuthenticationRequired
	}
	if creds.RefreshToken == "" || g.refresher == nil {
		err := &RefreshError{Err: ErrNoRefreshToken}
		if g.refresher == nil {
			err.Err = ErrNoRefresher
		}
		telemetry.IncTokenRefresh(err)
		telemetry.RecordError(span, err)
		return OAuth{}, err
	}

	var (
		state TokenState
		err   error
	)
	telemetry.TimeFunc(telemetry.RefreshDuration, func() {
		state, err = g.refresher.Refresh(ctx, creds.ClientID, creds.ClientSecret, creds.RefreshToken)
	})
	telemetry.IncTokenRefresh(err)
	if err != nil {
		telemetry.RecordError(span, err)
		slog.Warn("token refresh failed", slog.Any("err", err), slog.String("component", "auth_guard"))
		return OAuth{}, err
	}

	next, err := g.store.ApplyRenewal(state, creds.RefreshToken, creds.IssuedAt)
	if errors.Is(err, ErrStaleToken) {
		// A token installed during the exchange wins.
		slog.Warn("discarding refreshed access token, credentials replaced during refresh",
			slog.Bool("refresh_token_kept", state.RefreshToken != "" && next.RefreshToken == state.RefreshToken),
			slog.String("component", "auth_guard"))
		if state.RefreshToken != "" && next.RefreshToken == state.RefreshToken {
			g.notify(ctx, next)
		}
		return next, nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return OAuth{}, err
	}
	if exp, ok := next.ExpiresAt(); ok {
		telemetry.SetTokenExpiry(exp)
	}
	telemetry.SetSpanSuccess(span)
	g.notify(ctx, next)
	return next, nil
}

func (g *Guard) notify(ctx context.Context, creds OAuth) {
	switch {
	case g.OnTokenUpdate != nil:
		g.OnTokenUpdate(ctx, creds)
	case g.Persister != nil:
		if err := g.Persister.SaveOAuth(ctx, creds); err != nil {
			slog.Warn("persist refreshed token", slog.Any("err", err), slog.String("component", "auth_guard"))
		}
	default:
		slog.Debug("token refreshed with no update hook", slog.String("component", "auth_guard"))
	}
}

// renewAfter returns a token to retry with after used was rejected. If the
// store already moved past used, no new exchange is made.
func (g *Guard) renewAfter(ctx context.Context, used string) (string, error) {
	if cur, ok := g.store.CurrentOAuthToken(); ok && cur != used {
		return cur, nil
	}
	creds, err := g.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Do runs fn with the current access token. It renews the token first when
// it is about to expire, and on an authorization failure renews once and
// calls fn one more time. A failing retry is reported as an
// *AuthRetryExhaustedError wrapping fn's error; other errors pass through.
func Do[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	ctx, span := telemetry.StartSpan(ctx, tracerName, "guard."+op, telemetry.OpAttr(op))
	defer span.End()
	start := time.Now()
	defer func() { telemetry.ObserveGuardedCall(op, time.Since(start)) }()

	token, ok := g.store.CurrentOAuthToken()
	if !ok {
		telemetry.RecordError(span, ErrAuthenticationRequired)
		return zero, ErrAuthenticationRequired
	}
	if g.store.IsExpiringSoon() {
		creds, err := g.Refresh(ctx)
		if err != nil {
			telemetry.RecordError(span, err)
			return zero, err
		}
		token = creds.AccessToken
	}

	res, err := fn(ctx, token)
	if err == nil {
		telemetry.SetSpanSuccess(span)
		return res, nil
	}
	if !IsAuthFailure(err) {
		telemetry.RecordError(span, err)
		return zero, err
	}

	telemetry.IncAuthRetry()
	telemetry.LoggerWithCorr(ctx).Info("authorization rejected, renewing token",
		slog.String("op", op), slog.String("component", "auth_guard"))
	token, err = g.renewAfter(ctx, token)
	if err != nil {
		telemetry.RecordError(span, err)
		return zero, err
	}
	res, err = fn(ctx, token)
	if err != nil {
		err = &AuthRetryExhaustedError{Op: op, Err: err}
		telemetry.RecordError(span, err)
		return zero, err
	}
	telemetry.SetSpanSuccess(span)
	return res, nil
}
