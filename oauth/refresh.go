// Package oauth schedules background token renewal. It wakes on a jittered
// interval and renews when the token's remaining lifetime falls within a
// configured window, so an idle client still has a fresh token when it next
// makes a call.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/kickchat/auth"
)

// Renewer is the part of auth.Guard the scheduler drives.
type Renewer interface {
	NeedsRenewal(window time.Duration) bool
	Refresh(ctx context.Context) (auth.OAuth, error)
}

// StartRefresher launches a goroutine that periodically checks r and renews it.
// name: label used in logs.
// interval: how often to wake up and check.
// window: renew when remaining lifetime <= window.
func StartRefresher(ctx context.Context, name string, interval, window time.Duration, r Renewer) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for ctx.Err() == nil {
			if r.NeedsRenewal(window) {
				renew(ctx, name, r)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep(interval)):
			}
		}
	}()
}

// nextSleep returns interval with +/-20% jitter, never below interval/2.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	d := interval + jitter
	if d < interval/2 {
		d = interval / 2
	}
	return d
}

func renew(ctx context.Context, name string, r Renewer) {
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	creds, err := r.Refresh(ctx2)
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", name), slog.Any("err", err))
		return
	}
	attrs := []any{slog.String("provider", name)}
	if exp, ok := creds.ExpiresAt(); ok {
		attrs = append(attrs, slog.Time("expires_at", exp))
	}
	slog.Info("token refreshed", attrs...)
}
