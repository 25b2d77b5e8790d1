// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshes       prometheus.Counter
	TokenRefreshFailures prometheus.Counter
	AuthRetries          prometheus.Counter
	ChatFrames           prometheus.Counter
	DecodeFailures       *prometheus.CounterVec
	EventsDispatched     *prometheus.CounterVec
	TransportErrors      prometheus.Counter
	ChatReconnects       *prometheus.CounterVec

	// Histograms (seconds)
	RefreshDuration     prometheus.Observer
	GuardedCallDuration *prometheus.HistogramVec

	// Gauges
	ChatSubscribedGauge prometheus.Gauge // 1=subscribed,0=not
	TokenExpiryGauge    prometheus.Gauge // unix seconds of current access token expiry
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_token_refreshes_total", Help: "Number of successful OAuth token refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_token_refresh_failures_total", Help: "Number of failed OAuth token refreshes"})
		AuthRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_auth_retries_total", Help: "Calls retried after an authorization failure"})
		ChatFrames = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_chat_frames_total", Help: "Frames received from the chat feed"})
		DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kick_chat_decode_failures_total", Help: "Frames dropped by the decoder"}, []string{"reason"})
		EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kick_chat_events_total", Help: "Domain events delivered to listeners"}, []string{"kind"})
		TransportErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "kick_chat_transport_errors_total", Help: "Chat transport errors"})
		ChatReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kick_chat_reconnects_total", Help: "Chat reconnect attempts by result"}, []string{"result"})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kick_token_refresh_duration_seconds", Help: "Token refresh exchange duration seconds", Buckets: prometheus.DefBuckets})
		GuardedCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "kick_api_call_duration_seconds", Help: "Guarded REST call duration seconds", Buckets: prometheus.DefBuckets}, []string{"op"})
		ChatSubscribedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "kick_chat_subscribed", Help: "Chat feed subscribed=1 otherwise 0"})
		TokenExpiryGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "kick_token_expiry_timestamp_seconds", Help: "Expiry of the current access token as unix seconds"})
	})
}

// The helpers below are no-ops until Init has run, so packages can record
// metrics without caring whether the binary enabled them.

// IncTokenRefresh records a refresh outcome.
func IncTokenRefresh(err error) {
	if err != nil {
		if TokenRefreshFailures != nil {
			TokenRefreshFailures.Inc()
		}
		return
	}
	if TokenRefreshes != nil {
		TokenRefreshes.Inc()
	}
}

// IncAuthRetry records a 401 recovery attempt.
func IncAuthRetry() {
	if AuthRetries != nil {
		AuthRetries.Inc()
	}
}

// IncChatFrame records one inbound frame.
func IncChatFrame() {
	if ChatFrames != nil {
		ChatFrames.Inc()
	}
}

// IncDecodeFailure records a dropped frame by reason (malformed|unrecognized).
func IncDecodeFailure(reason string) {
	if DecodeFailures != nil {
		DecodeFailures.WithLabelValues(reason).Inc()
	}
}

// IncEventDispatched records a delivered event by kind label.
func IncEventDispatched(kind string) {
	if EventsDispatched != nil {
		EventsDispatched.WithLabelValues(kind).Inc()
	}
}

// IncTransportError records a transport failure.
func IncTransportError() {
	if TransportErrors != nil {
		TransportErrors.Inc()
	}
}

// IncChatReconnect records one reconnect attempt.
func IncChatReconnect(err error) {
	if ChatReconnects == nil {
		return
	}
	if err != nil {
		ChatReconnects.WithLabelValues("failure").Inc()
		return
	}
	ChatReconnects.WithLabelValues("success").Inc()
}

// SetChatSubscribed sets the subscribed gauge.
func SetChatSubscribed(on bool) {
	if ChatSubscribedGauge == nil {
		return
	}
	if on {
		ChatSubscribedGauge.Set(1)
	} else {
		ChatSubscribedGauge.Set(0)
	}
}

// SetTokenExpiry records the current token expiry; zero clears it.
func SetTokenExpiry(t time.Time) {
	if TokenExpiryGauge == nil {
		return
	}
	if t.IsZero() {
		TokenExpiryGauge.Set(0)
		return
	}
	TokenExpiryGauge.Set(float64(t.Unix()))
}

// ObserveGuardedCall records the duration of a guarded call.
func ObserveGuardedCall(op string, d time.Duration) {
	if GuardedCallDuration != nil {
		GuardedCallDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
