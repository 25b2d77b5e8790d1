package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/session"
	"github.com/onnwee/kickchat/telemetry"
)

// HandleAdminTokenRefresh forces an OAuth token renewal.
func (h *Handlers) HandleAdminTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Tokens == nil {
		http.Error(w, "token refresh not configured", http.StatusServiceUnavailable)
		return
	}
	creds, err := h.opts.Tokens.Refresh(r.Context())
	if err != nil {
		writeUpstreamError(w, r, "token refresh", err)
		return
	}
	resp := map[string]any{"status": "refreshed", "expires_in": creds.ExpiresIn}
	if exp, ok := creds.ExpiresAt(); ok {
		resp["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminTokenIntrospect reports what the current OAuth token grants.
func (h *Handlers) HandleAdminTokenIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Session == nil {
		http.Error(w, "no chat session", http.StatusServiceUnavailable)
		return
	}
	info, err := h.opts.Session.Introspect(r.Context())
	if err != nil {
		writeUpstreamError(w, r, "token introspect", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// writeUpstreamError maps session and auth failures onto HTTP statuses.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusBadGateway
	var exhausted *auth.AuthRetryExhaustedError
	switch {
	case errors.Is(err, auth.ErrAuthenticationRequired), errors.As(err, &exhausted):
		status = http.StatusUnauthorized
	case errors.Is(err, session.ErrNotLoggedIn):
		status = http.StatusConflict
	}
	telemetry.LoggerWithCorr(r.Context()).Warn("admin operation failed",
		slog.String("op", op), slog.Int("status", status), slog.Any("err", err), slog.String("component", "http"))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
