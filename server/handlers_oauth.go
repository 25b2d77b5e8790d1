package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/onnwee/kickchat/kickapi"
	"github.com/onnwee/kickchat/telemetry"
)

// HandleKickOAuthStart initiates the Kick OAuth flow by redirecting to the consent page.
func (h *Handlers) HandleKickOAuthStart(w http.ResponseWriter, r *http.Request) {
	conf := h.opts.OAuth
	if conf == nil || conf.ClientID == "" || conf.RedirectURL == "" {
		http.Error(w, "oauth not configured (need KICK_CLIENT_ID + KICK_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	verifier := oauth2.GenerateVerifier()
	if !h.addOAuthState(st, verifier) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := kickapi.BuildAuthorizeURL(conf, st, verifier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleKickOAuthCallback handles the OAuth callback from Kick and hands the
// resulting credentials to OnToken.
func (h *Handlers) HandleKickOAuthCallback(w http.ResponseWriter, r *http.Request) {
	conf := h.opts.OAuth
	if conf == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	verifier, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth_callback"))
	creds, err := kickapi.ExchangeAuthCode(ctx, conf, h.opts.HTTPClient, code, verifier)
	if err != nil {
		log.Warn("auth code exchange failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if h.opts.OnToken != nil {
		if err := h.opts.OnToken(ctx, creds); err != nil {
			log.Error("failed to store oauth token", slog.Any("err", err))
			http.Error(w, "failed to store token", http.StatusInternalServerError)
			return
		}
	}
	log.Info("kick oauth authorized", slog.String("scope", creds.Scope), slog.Int64("expires_in", creds.ExpiresIn))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"scope":                 creds.Scope,
		"expires_in":            creds.ExpiresIn,
		"refresh_token_present": creds.RefreshToken != "",
	})
}
