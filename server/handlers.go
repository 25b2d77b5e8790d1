package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/kickapi"
	"github.com/onnwee/kickchat/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Session is the slice of session.Client the handlers use.
type Session interface {
	Status() session.Status
	SendChatMessage(ctx context.Context, content, replyTo string) (kickapi.ChatMessageResult, error)
	Introspect(ctx context.Context) (kickapi.TokenInfo, error)
}

// TokenRefresher renews the OAuth token on demand. *auth.Guard implements it.
type TokenRefresher interface {
	Refresh(ctx context.Context) (auth.OAuth, error)
}

// Options wires the server to the rest of the daemon. Every field is
// optional; a missing dependency disables the routes that need it.
type Options struct {
	DB      *sql.DB
	Session Session
	Tokens  TokenRefresher
	// OAuth enables /auth/kick/start and /auth/kick/callback.
	OAuth      *oauth2.Config
	HTTPClient *http.Client
	// OnToken receives credentials obtained through the consent flow.
	OnToken func(ctx context.Context, creds auth.OAuth) error
}

type pendingAuth struct {
	verifier string
	expiry   time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts       Options
	stateStore map[string]pendingAuth
	stateMu    sync.Mutex
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	return &Handlers{
		opts:       opts,
		stateStore: make(map[string]pendingAuth),
		now:        time.Now,
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, p := range h.stateStore {
		if now.After(p.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState remembers state and its PKCE verifier. It reports false when
// the store is full.
func (h *Handlers) addOAuthState(state, verifier string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = pendingAuth{verifier: verifier, expiry: h.now().Add(oauthStateTTL)}
	return true
}

// takeOAuthState consumes state and returns its verifier. A state is valid once.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	p, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if h.now().After(p.expiry) {
		return "", false
	}
	return p.verifier, true
}
