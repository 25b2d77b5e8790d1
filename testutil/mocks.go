package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockKickServer serves canned Kick responses for the OAuth token endpoint,
// the official public API and the private channel metadata API from a single
// httptest server.
type MockKickServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu          sync.Mutex
	hits        map[string]int
	acceptToken string
}

// NewMockKickServer creates a new mock Kick server.
func NewMockKickServer(t *testing.T) *MockKickServer {
	t.Helper()
	m := &MockKickServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		accept := m.acceptToken
		m.mu.Unlock()
		if accept != "" && strings.HasPrefix(key, "/public/v1/") && r.Header.Get("Authorization") != "Bearer "+accept {
			http.Error(w, `{"message":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// APIBase is the public API root to configure kickapi.Client with.
func (m *MockKickServer) APIBase() string { return m.URL + "/public/v1" }

// TokenURL is the OAuth token endpoint.
func (m *MockKickServer) TokenURL() string { return m.URL + "/oauth/token" }

// Hits returns how many requests reached path.
func (m *MockKickServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// AcceptToken makes public API endpoints answer 401 unless the request
// carries token. An empty token accepts everything.
func (m *MockKickServer) AcceptToken(token string) {
	m.mu.Lock()
	m.acceptToken = token
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, map[string]any{"data": data, "message": "OK"})
}

// MockTokenResponse adds a handler for /oauth/token that answers every grant
// with the given token pair. An empty refresh token is omitted from the reply.
func (m *MockKickServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
			"scope":        "user:read chat:write",
		}
		if refreshToken != "" {
			resp["refresh_token"] = refreshToken
		}
		writeJSON(w, resp)
	}
}

// MockChannelMetadata adds a handler for /api/v2/channels/<slug>.
func (m *MockKickServer) MockChannelMetadata(slug string, channelID, chatroomID, userID int64, username string) {
	m.Handlers["/api/v2/channels/"+slug] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":       channelID,
			"user_id":  userID,
			"slug":     slug,
			"chatroom": map[string]any{"id": chatroomID},
			"user":     map[string]any{"id": userID, "username": username},
		})
	}
}

// MockUsersResponse adds a handler for /public/v1/users.
func (m *MockKickServer) MockUsersResponse(userID int64, name string) {
	m.Handlers["/public/v1/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{{"user_id": userID, "name": name}})
	}
}

// MockChannelResponse adds a handler for /public/v1/channels.
func (m *MockKickServer) MockChannelResponse(slug string, broadcasterID int64, live bool) {
	m.Handlers["/public/v1/channels"] = func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("slug"); got != "" && got != slug {
			writeData(w, []any{})
			return
		}
		writeData(w, []map[string]any{{
			"broadcaster_user_id": broadcasterID,
			"slug":                slug,
			"stream":              map[string]any{"is_live": live},
		}})
	}
}

// MockSendChatResponse adds a handler for POST /public/v1/chat.
func (m *MockKickServer) MockSendChatResponse(messageID string) {
	m.Handlers["/public/v1/chat"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeData(w, map[string]any{"is_sent": true, "message_id": messageID})
	}
}

// MockIntrospectResponse adds a handler for /public/v1/token/introspect.
func (m *MockKickServer) MockIntrospectResponse(active bool, scope string) {
	m.Handlers["/public/v1/token/introspect"] = func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"active": active, "scope": scope, "token_type": "user"})
	}
}
