package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/kickapi"
	"github.com/onnwee/kickchat/session"
)

type fakeSession struct {
	status  session.Status
	sendErr error
	sent    []string
}

func (f *fakeSession) Status() session.Status { return f.status }

func (f *fakeSession) SendChatMessage(_ context.Context, content, replyTo string) (kickapi.ChatMessageResult, error) {
	if f.sendErr != nil {
		return kickapi.ChatMessageResult{}, f.sendErr
	}
	f.sent = append(f.sent, content+"|"+replyTo)
	return kickapi.ChatMessageResult{IsSent: true, MessageID: "msg-1"}, nil
}

func (f *fakeSession) Introspect(context.Context) (kickapi.TokenInfo, error) {
	return kickapi.TokenInfo{Active: true, Scope: "chat:write"}, nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) Refresh(context.Context) (auth.OAuth, error) {
	if f.err != nil {
		return auth.OAuth{}, f.err
	}
	return auth.OAuth{AccessToken: "new", ExpiresIn: 3600, IssuedAt: time.Now()}, nil
}

func newTestMux(t *testing.T, opts Options) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, opts)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	rr := do(t, newTestMux(t, Options{}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestCorrelationID(t *testing.T) {
	h := newTestMux(t, Options{})
	rr := do(t, h, http.MethodGet, "/healthz", "")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("no correlation id generated")
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("correlation id = %q, want abc-123", got)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		status     session.Status
		wantCode   int
		wantFailed string
	}{
		{"ready", session.Status{Transport: "subscribed", HasOAuth: true}, http.StatusOK, ""},
		{"chat not subscribed", session.Status{Transport: "errored", HasOAuth: true}, http.StatusServiceUnavailable, "chat"},
		{"no oauth", session.Status{Transport: "subscribed"}, http.StatusServiceUnavailable, "credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestMux(t, Options{Session: &fakeSession{status: tt.status}}), http.MethodGet, "/readyz", "")
			if rr.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d, body=%s", rr.Code, tt.wantCode, rr.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.wantFailed {
				t.Errorf("failed_check = %q, want %q", resp["failed_check"], tt.wantFailed)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	sess := &fakeSession{status: session.Status{
		Transport: "subscribed",
		Channel:   &session.ChannelSession{ChannelSlug: "xqc", ChatroomID: 67890},
	}}
	rr := do(t, newTestMux(t, Options{Session: sess}), http.MethodGet, "/status", "")
	var got session.Status
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Channel == nil || got.Channel.ChatroomID != 67890 || got.Transport != "subscribed" {
		t.Errorf("status = %+v", got)
	}
	if rr := do(t, newTestMux(t, Options{Session: sess}), http.MethodPost, "/status", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d", rr.Code)
	}
}

func TestAdminChatSend(t *testing.T) {
	sess := &fakeSession{}
	h := newTestMux(t, Options{Session: sess})
	rr := do(t, h, http.MethodPost, "/admin/chat/send", `{"content":"hello","reply_to":"m0"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(sess.sent) != 1 || sess.sent[0] != "hello|m0" {
		t.Errorf("sent = %q", sess.sent)
	}
	if rr := do(t, h, http.MethodPost, "/admin/chat/send", `{"content":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty content = %d", rr.Code)
	}
}

func TestAdminErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"authentication required", auth.ErrAuthenticationRequired, http.StatusUnauthorized},
		{"retry exhausted", &auth.AuthRetryExhaustedError{Op: "send chat", Err: &kickapi.HTTPStatusError{StatusCode: 401}}, http.StatusUnauthorized},
		{"not logged in", session.ErrNotLoggedIn, http.StatusConflict},
		{"upstream", &kickapi.HTTPStatusError{Op: "send chat", StatusCode: 500}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, Options{Session: &fakeSession{sendErr: tt.err}})
			if rr := do(t, h, http.MethodPost, "/admin/chat/send", `{"content":"x"}`); rr.Code != tt.want {
				t.Errorf("code = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAdminTokenRefresh(t *testing.T) {
	rr := do(t, newTestMux(t, Options{Tokens: fakeTokens{}}), http.MethodPost, "/admin/token/refresh", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "expires_at") {
		t.Fatalf("code = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, newTestMux(t, Options{Tokens: fakeTokens{err: &auth.RefreshError{Status: 400}}}), http.MethodPost, "/admin/token/refresh", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("refresh failure code = %d", rr.Code)
	}
	if rr := do(t, newTestMux(t, Options{}), http.MethodPost, "/admin/token/refresh", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured refresh = %d", rr.Code)
	}
}

func TestAdminRequiresAuthWhenConfigured(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	h := NewMux(context.Background(), Options{Tokens: fakeTokens{}})
	if rr := do(t, h, http.MethodPost, "/admin/token/refresh", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", rr.Code)
	}
}

func TestChatMessagesWithoutDB(t *testing.T) {
	if rr := do(t, newTestMux(t, Options{}), http.MethodGet, "/chat/messages", ""); rr.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rr.Code)
	}
}

func TestKickOAuthNotConfigured(t *testing.T) {
	if rr := do(t, newTestMux(t, Options{}), http.MethodGet, "/auth/kick/start", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rr.Code)
	}
}

func TestKickOAuthFlow(t *testing.T) {
	var mu sync.Mutex
	var gotForm url.Values
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		gotForm = r.PostForm
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"acc","refresh_token":"ref","expires_in":7200,"token_type":"Bearer","scope":"chat:write"}`))
	}))
	defer tokenSrv.Close()

	conf := kickapi.NewOAuthConfig("cid", "secret", "http://localhost/auth/kick/callback", "chat:write", "https://id.kick.com/oauth/authorize", tokenSrv.URL)
	var stored auth.OAuth
	h := newTestMux(t, Options{
		OAuth: conf,
		OnToken: func(_ context.Context, creds auth.OAuth) error {
			stored = creds
			return nil
		},
	})

	rr := do(t, h, http.MethodGet, "/auth/kick/start", "")
	if rr.Code != http.StatusFound {
		t.Fatalf("start code = %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := loc.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" || q.Get("client_id") != "cid" {
		t.Errorf("authorize query = %v", q)
	}
	state := q.Get("state")

	rr = do(t, h, http.MethodGet, "/auth/kick/callback?code=abc&state="+state, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("callback code = %d body=%s", rr.Code, rr.Body.String())
	}
	if stored.AccessToken != "acc" || stored.RefreshToken != "ref" || stored.ExpiresIn != 7200 {
		t.Errorf("stored = %+v", stored)
	}
	mu.Lock()
	if gotForm.Get("code") != "abc" || gotForm.Get("code_verifier") == "" {
		t.Errorf("token form = %v", gotForm)
	}
	mu.Unlock()

	if rr := do(t, h, http.MethodGet, "/auth/kick/callback?code=abc&state="+state, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("reused state code = %d, want 400", rr.Code)
	}
}

func TestOAuthStateExpiry(t *testing.T) {
	h := NewHandlers(Options{})
	now := time.Now()
	h.now = func() time.Time { return now }
	if !h.addOAuthState("s1", "v1") {
		t.Fatal("addOAuthState refused")
	}
	now = now.Add(oauthStateTTL + time.Second)
	if _, ok := h.takeOAuthState("s1"); ok {
		t.Error("expired state accepted")
	}
	if _, ok := h.takeOAuthState("unknown"); ok {
		t.Error("unknown state accepted")
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Start(ctx, Options{}, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
