package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/events"
	"github.com/onnwee/kickchat/kickapi"
	"github.com/onnwee/kickchat/testutil"
)

type fakeMetadata struct {
	meta kickapi.ChannelMetadata
	err  error
}

func (f fakeMetadata) FetchChannelMetadata(ctx context.Context, slug string) (kickapi.ChannelMetadata, error) {
	return f.meta, f.err
}

type fakeLogin struct {
	res LoginResult
	err error
}

func (f fakeLogin) PerformLogin(ctx context.Context, creds LoginCredentials) (LoginResult, error) {
	return f.res, f.err
}

type stubRefresher struct {
	calls atomic.Int32
	token string
}

func (s *stubRefresher) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (auth.TokenState, error) {
	s.calls.Add(1)
	return auth.TokenState{AccessToken: s.token, ExpiresIn: 3600}, nil
}

// chatFeed accepts one subscriber, reports its subscribe frame and then
// pushes frames.
func chatFeed(t *testing.T, push ...string) (url string, subscribed chan string) {
	t.Helper()
	subscribed = make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		for _, p := range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), subscribed
}

func chatEnvelope(t *testing.T, content string) string {
	t.Helper()
	raw, err := events.Encode(events.ChatMessage{ID: "m1", ChatroomID: 67890, Content: content, Sender: events.Sender{ID: 7, Username: "viewer"}})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestLoginOpensFeedAndPublishes(t *testing.T) {
	feed, subscribed := chatFeed(t, chatEnvelope(t, "hello chat"))
	c, err := New(Options{
		Slug:     "xqc",
		Metadata: fakeMetadata{meta: kickapi.ChannelMetadata{ChannelID: 668, ChatroomID: 67890, UserID: 676, DisplayName: "xQc"}},
		Login:    fakeLogin{res: LoginResult{BearerToken: "b", XSRFToken: "x", Cookies: "c=1", Authenticated: true}},
		FeedURL:  feed,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ready := make(chan events.User, 1)
	c.Events().OnReady(func(u events.User) { ready <- u })
	msgs := make(chan events.ChatMessage, 1)
	events.Subscribe(c.Events(), func(m events.ChatMessage) { msgs <- m })

	cs, err := c.Login(context.Background(), LoginCredentials{Username: "u"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	want := ChannelSession{ChannelSlug: "xqc", ChannelID: 668, ChatroomID: 67890, UserID: 676, DisplayName: "xQc"}
	if cs != want {
		t.Errorf("ChannelSession = %+v, want %+v", cs, want)
	}
	if sess, ok := c.Store().Session(); !ok || sess.BearerToken != "b" || sess.CookieHeader != "c=1" {
		t.Errorf("session credentials = %+v, %v", sess, ok)
	}

	select {
	case u := <-ready:
		if u.ID != 676 || u.Username != "xQc" {
			t.Errorf("ready user = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready event")
	}
	select {
	case frame := <-subscribed:
		if !strings.Contains(frame, `"channel":"chatrooms.67890.v2"`) {
			t.Errorf("subscribe frame = %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("no subscribe frame")
	}
	select {
	case m := <-msgs:
		if m.Content != "hello chat" || m.Sender.Username != "viewer" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chat message")
	}

	if _, err := c.Login(context.Background(), LoginCredentials{}); !errors.Is(err, ErrAlreadyLoggedIn) {
		t.Errorf("second Login err = %v", err)
	}
	st := c.Status()
	if st.Channel == nil || st.Transport != "subscribed" || !st.HasSession {
		t.Errorf("status = %+v", st)
	}
}

func TestLoginErrorsPropagate(t *testing.T) {
	loginErr := errors.New("browser crashed")
	unavailable := &kickapi.ChannelUnavailableError{Slug: "gone", StatusCode: http.StatusNotFound}
	tests := []struct {
		name  string
		login LoginProvider
		meta  fakeMetadata
		check func(error) bool
	}{
		{
			name:  "login failure",
			login: fakeLogin{err: loginErr},
			check: func(err error) bool { return err == loginErr },
		},
		{
			name:  "not authenticated",
			login: fakeLogin{res: LoginResult{Authenticated: false}},
			check: func(err error) bool { return errors.Is(err, ErrLoginRejected) },
		},
		{
			name:  "channel unavailable",
			login: CapturedLogin{Session: auth.Session{BearerToken: "b"}},
			meta:  fakeMetadata{err: unavailable},
			check: func(err error) bool {
				var cu *kickapi.ChannelUnavailableError
				return errors.As(err, &cu) && cu == unavailable
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Options{Slug: "gone", Metadata: tt.meta, Login: tt.login, FeedURL: "ws://127.0.0.1:1"})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Login(context.Background(), LoginCredentials{})
			if !tt.check(err) {
				t.Errorf("Login err = %v", err)
			}
			if _, ok := c.Channel(); ok {
				t.Error("channel set after failed login")
			}
		})
	}
}

func TestGuardedCallRecoversFrom401(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Unauthorized"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"active": true, "client_id": "cid"}})
	}))
	defer api.Close()

	ref := &stubRefresher{token: "new-access"}
	var updated []auth.OAuth
	c, err := New(Options{
		Slug:          "xqc",
		Metadata:      fakeMetadata{},
		API:           &kickapi.Client{BaseURL: api.URL, HTTPClient: api.Client()},
		Refresher:     ref,
		OAuth:         &auth.OAuth{AccessToken: "old-access", RefreshToken: "rt", ClientID: "cid", ClientSecret: "s", ExpiresIn: 3600},
		OnTokenUpdate: func(ctx context.Context, creds auth.OAuth) { updated = append(updated, creds) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info, err := c.Introspect(context.Background())
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !info.Active {
		t.Errorf("info = %+v", info)
	}
	if calls.Load() != 2 || ref.calls.Load() != 1 {
		t.Errorf("api calls = %d refreshes = %d, want 2 and 1", calls.Load(), ref.calls.Load())
	}
	if len(updated) != 1 || updated[0].AccessToken != "new-access" {
		t.Errorf("token updates = %+v", updated)
	}
}

func TestGuardedCallRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	c, err := New(Options{
		Slug:      "xqc",
		Metadata:  fakeMetadata{},
		API:       &kickapi.Client{BaseURL: api.URL, HTTPClient: api.Client()},
		Refresher: &stubRefresher{token: "still-bad"},
		OAuth:     &auth.OAuth{AccessToken: "old", RefreshToken: "rt", ClientID: "cid", ClientSecret: "s"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Introspect(context.Background())
	var exhausted *auth.AuthRetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want AuthRetryExhaustedError", err)
	}
	if calls.Load() != 2 {
		t.Errorf("api calls = %d, want 2", calls.Load())
	}
}

func TestGuardedCallsNeedCredentials(t *testing.T) {
	c, err := New(Options{Slug: "xqc", Metadata: fakeMetadata{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.CurrentUser(context.Background()); !errors.Is(err, auth.ErrAuthenticationRequired) {
		t.Errorf("CurrentUser err = %v, want ErrAuthenticationRequired", err)
	}
	if _, err := c.SendChatMessage(context.Background(), "hi", ""); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("SendChatMessage err = %v, want ErrNotLoggedIn", err)
	}
	if err := c.Reconnect(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("Reconnect err = %v, want ErrNotLoggedIn", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close before login: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{Metadata: fakeMetadata{}}); err == nil {
		t.Error("expected error without slug")
	}
	if _, err := New(Options{Slug: "x"}); err == nil {
		t.Error("expected error without metadata provider")
	}
}

func TestCapturedLogin(t *testing.T) {
	res, err := CapturedLogin{Session: auth.Session{BearerToken: "b", XSRFToken: "x"}}.PerformLogin(context.Background(), LoginCredentials{})
	if err != nil || !res.Authenticated || res.XSRFToken != "x" {
		t.Errorf("PerformLogin = %+v, %v", res, err)
	}
	res, _ = CapturedLogin{}.PerformLogin(context.Background(), LoginCredentials{})
	if res.Authenticated {
		t.Error("empty capture reported authenticated")
	}
}

func TestReadyPublishedBeforeChatEvents(t *testing.T) {
	feed, _ := chatFeed(t, chatEnvelope(t, "first"), chatEnvelope(t, "second"))
	c, err := New(Options{
		Slug:     "xqc",
		Metadata: fakeMetadata{meta: kickapi.ChannelMetadata{ChatroomID: 67890, UserID: 676, DisplayName: "xQc"}},
		FeedURL:  feed,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var order []string
	got := make(chan struct{}, 2)
	c.Events().OnReady(func(u events.User) {
		// Slow listener: chat frames must still wait for it.
		time.Sleep(50 * time.Millisecond)
		if _, ok := c.Channel(); !ok {
			t.Error("channel not set when ready fired")
		}
		mu.Lock()
		order = append(order, "ready")
		mu.Unlock()
	})
	events.Subscribe(c.Events(), func(m events.ChatMessage) {
		mu.Lock()
		order = append(order, m.Content)
		mu.Unlock()
		got <- struct{}{}
	})

	if _, err := c.Login(context.Background(), LoginCredentials{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("chat messages not delivered")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"ready", "first", "second"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCloseDuringReconnect(t *testing.T) {
	var conns atomic.Int32
	dialing := make(chan struct{})
	release := make(chan struct{})
	secondClosed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		if n == 2 {
			close(dialing)
			<-release
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if n == 2 {
					close(secondClosed)
				}
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(Options{
		Slug:     "xqc",
		Metadata: fakeMetadata{meta: kickapi.ChannelMetadata{ChatroomID: 67890}},
		FeedURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Login(context.Background(), LoginCredentials{}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	result := make(chan error, 1)
	go func() { result <- c.Reconnect(context.Background()) }()
	<-dialing
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Reconnect err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect did not return")
	}
	select {
	case <-secondClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection opened during Close was left running")
	}
	if _, err := c.Login(context.Background(), LoginCredentials{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Login after Close err = %v, want ErrClosed", err)
	}
}

func TestNewWithoutRefresherFailsRenewal(t *testing.T) {
	c, err := New(Options{
		Slug:     "xqc",
		Metadata: fakeMetadata{},
		OAuth:    &auth.OAuth{AccessToken: "a", RefreshToken: "r", ExpiresIn: 10, IssuedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Introspect(context.Background())
	var re *auth.RefreshError
	if !errors.As(err, &re) || !errors.Is(err, auth.ErrNoRefresher) {
		t.Fatalf("err = %v, want RefreshError wrapping ErrNoRefresher", err)
	}
}

func TestSessionAgainstMockKick(t *testing.T) {
	kick := testutil.NewMockKickServer(t)
	kick.MockTokenResponse("new-access", "new-refresh", 3600)
	kick.MockChannelMetadata("xqc", 668, 67890, 676, "xQc")
	kick.MockSendChatResponse("msg-1")
	kick.MockIntrospectResponse(true, "chat:write")
	kick.AcceptToken("new-access")
	feed, subscribed := chatFeed(t)

	// The store clock runs an hour ahead; renewed tokens must use it too.
	skew := time.Hour
	now := func() time.Time { return time.Now().Add(skew) }
	var updates []auth.OAuth
	metadata := &kickapi.MetadataClient{BaseURL: kick.URL, HTTPClient: kick.Client()}
	c, err := New(Options{
		Slug:          "xqc",
		OAuth:         &auth.OAuth{AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresIn: 3600, ClientID: "cid", ClientSecret: "secret"},
		Refresher:     &kickapi.Refresher{TokenURL: kick.TokenURL(), HTTPClient: kick.Client()},
		API:           &kickapi.Client{BaseURL: kick.APIBase(), HTTPClient: kick.Client()},
		Metadata:      metadata,
		Login:         CapturedLogin{Session: auth.Session{BearerToken: "browser"}},
		FeedURL:       feed,
		OnTokenUpdate: func(ctx context.Context, creds auth.OAuth) { updates = append(updates, creds) },
		Now:           now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	metadata.Sessions = c.Store()
	defer c.Close()

	cs, err := c.Login(context.Background(), LoginCredentials{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if cs.ChatroomID != 67890 || cs.UserID != 676 || cs.DisplayName != "xQc" {
		t.Errorf("ChannelSession = %+v", cs)
	}
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	res, err := c.SendChatMessage(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if !res.IsSent || res.MessageID != "msg-1" {
		t.Errorf("result = %+v", res)
	}
	if got := kick.Hits("/public/v1/chat"); got != 2 {
		t.Errorf("chat calls = %d, want 2 (rejected then retried)", got)
	}
	if got := kick.Hits("/oauth/token"); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}

	creds, _ := c.Store().OAuth()
	if creds.AccessToken != "new-access" || creds.RefreshToken != "new-refresh" {
		t.Errorf("stored creds = %+v", creds)
	}
	if d := creds.IssuedAt.Sub(time.Now()); d < skew-time.Minute {
		t.Errorf("renewed IssuedAt %v not on the store clock", creds.IssuedAt)
	}
	if c.Store().IsExpiringSoon() {
		t.Error("renewed token reported expiring")
	}
	if len(updates) != 1 {
		t.Errorf("token updates = %d, want 1", len(updates))
	}

	if _, err := c.Introspect(context.Background()); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if got := kick.Hits("/oauth/token"); got != 1 {
		t.Errorf("token exchanges after introspect = %d, want 1", got)
	}
}
