// Package session ties login, channel lookup, the chat transport and the
// guarded REST calls into one client.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/events"
	"github.com/onnwee/kickchat/kickapi"
	"github.com/onnwee/kickchat/realtime"
)

var (
	// ErrLoginRejected is returned when the login provider answers without
	// an authenticated session.
	ErrLoginRejected = errors.New("session: login was not authenticated")
	// ErrNotLoggedIn is returned by operations that need a channel session.
	ErrNotLoggedIn = errors.New("session: not logged in")
	// ErrAlreadyLoggedIn is returned by a second Login.
	ErrAlreadyLoggedIn = errors.New("session: already logged in")
	// ErrClosed is returned by Login and Reconnect after Close.
	ErrClosed = errors.New("session: client closed")
)

// ChannelSession identifies the channel the client is attached to. It is
// fixed once Login succeeds.
type ChannelSession struct {
	ChannelSlug string `json:"channel_slug"`
	ChannelID   int64  `json:"channel_id"`
	ChatroomID  int64  `json:"chatroom_id"`
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// LoginCredentials are handed to the login provider. OAuth, when set, is
// installed in the credential store before the provider runs.
type LoginCredentials struct {
	Username string
	Password string
	OTP      string
	OAuth    *auth.OAuth
}

// LoginResult is what a login provider captured from the browser session.
type LoginResult struct {
	BearerToken   string
	XSRFToken     string
	Cookies       string
	Authenticated bool
}

// MetadataProvider resolves a channel slug. *kickapi.MetadataClient
// satisfies it.
type MetadataProvider interface {
	FetchChannelMetadata(ctx context.Context, slug string) (kickapi.ChannelMetadata, error)
}

// LoginProvider performs the browser login.
type LoginProvider interface {
	PerformLogin(ctx context.Context, creds LoginCredentials) (LoginResult, error)
}

// Options configure a Client.
type Options struct {
	Slug string
	// OAuth seeds the credential store.
	OAuth *auth.OAuth
	// Refresher renews the OAuth token; without one, renewals fail with a
	// RefreshError wrapping auth.ErrNoRefresher.
	Refresher auth.Refresher
	API       *kickapi.Client
	Metadata  MetadataProvider
	// Login is optional; without it Login skips the session step.
	Login   LoginProvider
	FeedURL string
	// ConnectTimeout bounds each chat feed dial; zero uses the transport default.
	ConnectTimeout time.Duration
	OnTokenUpdate  auth.TokenUpdateFunc
	Persister      auth.TokenPersister
	Now            func() time.Time
}

// Client is a logged-in view of one channel.
type Client struct {
	slug     string
	store    *auth.Store
	guard    *auth.Guard
	api      *kickapi.Client
	metadata MetadataProvider
	login    LoginProvider
	feedURL  string
	timeout  time.Duration
	bus      *events.Bus

	mu        sync.Mutex
	channel   *ChannelSession
	transport *realtime.Transport
	loggingIn bool
	closed    bool
}

// New builds a client. The chat feed is not opened until Login.
func New(opts Options) (*Client, error) {
	if opts.Slug == "" {
		return nil, fmt.Errorf("channel slug required")
	}
	if opts.Metadata == nil {
		return nil, fmt.Errorf("metadata provider required")
	}
	store := auth.NewStore(opts.Now)
	if opts.OAuth != nil {
		store.SetOAuth(*opts.OAuth)
	}
	// The refresher stamps IssuedAt; it must read the store's clock.
	if r, ok := opts.Refresher.(*kickapi.Refresher); ok && r != nil && r.Now == nil && opts.Now != nil {
		r.Now = opts.Now
	}
	guard := auth.NewGuard(store, opts.Refresher)
	guard.OnTokenUpdate = opts.OnTokenUpdate
	guard.Persister = opts.Persister

	api := opts.API
	if api == nil {
		api = &kickapi.Client{}
	}
	feed := opts.FeedURL
	if feed == "" {
		feed = realtime.FeedURL("", "", "")
	}
	return &Client{
		slug:     opts.Slug,
		store:    store,
		guard:    guard,
		api:      api,
		metadata: opts.Metadata,
		login:    opts.Login,
		feedURL:  feed,
		timeout:  opts.ConnectTimeout,
		bus:      events.NewBus(),
	}, nil
}

// Events returns the bus domain events are published on.
func (c *Client) Events() *events.Bus { return c.bus }

// Store returns the credential store.
func (c *Client) Store() *auth.Store { return c.store }

// Guard returns the auth guard wrapping REST calls.
func (c *Client) Guard() *auth.Guard { return c.guard }

// SetOAuth replaces the OAuth credentials.
func (c *Client) SetOAuth(creds auth.OAuth) { c.store.SetOAuth(creds) }

// Channel returns the channel session once logged in.
func (c *Client) Channel() (ChannelSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return ChannelSession{}, false
	}
	return *c.channel, true
}

// Login authenticates, resolves the channel and opens the chat feed. Errors
// from the login and metadata providers are returned unchanged. The ready
// event is published before any chat event is delivered.
func (c *Client) Login(ctx context.Context, creds LoginCredentials) (ChannelSession, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ChannelSession{}, ErrClosed
	case c.channel != nil || c.loggingIn:
		c.mu.Unlock()
		return ChannelSession{}, ErrAlreadyLoggedIn
	}
	c.loggingIn = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.loggingIn = false
		c.mu.Unlock()
	}()

	log := slog.Default().With(slog.String("component", "session"), slog.String("channel", c.slug))
	if creds.OAuth != nil {
		c.store.SetOAuth(*creds.OAuth)
	}
	if c.login != nil {
		res, err := c.login.PerformLogin(ctx, creds)
		if err != nil {
			return ChannelSession{}, err
		}
		if !res.Authenticated {
			return ChannelSession{}, ErrLoginRejected
		}
		c.store.SetSession(auth.Session{BearerToken: res.BearerToken, XSRFToken: res.XSRFToken, CookieHeader: res.Cookies})
		log.Debug("session credentials captured")
	}

	meta, err := c.metadata.FetchChannelMetadata(ctx, c.slug)
	if err != nil {
		return ChannelSession{}, err
	}
	cs := ChannelSession{
		ChannelSlug: c.slug,
		ChannelID:   meta.ChannelID,
		ChatroomID:  meta.ChatroomID,
		UserID:      meta.UserID,
		DisplayName: meta.DisplayName,
	}

	// attached is only touched on this goroutine: OnSubscribed runs inside Connect.
	var (
		t        *realtime.Transport
		attached bool
	)
	t = c.newTransport(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.channel = &cs
		c.transport = t
		c.mu.Unlock()
		attached = true
		log.Info("logged in", slog.Int64("chatroom_id", cs.ChatroomID), slog.Int64("user_id", cs.UserID))
		c.bus.PublishReady(events.User{ID: cs.UserID, Username: cs.DisplayName})
	})
	if err := t.Connect(ctx, cs.ChatroomID); err != nil {
		return ChannelSession{}, err
	}
	if !attached {
		_ = t.Close()
		return ChannelSession{}, ErrClosed
	}
	return cs, nil
}

func (c *Client) newTransport(onSubscribed func()) *realtime.Transport {
	t := realtime.New(c.feedURL, realtime.Handlers{
		OnEvent: c.bus.Publish,
		OnError: c.bus.PublishError,
		OnStateChange: func(s realtime.State) {
			slog.Debug("chat transport state", slog.String("state", s.String()), slog.String("component", "session"))
		},
		OnSubscribed: onSubscribed,
	})
	t.ConnectTimeout = c.timeout
	return t
}

// Reconnect replaces the chat connection with a fresh one to the same
// chatroom. After Close it returns ErrClosed and leaves nothing open.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.channel == nil {
		c.mu.Unlock()
		return ErrNotLoggedIn
	}
	room := c.channel.ChatroomID
	old := c.transport
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	t := c.newTransport(nil)
	if err := t.Connect(ctx, room); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	c.transport = t
	c.mu.Unlock()
	return nil
}

// Done is closed when the current chat connection ends. It is nil before Login.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.Done()
}

// TransportState reports the chat connection state.
func (c *Client) TransportState() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return realtime.StateIdle
	}
	return c.transport.State()
}

// Close closes the chat connection and ends the client: later Login and
// Reconnect calls return ErrClosed. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (c *Client) broadcaster() (int64, error) {
	cs, ok := c.Channel()
	if !ok {
		return 0, ErrNotLoggedIn
	}
	return cs.UserID, nil
}

// SendChatMessage posts content to the channel's chat, optionally as a reply.
func (c *Client) SendChatMessage(ctx context.Context, content, replyTo string) (kickapi.ChatMessageResult, error) {
	id, err := c.broadcaster()
	if err != nil {
		return kickapi.ChatMessageResult{}, err
	}
	req := kickapi.ChatMessageRequest{BroadcasterUserID: id, Content: content, ReplyToMessageID: replyTo, Type: "user"}
	return auth.Do(ctx, c.guard, "send chat", func(ctx context.Context, token string) (kickapi.ChatMessageResult, error) {
		return c.api.SendChatMessage(ctx, token, req)
	})
}

// GetChannel fetches the channel from the official API.
func (c *Client) GetChannel(ctx context.Context) (kickapi.Channel, error) {
	return auth.Do(ctx, c.guard, "get channel", func(ctx context.Context, token string) (kickapi.Channel, error) {
		return c.api.GetChannel(ctx, token, c.slug)
	})
}

// CurrentUser returns the owner of the OAuth token.
func (c *Client) CurrentUser(ctx context.Context) (kickapi.User, error) {
	return auth.Do(ctx, c.guard, "current user", c.api.CurrentUser)
}

// Introspect reports the state of the OAuth token.
func (c *Client) Introspect(ctx context.Context) (kickapi.TokenInfo, error) {
	return auth.Do(ctx, c.guard, "token introspect", c.api.Introspect)
}

// Status is a point-in-time summary for health and status endpoints.
type Status struct {
	Channel        *ChannelSession `json:"channel,omitempty"`
	Transport      string          `json:"transport"`
	HasOAuth       bool            `json:"has_oauth"`
	HasSession     bool            `json:"has_session"`
	TokenExpiresAt *time.Time      `json:"token_expires_at,omitempty"`
}

// Status reports the client's current state.
func (c *Client) Status() Status {
	st := Status{Transport: c.TransportState().String()}
	if cs, ok := c.Channel(); ok {
		st.Channel = &cs
	}
	if creds, ok := c.store.OAuth(); ok {
		st.HasOAuth = creds.AccessToken != ""
		if exp, ok := creds.ExpiresAt(); ok {
			st.TokenExpiresAt = &exp
		}
	}
	_, st.HasSession = c.store.Session()
	return st
}
