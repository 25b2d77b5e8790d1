// Package realtime owns the WebSocket connection to Kick's Pusher chat feed.
//
// A Transport is single use: it dials once, subscribes to one chatroom and
// delivers decoded events until it is closed or the connection fails. It does
// not reconnect; callers build a new Transport for that.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/kickchat/events"
	"github.com/onnwee/kickchat/telemetry"
)

// Pusher defaults for Kick's public chat cluster.
const (
	DefaultHost    = "ws-us2.pusher.com"
	DefaultAppKey  = "32cbd69e4b950bf97679"
	DefaultVersion = "8.4.0-rc2"
)

const defaultConnectTimeout = 10 * time.Second

// ErrClosed is returned by Connect when the transport was closed first.
var ErrClosed = errors.New("realtime: transport closed")

// State is the connection lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateSubscribed
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TransportError is a connection-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "realtime " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Handlers receive transport output. All calls are made from the read
// goroutine, one at a time, in frame order; state changes may also be
// reported from the goroutine calling Connect or Close.
type Handlers struct {
	OnEvent       func(events.Event)
	OnError       func(error)
	OnStateChange func(State)
	// OnSubscribed runs on the Connect goroutine once the subscribe frame is
	// sent, before any event is delivered.
	OnSubscribed func()
}

// FeedURL builds the Pusher WebSocket URL.
func FeedURL(host, appKey, version string) string {
	if host == "" {
		host = DefaultHost
	}
	if appKey == "" {
		appKey = DefaultAppKey
	}
	if version == "" {
		version = DefaultVersion
	}
	return fmt.Sprintf("wss://%s/app/%s?protocol=7&client=js&version=%s&flash=false", host, appKey, version)
}

// ChannelName returns the public Pusher channel for a chatroom.
func ChannelName(chatroomID int64) string {
	return fmt.Sprintf("chatrooms.%d.v2", chatroomID)
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type subscribeData struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

// Transport is one connection to the chat feed.
type Transport struct {
	url      string
	handlers Handlers

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request.
	Header http.Header
	// ConnectTimeout bounds the dial and defaults to 10s.
	ConnectTimeout time.Duration

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	room    int64
	done    chan struct{}
	writeMu sync.Mutex
}

// New returns an idle transport for the feed at url.
func New(url string, h Handlers) *Transport {
	return &Transport{url: url, handlers: h, done: make(chan struct{})}
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the connection has ended, or Connect has failed.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) logger() *slog.Logger {
	return slog.Default().With(slog.String("component", "chat_transport"), slog.Int64("chatroom_id", t.room))
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.notifyState(s)
}

func (t *Transport) notifyState(s State) {
	telemetry.SetChatSubscribed(s == StateSubscribed)
	if t.handlers.OnStateChange != nil {
		t.handlers.OnStateChange(s)
	}
}

// Connect dials the feed, subscribes to the chatroom's channel and starts
// delivering events. Dial and subscribe failures are returned; failures
// after that go to OnError.
func (t *Transport) Connect(ctx context.Context, chatroomID int64) error {
	t.mu.Lock()
	if t.state != StateIdle {
		s := t.state
		t.mu.Unlock()
		return &TransportError{Op: "connect", Err: fmt.Errorf("transport is %s", s)}
	}
	t.state = StateConnecting
	t.room = chatroomID
	t.mu.Unlock()
	t.notifyState(StateConnecting)

	ctx, span := telemetry.StartSpan(ctx, "kickchat/realtime", "chat.connect", telemetry.ChatroomAttr(chatroomID))
	defer span.End()

	conn, err := t.dial(ctx)
	if err != nil {
		telemetry.IncTransportError()
		telemetry.RecordError(span, err)
		t.fail()
		return &TransportError{Op: "dial", Err: err}
	}

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		_ = conn.Close()
		close(t.done)
		return &TransportError{Op: "connect", Err: ErrClosed}
	}
	t.state = StateOpen
	t.conn = conn
	t.mu.Unlock()
	t.notifyState(StateOpen)

	sub := frame{Event: "pusher:subscribe", Data: subscribeData{Auth: "", Channel: ChannelName(chatroomID)}}
	if err := t.send(conn, sub); err != nil {
		telemetry.IncTransportError()
		telemetry.RecordError(span, err)
		_ = conn.Close()
		t.fail()
		return &TransportError{Op: "subscribe", Err: err}
	}

	t.mu.Lock()
	if t.state != StateOpen {
		// Closed while subscribing.
		t.mu.Unlock()
		close(t.done)
		return &TransportError{Op: "subscribe", Err: ErrClosed}
	}
	t.state = StateSubscribed
	t.mu.Unlock()
	t.notifyState(StateSubscribed)
	telemetry.SetSpanSuccess(span)
	t.logger().Info("chat subscribed", slog.String("channel", ChannelName(chatroomID)))
	if t.handlers.OnSubscribed != nil {
		t.handlers.OnSubscribed()
	}

	go t.readLoop(conn)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, resp, err := d.DialContext(ctx, t.url, t.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// fail moves a connecting or open transport to Errored, unless it was closed.
func (t *Transport) fail() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		close(t.done)
		return
	}
	t.state = StateErrored
	t.mu.Unlock()
	t.notifyState(StateErrored)
	close(t.done)
}

func (t *Transport) send(conn *websocket.Conn, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer close(t.done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.state == StateClosed
			if !closed {
				t.state = StateErrored
			}
			t.mu.Unlock()
			_ = conn.Close()
			if closed {
				return
			}
			t.notifyState(StateErrored)
			telemetry.IncTransportError()
			t.logger().Warn("chat connection lost", slog.Any("err", err))
			if t.handlers.OnError != nil {
				t.handlers.OnError(&TransportError{Op: "read", Err: err})
			}
			return
		}
		t.handleFrame(conn, msg)
	}
}

func (t *Transport) handleFrame(conn *websocket.Conn, msg []byte) {
	telemetry.IncChatFrame()
	log := t.logger()
	env, err := events.ParseEnvelope(msg)
	if err != nil {
		telemetry.IncDecodeFailure("malformed")
		log.Warn("dropping malformed frame", slog.Any("err", err))
		return
	}
	switch env.Name {
	case "pusher:ping":
		if err := t.send(conn, frame{Event: "pusher:pong", Data: struct{}{}}); err != nil {
			log.Warn("pusher pong failed", slog.Any("err", err))
		}
		return
	case "pusher:pong", "pusher:connection_established", "pusher_internal:subscription_succeeded":
		log.Debug("pusher control frame", slog.String("event", env.Name))
		return
	case "pusher:error":
		log.Warn("pusher error", slog.String("data", string(env.Data)))
		return
	}

	ev, err := events.DecodeEnvelope(env)
	if err != nil {
		if errors.Is(err, events.ErrUnrecognized) {
			telemetry.IncDecodeFailure("unrecognized")
			log.Debug("ignoring unrecognized event", slog.String("event", env.Name))
			return
		}
		telemetry.IncDecodeFailure("malformed")
		log.Warn("dropping malformed event", slog.String("event", env.Name), slog.Any("err", err))
		return
	}
	telemetry.IncEventDispatched(ev.Kind.String())
	if t.handlers.OnEvent != nil {
		t.handlers.OnEvent(ev)
	}
}

// Close ends the connection. Closing a transport that never connected or
// is already closed does nothing.
func (t *Transport) Close() error {
	t.mu.Lock()
	prev := t.state
	conn := t.conn
	switch prev {
	case StateIdle, StateClosed:
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	t.mu.Unlock()
	t.notifyState(StateClosed)

	if conn == nil || prev == StateErrored {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		t.logger().Debug("close chat connection", slog.Any("err", err))
	}
	return nil
}
