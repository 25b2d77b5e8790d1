// Package kickapi talks to Kick's HTTP surfaces: the OAuth token endpoint,
// the official public API and the private channel metadata endpoint.
//
// Client methods take the access token explicitly so they can run inside
// auth.Do, which supplies and renews it.
package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultAPIBase is the official public API root.
const DefaultAPIBase = "https://api.kick.com/public/v1"

// HTTPStatusError is returned for non-2xx responses. Its status code lets
// auth.IsAuthFailure recognise a rejected token without parsing text.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("kick %s failed: %s: %s", e.Op, e.Status, e.Body)
}

// HTTPStatus returns the response status code.
func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

// Client wraps the official public API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultAPIBase
}

// TokenInfo is the introspection result for an access token.
type TokenInfo struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id"`
	Expires   int64  `json:"exp"`
	Scope     string `json:"scope"`
	TokenType string `json:"token_type"`
}

// User is a Kick account as returned by /users.
type User struct {
	UserID         int64  `json:"user_id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Category is a channel's current stream category.
type Category struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Stream describes a channel's live state.
type Stream struct {
	IsLive      bool   `json:"is_live"`
	ViewerCount int    `json:"viewer_count"`
	StartTime   string `json:"start_time,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Channel is a channel as returned by /channels.
type Channel struct {
	BroadcasterUserID  int64    `json:"broadcaster_user_id"`
	Slug               string   `json:"slug"`
	ChannelDescription string   `json:"channel_description"`
	StreamTitle        string   `json:"stream_title"`
	Category           Category `json:"category"`
	Stream             Stream   `json:"stream"`
}

// ChatMessageRequest is the body of POST /chat. Type is "user" or "bot";
// BroadcasterUserID is required for user messages.
type ChatMessageRequest struct {
	BroadcasterUserID int64  `json:"broadcaster_user_id,omitempty"`
	Content           string `json:"content"`
	ReplyToMessageID  string `json:"reply_to_message_id,omitempty"`
	Type              string `json:"type"`
}

// ChatMessageResult reports whether a message was accepted.
type ChatMessageResult struct {
	IsSent    bool   `json:"is_sent"`
	MessageID string `json:"message_id"`
}

// Introspect reports whether token is active and what it grants.
func (c *Client) Introspect(ctx context.Context, token string) (TokenInfo, error) {
	var out TokenInfo
	err := c.do(ctx, "token introspect", http.MethodPost, "/token/introspect", token, nil, nil, &out)
	return out, err
}

// GetUsers returns the users with the given ids, or the token's owner when
// none are given.
func (c *Client) GetUsers(ctx context.Context, token string, ids ...int64) ([]User, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", strconv.FormatInt(id, 10))
	}
	var out []User
	err := c.do(ctx, "get users", http.MethodGet, "/users", token, q, nil, &out)
	return out, err
}

// CurrentUser returns the token's owner.
func (c *Client) CurrentUser(ctx context.Context, token string) (User, error) {
	users, err := c.GetUsers(ctx, token)
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return users[0], nil
}

// GetChannel looks up a channel by slug.
func (c *Client) GetChannel(ctx context.Context, token, slug string) (Channel, error) {
	if slug == "" {
		return Channel{}, fmt.Errorf("slug empty")
	}
	q := url.Values{}
	q.Set("slug", slug)
	var out []Channel
	if err := c.do(ctx, "get channels", http.MethodGet, "/channels", token, q, nil, &out); err != nil {
		return Channel{}, err
	}
	if len(out) == 0 {
		return Channel{}, fmt.Errorf("channel %q not found", slug)
	}
	return out[0], nil
}

// SendChatMessage posts a chat message.
func (c *Client) SendChatMessage(ctx context.Context, token string, msg ChatMessageRequest) (ChatMessageResult, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return ChatMessageResult{}, fmt.Errorf("content empty")
	}
	if msg.Type == "" {
		msg.Type = "user"
	}
	var out ChatMessageResult
	err := c.do(ctx, "send chat", http.MethodPost, "/chat", token, nil, msg, &out)
	return out, err
}

// do sends one request and decodes the "data" member of the response into out.
func (c *Client) do(ctx context.Context, op, method, path, token string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	u := c.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", op, err)
	}
	return nil
}
