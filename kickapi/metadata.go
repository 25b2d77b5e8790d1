package kickapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/kickchat/auth"
)

// DefaultSiteBase is the root of Kick's private web API.
const DefaultSiteBase = "https://kick.com"

// ChannelMetadata identifies a channel and its chatroom.
type ChannelMetadata struct {
	ChannelID   int64
	ChatroomID  int64
	UserID      int64
	DisplayName string
}

// ChannelUnavailableError is returned when a channel's metadata is missing
// (404) or hidden from the session (403).
type ChannelUnavailableError struct {
	Slug       string
	StatusCode int
}

func (e *ChannelUnavailableError) Error() string {
	reason := "not found"
	if e.StatusCode == http.StatusForbidden {
		reason = "forbidden"
	}
	return fmt.Sprintf("channel %q unavailable: %s", e.Slug, reason)
}

// HTTPStatus returns the response status code.
func (e *ChannelUnavailableError) HTTPStatus() int { return e.StatusCode }

// SessionSource supplies the browser session credentials. *auth.Store
// satisfies it.
type SessionSource interface {
	Session() (auth.Session, bool)
}

// MetadataClient fetches channel metadata from the private web API using
// session credentials.
type MetadataClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Sessions   SessionSource
}

type channelResponse struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// FetchChannelMetadata resolves slug to its channel, chatroom and owner. The
// request goes out unauthenticated when no session is available.
func (m *MetadataClient) FetchChannelMetadata(ctx context.Context, slug string) (ChannelMetadata, error) {
	if slug == "" {
		return ChannelMetadata{}, fmt.Errorf("slug empty")
	}
	base := DefaultSiteBase
	if m.BaseURL != "" {
		base = strings.TrimRight(m.BaseURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v2/channels/"+url.PathEscape(slug), nil)
	if err != nil {
		return ChannelMetadata{}, err
	}
	req.Header.Set("Accept", "application/json")
	if m.Sessions != nil {
		if s, ok := m.Sessions.Session(); ok {
			if s.BearerToken != "" {
				req.Header.Set("Authorization", "Bearer "+s.BearerToken)
			}
			if s.XSRFToken != "" {
				req.Header.Set("X-XSRF-TOKEN", s.XSRFToken)
			}
			if s.CookieHeader != "" {
				req.Header.Set("Cookie", s.CookieHeader)
			}
		}
	}
	hc := m.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return ChannelMetadata{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return ChannelMetadata{}, &ChannelUnavailableError{Slug: slug, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ChannelMetadata{}, &HTTPStatusError{Op: "channel metadata", StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
	}
	var body channelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ChannelMetadata{}, fmt.Errorf("decode channel metadata: %w", err)
	}
	if body.Chatroom.ID == 0 {
		return ChannelMetadata{}, fmt.Errorf("channel %q has no chatroom", slug)
	}
	userID := body.UserID
	if userID == 0 {
		userID = body.User.ID
	}
	name := body.User.Username
	if name == "" {
		name = body.Slug
	}
	return ChannelMetadata{
		ChannelID:   body.ID,
		ChatroomID:  body.Chatroom.ID,
		UserID:      userID,
		DisplayName: name,
	}, nil
}
