package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/kickchat/db"
)

type chatMessageJSON struct {
	ID              string    `json:"id"`
	ChatroomID      int64     `json:"chatroom_id"`
	SenderID        int64     `json:"sender_id"`
	Username        string    `json:"username"`
	Content         string    `json:"content"`
	Type            string    `json:"type"`
	Badges          string    `json:"badges"`
	Color           string    `json:"color"`
	ReplyToID       string    `json:"reply_to_id,omitempty"`
	ReplyToUsername string    `json:"reply_to_username,omitempty"`
	SentAt          time.Time `json:"sent_at"`
	Deleted         bool      `json:"deleted"`
}

// HandleChatMessages returns recorded chat messages, newest first. The
// chatroom defaults to the logged-in channel's.
func (h *Handlers) HandleChatMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.DB == nil {
		http.Error(w, "chat recording not enabled", http.StatusNotFound)
		return
	}
	room := parseInt64Query(r, "chatroom_id", 0)
	if room == 0 && h.opts.Session != nil {
		if ch := h.opts.Session.Status().Channel; ch != nil {
			room = ch.ChatroomID
		}
	}
	if room == 0 {
		http.Error(w, "chatroom_id required", http.StatusBadRequest)
		return
	}
	rows, err := db.RecentChatMessages(r.Context(), h.opts.DB, room, parseIntQuery(r, "limit", 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]chatMessageJSON, 0, len(rows))
	for _, m := range rows {
		out = append(out, chatMessageJSON{
			ID:              m.MessageID,
			ChatroomID:      m.ChatroomID,
			SenderID:        m.SenderID,
			Username:        m.Username,
			Content:         m.Content,
			Type:            m.MessageType,
			Badges:          m.Badges,
			Color:           m.Color,
			ReplyToID:       m.ReplyToID,
			ReplyToUsername: m.ReplyToUsername,
			SentAt:          m.SentAt,
			Deleted:         m.Deleted,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAdminChatSend posts a message to the channel's chat through the
// OAuth-guarded API.
func (h *Handlers) HandleAdminChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Session == nil {
		http.Error(w, "no chat session", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Content string `json:"content"`
		ReplyTo string `json:"reply_to"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.Content == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	res, err := h.opts.Session.SendChatMessage(r.Context(), body.Content, body.ReplyTo)
	if err != nil {
		writeUpstreamError(w, r, "send chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"is_sent": res.IsSent, "message_id": res.MessageID})
}
