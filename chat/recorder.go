package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onnwee/kickchat/db"
	"github.com/onnwee/kickchat/events"
)

// Store is where recorded messages go. SQLStore is the Postgres rendition.
type Store interface {
	InsertChatMessage(ctx context.Context, r db.ChatRow) (bool, error)
	MarkChatMessageDeleted(ctx context.Context, messageID string) (bool, error)
}

// SQLStore writes to chat_messages.
type SQLStore struct {
	DB *sql.DB
}

func (s SQLStore) InsertChatMessage(ctx context.Context, r db.ChatRow) (bool, error) {
	return db.InsertChatMessage(ctx, s.DB, r)
}

func (s SQLStore) MarkChatMessageDeleted(ctx context.Context, messageID string) (bool, error) {
	return db.MarkChatMessageDeleted(ctx, s.DB, messageID)
}

// Recorder persists chat events. Bus listeners run on the transport's read
// loop, so writes are bounded by Timeout.
type Recorder struct {
	Store   Store
	Timeout time.Duration
	Now     func() time.Time

	recorded atomic.Int64
	deleted  atomic.Int64
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{Store: store, Timeout: 5 * time.Second, Now: time.Now}
}

// Attach subscribes the recorder to bus until ctx is done or detach is called.
func (r *Recorder) Attach(ctx context.Context, bus *events.Bus) (detach func()) {
	offMsg := events.Subscribe(bus, func(m events.ChatMessage) { r.recordMessage(ctx, m) })
	offDel := events.Subscribe(bus, func(d events.MessageDeleted) { r.markDeleted(ctx, d) })
	slog.Info("chat recorder attached", slog.String("component", "chat_recorder"))
	return func() {
		offMsg()
		offDel()
	}
}

// Recorded returns how many messages were inserted.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// Deleted returns how many stored messages were flagged deleted.
func (r *Recorder) Deleted() int64 { return r.deleted.Load() }

func (r *Recorder) recordMessage(ctx context.Context, m events.ChatMessage) {
	if ctx.Err() != nil || m.ID == "" {
		return
	}
	row := r.rowFor(m)
	wctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	inserted, err := r.Store.InsertChatMessage(wctx, row)
	if err != nil {
		slog.Error("failed to insert chat message",
			slog.String("message_id", m.ID), slog.Any("err", err), slog.String("component", "chat_recorder"))
		return
	}
	if inserted {
		r.recorded.Add(1)
	}
}

func (r *Recorder) markDeleted(ctx context.Context, d events.MessageDeleted) {
	id := d.Message.ID
	if id == "" {
		id = d.ID
	}
	if ctx.Err() != nil || id == "" {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	ok, err := r.Store.MarkChatMessageDeleted(wctx, id)
	if err != nil {
		slog.Error("failed to mark chat message deleted",
			slog.String("message_id", id), slog.Any("err", err), slog.String("component", "chat_recorder"))
		return
	}
	if ok {
		r.deleted.Add(1)
	} else {
		slog.Debug("deleted message was not recorded", slog.String("message_id", id), slog.String("component", "chat_recorder"))
	}
}

func (r *Recorder) rowFor(m events.ChatMessage) db.ChatRow {
	row := db.ChatRow{
		MessageID:   m.ID,
		ChatroomID:  m.ChatroomID,
		SenderID:    m.Sender.ID,
		Username:    m.Sender.Username,
		Content:     m.Content,
		MessageType: m.Type,
		Badges:      formatBadges(m.Sender.Identity.Badges),
		Color:       m.Sender.Identity.Color,
		SentAt:      parseSentAt(m.CreatedAt, r.Now),
	}
	if m.Metadata != nil {
		row.ReplyToID = m.Metadata.OriginalMessage.ID
		row.ReplyToUsername = m.Metadata.OriginalSender.Username
	}
	return row
}

// formatBadges renders badges as "type:count," pairs; a badge without a
// count is written as "type:1".
func formatBadges(badges []events.Badge) string {
	var b strings.Builder
	for _, badge := range badges {
		if badge.Type == "" {
			continue
		}
		n := badge.Count
		if n == 0 {
			n = 1
		}
		b.WriteString(badge.Type)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(n))
		b.WriteByte(',')
	}
	return b.String()
}

func parseSentAt(s string, now func() time.Time) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now().UTC()
}
