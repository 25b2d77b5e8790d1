package db

import (
	"context"
	"database/sql"
	"time"
)

// ChatRow is one recorded chat message.
type ChatRow struct {
	MessageID       string
	ChatroomID      int64
	SenderID        int64
	Username        string
	Content         string
	MessageType     string
	Badges          string
	Color           string
	ReplyToID       string
	ReplyToUsername string
	SentAt          time.Time
	Deleted         bool
}

// InsertChatMessage records a message. A message id that is already stored
// is ignored, so redelivered frames do not duplicate rows.
func InsertChatMessage(ctx context.Context, db *sql.DB, r ChatRow) (inserted bool, err error) {
	var sent sql.NullTime
	if !r.SentAt.IsZero() {
		sent = sql.NullTime{Time: r.SentAt, Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO chat_messages (message_id, chatroom_id, sender_id, username, content, message_type, badges, color, reply_to_id, reply_to_username, sent_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT(message_id) DO NOTHING`,
		r.MessageID, r.ChatroomID, r.SenderID, r.Username, r.Content, r.MessageType, r.Badges, r.Color,
		nullString(r.ReplyToID), nullString(r.ReplyToUsername), sent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkChatMessageDeleted flags a recorded message as removed by moderation.
// It reports whether a row matched.
func MarkChatMessageDeleted(ctx context.Context, db *sql.DB, messageID string) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE chat_messages SET deleted = TRUE WHERE message_id = $1`, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentChatMessages returns up to limit messages of a chatroom, newest first.
func RecentChatMessages(ctx context.Context, db *sql.DB, chatroomID int64, limit int) ([]ChatRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT message_id, chatroom_id, COALESCE(sender_id,0), COALESCE(username,''), COALESCE(content,''), COALESCE(message_type,''),
		        COALESCE(badges,''), COALESCE(color,''), COALESCE(reply_to_id,''), COALESCE(reply_to_username,''), sent_at, COALESCE(deleted,false)
		 FROM chat_messages WHERE chatroom_id = $1 ORDER BY sent_at DESC NULLS LAST, id DESC LIMIT $2`,
		chatroomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatRow
	for rows.Next() {
		var r ChatRow
		var sent sql.NullTime
		if err := rows.Scan(&r.MessageID, &r.ChatroomID, &r.SenderID, &r.Username, &r.Content, &r.MessageType,
			&r.Badges, &r.Color, &r.ReplyToID, &r.ReplyToUsername, &sent, &r.Deleted); err != nil {
			return nil, err
		}
		if sent.Valid {
			r.SentAt = sent.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
