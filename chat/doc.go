// Package chat records the decoded chat feed of a Kick chatroom.
//
// Recorder attaches to an events.Bus and persists every ChatMessage into the
// chat_messages table. MessageDeleted events flag the stored row instead of
// removing it, so moderation history stays queryable. Redelivered messages
// are ignored by message id.
package chat
