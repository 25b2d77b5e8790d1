package events

// Payload is implemented by every domain event payload. The unexported method
// keeps the set closed to this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Badge is a chat identity badge (moderator, subscriber, ...).
type Badge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

// Identity carries display attributes of a chat sender.
type Identity struct {
	Color  string  `json:"color"`
	Badges []Badge `json:"badges"`
}

// Sender is the author of a chat message.
type Sender struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Slug     string   `json:"slug"`
	Identity Identity `json:"identity"`
}

// ReplyRef points at the message a reply was written against.
type ReplyRef struct {
	OriginalSender struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"original_sender"`
	OriginalMessage struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	} `json:"original_message"`
}

// ChatMessage is a message posted to a chatroom.
type ChatMessage struct {
	ID         string    `json:"id"`
	ChatroomID int64     `json:"chatroom_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  string    `json:"created_at"`
	Sender     Sender    `json:"sender"`
	Metadata   *ReplyRef `json:"metadata,omitempty"`
}

// Subscription announces a new or renewed subscription.
type Subscription struct {
	ChatroomID int64  `json:"chatroom_id"`
	Username   string `json:"username"`
	Months     int    `json:"months"`
}

// GiftedSubscriptions announces subscriptions gifted to other users.
type GiftedSubscriptions struct {
	ChatroomID      int64    `json:"chatroom_id"`
	GiftedUsernames []string `json:"gifted_usernames"`
	GifterUsername  string   `json:"gifter_username"`
	GifterTotal     int      `json:"gifter_total,omitempty"`
}

// StreamHost announces another channel hosting this one.
type StreamHost struct {
	ChatroomID      int64  `json:"chatroom_id"`
	OptionalMessage string `json:"optional_message"`
	NumberViewers   int    `json:"number_viewers"`
	HostUsername    string `json:"host_username"`
}

// MessageDeleted reports a removed chat message.
type MessageDeleted struct {
	ID      string `json:"id"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
	AIModerated   bool     `json:"aiModerated,omitempty"`
	ViolatedRules []string `json:"violatedRules,omitempty"`
}

// ModerationUser identifies a user in ban/unban events.
type ModerationUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
}

// UserBanned reports a ban or timeout.
type UserBanned struct {
	ID        string         `json:"id"`
	User      ModerationUser `json:"user"`
	BannedBy  ModerationUser `json:"banned_by"`
	Permanent bool           `json:"permanent"`
	Duration  int            `json:"duration,omitempty"`
	ExpiresAt string         `json:"expires_at,omitempty"`
}

// UserUnbanned reports a lifted ban.
type UserUnbanned struct {
	ID         string         `json:"id"`
	User       ModerationUser `json:"user"`
	UnbannedBy ModerationUser `json:"unbanned_by"`
	Permanent  bool           `json:"permanent"`
}

// PinnedMessageCreated reports a pinned message.
type PinnedMessageCreated struct {
	Message  ChatMessage `json:"message"`
	Duration int         `json:"duration"`
	PinnedBy *Sender     `json:"pinnedBy,omitempty"`
}

// PinnedMessageDeleted reports that the pinned message was removed. The
// platform sends no meaningful fields.
type PinnedMessageDeleted struct{}

// PollOption is one choice of a poll.
type PollOption struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Votes int    `json:"votes"`
}

// Poll is the state of a chat poll.
type Poll struct {
	Title                 string       `json:"title"`
	Options               []PollOption `json:"options"`
	Duration              int          `json:"duration"`
	Remaining             int          `json:"remaining"`
	ResultDisplayDuration int          `json:"result_display_duration"`
}

// PollUpdate carries the latest poll state.
type PollUpdate struct {
	Poll Poll `json:"poll"`
}

// PollDelete reports that the poll was removed. The platform sends no
// meaningful fields.
type PollDelete struct{}

// The platform sends either {} or [] for the empty payloads.
func (*PinnedMessageDeleted) UnmarshalJSON([]byte) error { return nil }
func (*PollDelete) UnmarshalJSON([]byte) error           { return nil }

func (ChatMessage) Kind() Kind          { return KindChatMessage }
func (Subscription) Kind() Kind         { return KindSubscription }
func (GiftedSubscriptions) Kind() Kind  { return KindGiftedSubscriptions }
func (StreamHost) Kind() Kind           { return KindStreamHost }
func (MessageDeleted) Kind() Kind       { return KindMessageDeleted }
func (UserBanned) Kind() Kind           { return KindUserBanned }
func (UserUnbanned) Kind() Kind         { return KindUserUnbanned }
func (PinnedMessageCreated) Kind() Kind { return KindPinnedMessageCreated }
func (PinnedMessageDeleted) Kind() Kind { return KindPinnedMessageDeleted }
func (PollUpdate) Kind() Kind           { return KindPollUpdate }
func (PollDelete) Kind() Kind           { return KindPollDelete }

func (ChatMessage) isPayload()          {}
func (Subscription) isPayload()         {}
func (GiftedSubscriptions) isPayload()  {}
func (StreamHost) isPayload()           {}
func (MessageDeleted) isPayload()       {}
func (UserBanned) isPayload()           {}
func (UserUnbanned) isPayload()         {}
func (PinnedMessageCreated) isPayload() {}
func (PinnedMessageDeleted) isPayload() {}
func (PollUpdate) isPayload()           {}
func (PollDelete) isPayload()           {}

// User identifies the account a session is ready for.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}
