// Package events models the Kick chat feed: the Pusher wire envelope, the
// closed set of domain event kinds it carries, the two-stage decoder that
// turns one into the other, and a typed publish/subscribe bus used to hand
// decoded events to application code.
//
// Wire frames look like:
//
//	{"event":"App\\Events\\ChatMessageEvent","data":"{\"id\":\"...\",...}"}
//
// The data field is itself JSON encoded as a string and is decoded a second
// time into the payload struct registered for the event's kind.
package events

import "fmt"

// Kind identifies one domain event variant.
type Kind int

const (
	KindChatMessage Kind = iota
	KindSubscription
	KindGiftedSubscriptions
	KindStreamHost
	KindMessageDeleted
	KindUserBanned
	KindUserUnbanned
	KindPinnedMessageCreated
	KindPinnedMessageDeleted
	KindPollUpdate
	KindPollDelete

	numKinds
)

// Kinds returns every supported kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

// String returns the short name used in logs and metric labels.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindTable[k].label
}

// WireName returns the namespaced Pusher event name for k.
func (k Kind) WireName() string {
	if k < 0 || k >= numKinds {
		return ""
	}
	return kindTable[k].wire
}

type kindEntry struct {
	label  string
	wire   string
	decode func(data []byte) (Payload, error)
}

// kindTable is indexed by Kind. A new Kind without an entry here leaves a zero
// row, which TestKindTableComplete catches.
var kindTable = [numKinds]kindEntry{
	KindChatMessage:          {"chat_message", `App\Events\ChatMessageEvent`, decodeAs[ChatMessage]},
	KindSubscription:         {"subscription", `App\Events\SubscriptionEvent`, decodeAs[Subscription]},
	KindGiftedSubscriptions:  {"gifted_subscriptions", `App\Events\GiftedSubscriptionsEvent`, decodeAs[GiftedSubscriptions]},
	KindStreamHost:           {"stream_host", `App\Events\StreamHostEvent`, decodeAs[StreamHost]},
	KindMessageDeleted:       {"message_deleted", `App\Events\MessageDeletedEvent`, decodeAs[MessageDeleted]},
	KindUserBanned:           {"user_banned", `App\Events\UserBannedEvent`, decodeAs[UserBanned]},
	KindUserUnbanned:         {"user_unbanned", `App\Events\UserUnbannedEvent`, decodeAs[UserUnbanned]},
	KindPinnedMessageCreated: {"pinned_message_created", `App\Events\PinnedMessageCreatedEvent`, decodeAs[PinnedMessageCreated]},
	KindPinnedMessageDeleted: {"pinned_message_deleted", `App\Events\PinnedMessageDeletedEvent`, decodeAs[PinnedMessageDeleted]},
	KindPollUpdate:           {"poll_update", `App\Events\PollUpdateEvent`, decodeAs[PollUpdate]},
	KindPollDelete:           {"poll_delete", `App\Events\PollDeleteEvent`, decodeAs[PollDelete]},
}

// byWireName is the reverse lookup built from kindTable.
var byWireName = func() map[string]Kind {
	m := make(map[string]Kind, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		if w := kindTable[k].wire; w != "" {
			m[w] = k
		}
	}
	return m
}()

// KindForWireName reports the kind registered for a wire event name.
func KindForWireName(name string) (Kind, bool) {
	k, ok := byWireName[name]
	return k, ok
}
