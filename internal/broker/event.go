package broker

import (
	"context"
	"time"

	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
)

type EventType string

const (
	EventMessageCreated  EventType = "message.created"
	EventMessageUpdated  EventType = "message.updated"
	EventMessageDeleted  EventType = "message.deleted"
	EventReactionChanged EventType = "reaction.changed"
	EventTypingStarted   EventType = "typing.started"
	EventTypingStopped   EventType = "typing.stopped"
	EventPresenceUpdated EventType = "presence.updated"
)

type ReactionChange struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	Added     bool      `json:"added"`
	Count     int64     `json:"count"`
}

type TypingChange struct {
	UserID    uuid.UUID  `json:"user_id"`
	IsTyping  bool       `json:"is_typing"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Event is a tagged union: Type decides which payload field is set.
// Seq is assigned by the broker at publish time and is strictly increasing
// per channel (per node for global events).
type Event struct {
	Type      EventType        `json:"type"`
	ChannelID string           `json:"channel_id,omitempty"`
	Seq       int64            `json:"seq"`
	At        time.Time        `json:"at"`
	Message   *models.Message  `json:"message,omitempty"`
	Reaction  *ReactionChange  `json:"reaction,omitempty"`
	Typing    *TypingChange    `json:"typing,omitempty"`
	Presence  *models.Presence `json:"presence,omitempty"`
}

// MessageEvent builds a message.* event. The payload is always redacted.
func MessageEvent(t EventType, msg models.Message) Event {
	red := msg.Redacted()
	return Event{Type: t, ChannelID: msg.ChannelID, Message: &red}
}

// Publisher is the side of the broker that stores use.
// Publish errors only report upstream (relay) failures; local delivery
// problems are handled inside the broker.
type Publisher interface {
	Publish(ctx context.Context, channelID string, ev Event) error
	PublishGlobal(ctx context.Context, ev Event) error
}

// Sink receives events for one session. Deliver must not block: a sink that
// cannot accept an event returns an error and is treated as dead.
type Sink interface {
	Deliver(ev Event) error
}
