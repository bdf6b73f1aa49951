package models

import (
	"time"

	"github.com/google/uuid"
)

// Presence and typing records live in Redis only.

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

type Presence struct {
	UserID     uuid.UUID      `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	IsOnline   bool           `json:"is_online"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type TypingIndicator struct {
	UserID      uuid.UUID `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	IsTyping    bool      `json:"is_typing"`
	LastTypedAt time.Time `json:"last_typed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Live reports whether the indicator still counts at instant now.
func (t TypingIndicator) Live(now time.Time) bool {
	return t.IsTyping && t.ExpiresAt.After(now)
}
