package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reaction is keyed by (message, user, emoji); the unique index is what
// makes toggling a single conditional write.
type Reaction struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_reactions_toggle,priority:1" json:"message_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_reactions_toggle,priority:2" json:"user_id"`
	Emoji     string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_reactions_toggle,priority:3" json:"emoji"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (r *Reaction) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// ReactionGroup aggregates reactions of one emoji on a message.
type ReactionGroup struct {
	Emoji   string      `json:"emoji"`
	Count   int         `json:"count"`
	UserIDs []uuid.UUID `json:"user_ids"`
}

type Mention struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_mentions_message_user,priority:1" json:"message_id"`
	ChannelID         string     `gorm:"type:varchar(64);not null" json:"channel_id"`
	MentionedUserID   uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_mentions_message_user,priority:2" json:"mentioned_user_id"`
	MentionedByUserID uuid.UUID  `gorm:"type:uuid;not null" json:"mentioned_by_user_id"`
	IsRead            bool       `gorm:"not null;default:false;index" json:"is_read"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
}

func (m *Mention) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
