package models

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CommunityChannel is the id of the global channel every user can join.
const CommunityChannel = "community"

// MaxChannelIDLength matches the varchar(64) channel_id columns.
const MaxChannelIDLength = 64

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVoice MessageKind = "voice"
	KindFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVoice, KindFile:
		return true
	}
	return false
}

// HasMedia reports whether messages of this kind must carry a media_ref.
func (k MessageKind) HasMedia() bool {
	return k == KindImage || k == KindVoice || k == KindFile
}

type Message struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChannelID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_messages_channel_seq,priority:1" json:"channel_id"`
	// Seq is the position of the message in its channel's log.
	Seq             int64       `gorm:"not null;uniqueIndex:idx_messages_channel_seq,priority:2" json:"seq"`
	AuthorID        uuid.UUID   `gorm:"type:uuid;not null;index" json:"author_id"`
	Content         string      `gorm:"type:text;not null" json:"content"`
	Kind            MessageKind `gorm:"type:varchar(10);not null" json:"kind"`
	MediaRef        *string     `gorm:"type:text" json:"media_ref,omitempty"`
	VoiceDurationMs *int        `json:"voice_duration_ms,omitempty"`
	ParentID        *uuid.UUID  `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`

	// Edit tracking
	Edited       bool       `gorm:"not null;default:false" json:"edited"`
	EditCount    int        `gorm:"not null;default:0" json:"edit_count"`
	LastEditedAt *time.Time `json:"last_edited_at,omitempty"`

	// Soft delete fields. Rows are never removed.
	Deleted   bool       `gorm:"not null;default:false;index" json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy *uuid.UUID `gorm:"type:uuid" json:"deleted_by,omitempty"`
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Redacted returns the message as every reader sees it. Deleted messages
// keep their identity, position and thread link but lose their payload.
func (m Message) Redacted() Message {
	if !m.Deleted {
		return m
	}
	m.Content = ""
	m.MediaRef = nil
	m.VoiceDurationMs = nil
	return m
}

// EditHistory is an append-only record of a message's content before an edit.
type EditHistory struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID       uuid.UUID `gorm:"type:uuid;not null;index" json:"message_id"`
	Revision        int       `gorm:"not null" json:"revision"`
	PreviousContent string    `gorm:"type:text;not null" json:"previous_content"`
	EditedBy        uuid.UUID `gorm:"type:uuid;not null" json:"edited_by"`
	EditedAt        time.Time `gorm:"not null" json:"edited_at"`
}

func (EditHistory) TableName() string {
	return "message_edit_history"
}

func (e *EditHistory) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// NormalizeChannel maps the empty channel id onto the community channel.
func NormalizeChannel(channelID string) string {
	if channelID == "" {
		return CommunityChannel
	}
	return channelID
}

// ParseChannel normalizes channelID and rejects ids the channel_id columns
// cannot hold.
func ParseChannel(channelID string) (string, error) {
	channelID = NormalizeChannel(channelID)
	if !utf8.ValidString(channelID) {
		return "", apperr.Validation("channel id must be valid UTF-8")
	}
	if utf8.RuneCountInString(channelID) > MaxChannelIDLength {
		return "", apperr.Validation("channel id too long (max %d characters)", MaxChannelIDLength)
	}
	if strings.IndexFunc(channelID, unicode.IsControl) >= 0 {
		return "", apperr.Validation("channel id cannot contain control characters")
	}
	return channelID, nil
}
