package service

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
)

const (
	MaxContentLength = 5000
	MaxEmojiLength   = 32
	DefaultPageSize  = 50
	MaxPageSize      = 100
)

// validateContent trims content and enforces the length limit. Empty
// content is allowed only when the message carries media.
func validateContent(content string, hasMedia bool) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && !hasMedia {
		return "", apperr.Validation("content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", apperr.Validation("message too long (max %d characters)", MaxContentLength)
	}
	return content, nil
}

func validateEmoji(emoji string) error {
	if emoji == "" {
		return apperr.Validation("emoji is required")
	}
	if utf8.RuneCountInString(emoji) > MaxEmojiLength {
		return apperr.Validation("emoji too long (max %d characters)", MaxEmojiLength)
	}
	if strings.IndexFunc(emoji, unicode.IsSpace) >= 0 {
		return apperr.Validation("emoji cannot contain whitespace")
	}
	return nil
}

func validateKind(in *PostInput) error {
	if in.Kind == "" {
		in.Kind = models.KindText
	}
	if !in.Kind.Valid() {
		return apperr.Validation("unknown message kind %q", in.Kind)
	}
	if in.MediaRef != nil && strings.TrimSpace(*in.MediaRef) == "" {
		in.MediaRef = nil
	}
	if in.Kind.HasMedia() && in.MediaRef == nil {
		return apperr.Validation("%s messages require media_ref", in.Kind)
	}
	if in.VoiceDurationMs != nil {
		if in.Kind != models.KindVoice {
			return apperr.Validation("voice_duration_ms is only valid for voice messages")
		}
		if *in.VoiceDurationMs < 0 {
			return apperr.Validation("voice_duration_ms cannot be negative")
		}
	}
	return nil
}

// distinctUsers drops nil ids and duplicates, keeping first-seen order.
func distinctUsers(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func pageSize(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, apperr.Validation("limit cannot be negative")
	case limit == 0:
		return DefaultPageSize, nil
	case limit > MaxPageSize:
		return MaxPageSize, nil
	default:
		return limit, nil
	}
}
