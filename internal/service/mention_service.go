package service

import (
	"context"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
)

type MentionService struct {
	messages *MessageService
}

func NewMentionService(messages *MessageService) *MentionService {
	return &MentionService{messages: messages}
}

// ListMentions returns the user's mentions newest first.
func (s *MentionService) ListMentions(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]models.Mention, error) {
	limit, err := pageSize(limit)
	if err != nil {
		return nil, err
	}
	return read(ctx, func(ctx context.Context) ([]models.Mention, error) {
		return s.messages.store.Mentions.ListForUser(ctx, userID, unreadOnly, limit)
	})
}

// MarkRead marks a mention read for its recipient. Marking an already read
// mention succeeds without changing read_at.
func (s *MentionService) MarkRead(ctx context.Context, mentionID, userID uuid.UUID) (*models.Mention, error) {
	store := s.messages.store
	if _, err := read(ctx, func(ctx context.Context) (bool, error) {
		return store.Mentions.MarkRead(ctx, mentionID, userID, s.messages.timestamp())
	}); err != nil {
		return nil, err
	}

	mention, err := store.Mentions.GetByID(ctx, mentionID)
	if err != nil {
		return nil, err
	}
	if mention.MentionedUserID != userID {
		return nil, apperr.Permission("mention belongs to another user")
	}
	return mention, nil
}

// ListForMessage returns every mention a message created, for moderators
// reviewing who was notified.
func (s *MentionService) ListForMessage(ctx context.Context, messageID uuid.UUID) ([]models.Mention, error) {
	if _, err := s.messages.load(ctx, messageID); err != nil {
		return nil, err
	}
	return read(ctx, func(ctx context.Context) ([]models.Mention, error) {
		return s.messages.store.Mentions.ListByMessage(ctx, messageID)
	})
}
