package service

import (
	"context"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
)

// ToggleResult is the state of one (message, user, emoji) reaction after a
// toggle.
type ToggleResult struct {
	MessageID uuid.UUID `json:"message_id"`
	Emoji     string    `json:"emoji"`
	Added     bool      `json:"added"`
	Count     int64     `json:"count"`
}

// ReactionService shares the message service's channel locks so reaction
// events are ordered with the channel's message events.
type ReactionService struct {
	messages *MessageService
}

func NewReactionService(messages *MessageService) *ReactionService {
	return &ReactionService{messages: messages}
}

// ToggleReaction flips the user's reaction on a live message and announces
// the new count.
func (s *ReactionService) ToggleReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (*ToggleResult, error) {
	if err := validateEmoji(emoji); err != nil {
		return nil, err
	}
	if userID == uuid.Nil {
		return nil, apperr.Validation("user id is required")
	}

	msg, err := s.messages.load(ctx, messageID)
	if err != nil {
		return nil, err
	}

	lock := s.messages.locks.lock(msg.ChannelID)
	defer lock.unlock()

	store := s.messages.store
	msg, err = store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, apperr.Gone("message")
	}

	// Toggle is not idempotent and runs exactly once
	added, err := store.Reactions.Toggle(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}

	count, err := read(ctx, func(ctx context.Context) (int64, error) {
		return store.Reactions.Count(ctx, messageID, emoji)
	})
	if err != nil {
		return nil, err
	}

	s.messages.publish(ctx, msg.ChannelID, broker.Event{
		Type: broker.EventReactionChanged,
		Reaction: &broker.ReactionChange{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
			Added:     added,
			Count:     count,
		},
	})

	return &ToggleResult{MessageID: messageID, Emoji: emoji, Added: added, Count: count}, nil
}

// ListReactions groups a message's reactions by emoji in first-use order.
func (s *ReactionService) ListReactions(ctx context.Context, messageID uuid.UUID) ([]models.ReactionGroup, error) {
	if _, err := s.messages.load(ctx, messageID); err != nil {
		return nil, err
	}
	return read(ctx, func(ctx context.Context) ([]models.ReactionGroup, error) {
		return s.messages.store.Reactions.ListGrouped(ctx, messageID)
	})
}
