package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	return translate("insert message", r.db.WithContext(ctx).Create(message).Error)
}

// GetByID returns apperr.ErrNotFound when no message has this id.
func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error
	if err != nil {
		return nil, translate("message", err)
	}
	return &message, nil
}

// Last returns the newest message of a channel, or nil for an empty channel.
func (r *MessageRepository) Last(ctx context.Context, channelID string) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("seq DESC").
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("last message", err)
	}
	return &message, nil
}

// ListBefore returns up to limit messages with seq below beforeSeq, newest
// first. beforeSeq <= 0 means "from the end of the log".
func (r *MessageRepository) ListBefore(ctx context.Context, channelID string, beforeSeq int64, limit int, omitDeleted bool) ([]models.Message, error) {
	q := r.db.WithContext(ctx).Where("channel_id = ?", channelID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}
	if omitDeleted {
		q = q.Where("deleted = ?", false)
	}

	var messages []models.Message
	err := q.Order("seq DESC").Limit(limit).Find(&messages).Error
	return messages, translate("list messages", err)
}

// ListReplies returns replies to parentID oldest first.
func (r *MessageRepository) ListReplies(ctx context.Context, parentID uuid.UUID) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("seq ASC").
		Find(&messages).Error
	return messages, translate("list replies", err)
}

// ApplyEdit replaces content on a live message. It returns apperr.ErrGone if
// the message was deleted after the caller loaded it.
func (r *MessageRepository) ApplyEdit(ctx context.Context, id uuid.UUID, content string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND deleted = ?", id, false).
		Updates(map[string]any{
			"content":        content,
			"edited":         true,
			"edit_count":     gorm.Expr("edit_count + 1"),
			"last_edited_at": at,
		})
	if res.Error != nil {
		return translate("edit message", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Gone("message")
	}
	return nil
}

// MarkDeleted soft-deletes a live message. A message that is already deleted
// yields apperr.ErrGone.
func (r *MessageRepository) MarkDeleted(ctx context.Context, id, by uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND deleted = ?", id, false).
		Updates(map[string]any{
			"deleted":    true,
			"deleted_at": at,
			"deleted_by": by,
		})
	if res.Error != nil {
		return translate("delete message", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Gone("message")
	}
	return nil
}

func (r *MessageRepository) AppendHistory(ctx context.Context, entry *models.EditHistory) error {
	return translate("insert edit history", r.db.WithContext(ctx).Create(entry).Error)
}

// ListHistory returns edit history oldest first.
func (r *MessageRepository) ListHistory(ctx context.Context, messageID uuid.UUID) ([]models.EditHistory, error) {
	var entries []models.EditHistory
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("revision ASC").
		Find(&entries).Error
	return entries, translate("list edit history", err)
}
