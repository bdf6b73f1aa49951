package repository

import (
	"context"
	"time"

	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MentionRepository struct {
	db *gorm.DB
}

func NewMentionRepository(db *gorm.DB) *MentionRepository {
	return &MentionRepository{db: db}
}

// CreateBatch bulk inserts mention rows.
func (r *MentionRepository) CreateBatch(ctx context.Context, mentions []models.Mention) error {
	if len(mentions) == 0 {
		return nil
	}
	return translate("insert mentions", r.db.WithContext(ctx).CreateInBatches(mentions, 500).Error)
}

// MarkRead flips is_read for the mention's recipient. Repeated calls and
// calls by anyone other than the recipient change nothing.
func (r *MentionRepository) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (bool, error) {
	db := r.db.WithContext(ctx)

	res := db.Model(&models.Mention{}).
		Where("id = ? AND mentioned_user_id = ? AND is_read = ?", id, userID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": at,
		})
	if res.Error != nil {
		return false, translate("mark mention read", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var mention models.Mention
	if err := db.Select("id").Where("id = ?", id).First(&mention).Error; err != nil {
		return false, translate("mention", err)
	}
	return false, nil
}

func (r *MentionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Mention, error) {
	var mention models.Mention
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&mention).Error; err != nil {
		return nil, translate("mention", err)
	}
	return &mention, nil
}

// ListForUser returns a user's mentions newest first.
func (r *MentionRepository) ListForUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]models.Mention, error) {
	q := r.db.WithContext(ctx).Where("mentioned_user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}

	var mentions []models.Mention
	err := q.Order("created_at DESC").Limit(limit).Find(&mentions).Error
	return mentions, translate("list mentions", err)
}

func (r *MentionRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]models.Mention, error) {
	var mentions []models.Mention
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&mentions).Error
	return mentions, translate("list mentions", err)
}
