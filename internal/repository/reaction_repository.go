package repository

import (
	"context"
	"errors"

	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// toggleAttempts bounds the insert/delete loop when concurrent toggles on the
// same key keep racing each other.
const toggleAttempts = 3

var errToggleContention = errors.New("reaction toggle kept conflicting")

type ReactionRepository struct {
	db *gorm.DB
}

func NewReactionRepository(db *gorm.DB) *ReactionRepository {
	return &ReactionRepository{db: db}
}

// Toggle adds the (message, user, emoji) reaction if absent and removes it if
// present. The insert is conditional on the unique key so two racing toggles
// cannot both add.
func (r *ReactionRepository) Toggle(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	db := r.db.WithContext(ctx)

	for attempt := 0; attempt < toggleAttempts; attempt++ {
		reaction := models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "emoji"}},
			DoNothing: true,
		}).Create(&reaction)
		if res.Error != nil {
			return false, translate("insert reaction", res.Error)
		}
		if res.RowsAffected == 1 {
			return true, nil
		}

		// Row existed: remove it
		res = db.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&models.Reaction{})
		if res.Error != nil {
			return false, translate("delete reaction", res.Error)
		}
		if res.RowsAffected == 1 {
			return false, nil
		}
		// A concurrent toggle removed it between our insert and delete; try again
	}
	return false, translate("toggle reaction", errToggleContention)
}

// Count returns how many users reacted to messageID with emoji.
func (r *ReactionRepository) Count(ctx context.Context, messageID uuid.UUID, emoji string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Reaction{}).
		Where("message_id = ? AND emoji = ?", messageID, emoji).
		Count(&count).Error
	return count, translate("count reactions", err)
}

// ListGrouped aggregates reactions per emoji, ordered by first use.
func (r *ReactionRepository) ListGrouped(ctx context.Context, messageID uuid.UUID) ([]models.ReactionGroup, error) {
	var reactions []models.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, translate("list reactions", err)
	}

	groups := make([]models.ReactionGroup, 0)
	index := make(map[string]int)
	for _, reaction := range reactions {
		i, ok := index[reaction.Emoji]
		if !ok {
			i = len(groups)
			index[reaction.Emoji] = i
			groups = append(groups, models.ReactionGroup{Emoji: reaction.Emoji})
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, reaction.UserID)
	}
	return groups, nil
}
