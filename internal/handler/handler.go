// Package handler exposes the chat services over REST and WebSocket.
package handler

import (
	"context"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/service"
	"github.com/Baaaki/chatcore/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 5 * time.Second

type TypingStore interface {
	SetTyping(ctx context.Context, userID uuid.UUID, channelID string, isTyping bool) error
	ListTypingUsers(ctx context.Context, channelID string, exclude uuid.UUID) ([]uuid.UUID, error)
}

type PresenceReader interface {
	ListOnline(ctx context.Context) ([]models.Presence, error)
}

// Services bundles what the handlers call into.
type Services struct {
	Messages  *service.MessageService
	Reactions *service.ReactionService
	Mentions  *service.MentionService
	Typing    TypingStore
	Presence  PresenceReader
}

// ErrorBody is the wire shape of every error reply.
type ErrorBody struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

func errorBody(err error) *ErrorBody {
	category := string(apperr.CategoryOf(err))
	return &ErrorBody{
		Code:     category,
		Category: category,
		Message:  apperr.PublicMessage(err),
	}
}

func writeError(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		logger.WithContext(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody(err)})
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("%s must be a UUID", field)
	}
	return id, nil
}

func parseOptionalID(field, raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseID(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// moderatorCapability lets moderators and admins delete any message.
func moderatorCapability(role models.Role) service.CapabilityFunc {
	return func(context.Context, uuid.UUID, *models.Message) bool {
		return role.CanModerate()
	}
}
