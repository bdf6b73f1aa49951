package handler

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/middleware"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BanList interface {
	BanIP(ctx context.Context, ip string) error
	UnbanIP(ctx context.Context, ip string) error
	IsIPBanned(ctx context.Context, ip string) (bool, error)
}

// ChannelStats reports this node's view of the fan-out broker.
type ChannelStats interface {
	SessionCount() int
	SubscriberCount(channelID string) int
}

// ModerationHandler serves the moderator-only routes.
type ModerationHandler struct {
	svc     Services
	bans    BanList
	stats   ChannelStats
	timeout time.Duration
	log     *zap.Logger
}

func NewModerationHandler(svc Services, bans BanList, stats ChannelStats, timeout time.Duration, log *zap.Logger) *ModerationHandler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ModerationHandler{svc: svc, bans: bans, stats: stats, timeout: timeout, log: log}
}

// Register mounts the routes on an authenticated group and guards them
// with RequireModerator.
func (h *ModerationHandler) Register(r gin.IRouter) {
	mod := r.Group("/moderation", middleware.RequireModerator())
	mod.POST("/bans/:ip", h.BanIP)
	mod.DELETE("/bans/:ip", h.UnbanIP)
	mod.DELETE("/messages/:id", h.DeleteMessage)
	mod.GET("/messages/:id/mentions", h.ListMessageMentions)
	mod.GET("/channels/:id/stats", h.ChannelStats)
}

func (h *ModerationHandler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func parseIP(raw string) (string, error) {
	ip := net.ParseIP(raw)
	if ip == nil {
		return "", apperr.Validation("%q is not an IP address", raw)
	}
	return ip.String(), nil
}

// POST /api/moderation/bans/:ip
func (h *ModerationHandler) BanIP(c *gin.Context) {
	ip, err := parseIP(c.Param("ip"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.bans.BanIP(ctx, ip); err != nil {
		writeError(c, h.log, apperr.Transient("ban ip", err))
		return
	}

	logger.WithContext(c.Request.Context(), h.log).Info("IP banned",
		zap.String("moderator_id", middleware.CurrentUser(c).String()),
		zap.String("ip", ip),
	)
	c.JSON(http.StatusOK, gin.H{"ip": ip, "banned": true})
}

// DELETE /api/moderation/bans/:ip
func (h *ModerationHandler) UnbanIP(c *gin.Context) {
	ip, err := parseIP(c.Param("ip"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	banned, err := h.bans.IsIPBanned(ctx, ip)
	if err != nil {
		writeError(c, h.log, apperr.Transient("check ban", err))
		return
	}
	if !banned {
		writeError(c, h.log, apperr.NotFound("ban"))
		return
	}
	if err := h.bans.UnbanIP(ctx, ip); err != nil {
		writeError(c, h.log, apperr.Transient("unban ip", err))
		return
	}

	logger.WithContext(c.Request.Context(), h.log).Info("IP unbanned",
		zap.String("moderator_id", middleware.CurrentUser(c).String()),
		zap.String("ip", ip),
	)
	c.JSON(http.StatusOK, gin.H{"ip": ip, "banned": false})
}

// DELETE /api/moderation/messages/:id
func (h *ModerationHandler) DeleteMessage(c *gin.Context) {
	id, err := parseID("message id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	deleted, err := h.svc.Messages.SoftDelete(ctx, id, middleware.CurrentUser(c), moderatorCapability(middleware.CurrentRole(c)))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, deleted)
}

// GET /api/moderation/messages/:id/mentions
func (h *ModerationHandler) ListMessageMentions(c *gin.Context) {
	id, err := parseID("message id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	mentions, err := h.svc.Mentions.ListForMessage(ctx, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mentions": mentions, "count": len(mentions)})
}

// GET /api/moderation/channels/:id/stats
func (h *ModerationHandler) ChannelStats(c *gin.Context) {
	channelID, err := models.ParseChannel(c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel_id":  channelID,
		"subscribers": h.stats.SubscriberCount(channelID),
		"sessions":    h.stats.SessionCount(),
	})
}
