package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/middleware"
	"github.com/Baaaki/chatcore/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChatHandler serves the read side of the chat plus mention acknowledgement.
type ChatHandler struct {
	svc     Services
	timeout time.Duration
	log     *zap.Logger
}

func NewChatHandler(svc Services, timeout time.Duration, log *zap.Logger) *ChatHandler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{svc: svc, timeout: timeout, log: log}
}

// Register mounts the routes on an authenticated group.
func (h *ChatHandler) Register(r gin.IRoutes) {
	r.GET("/channels/:id/messages", h.ListMessages)
	r.GET("/channels/:id/typing", h.ListTyping)
	r.GET("/messages/:id", h.GetMessage)
	r.GET("/messages/:id/replies", h.ListReplies)
	r.GET("/messages/:id/history", h.ListHistory)
	r.GET("/messages/:id/reactions", h.ListReactions)
	r.GET("/presence/online", h.ListOnline)
	r.GET("/mentions", h.ListMentions)
	r.POST("/mentions/:id/read", h.MarkMentionRead)
}

func (h *ChatHandler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("%s must be a boolean", name)
	}
	return b, nil
}

// GET /api/channels/:id/messages?limit=&before=&omit_deleted=
func (h *ChatHandler) ListMessages(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	before, err := parseOptionalID("before", c.Query("before"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	omitDeleted, err := queryBool(c, "omit_deleted")
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	messages, err := h.svc.Messages.ListMessages(ctx, c.Param("id"), service.ListOptions{
		Limit:       limit,
		Before:      before,
		OmitDeleted: omitDeleted,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	pageSize := limit
	if pageSize <= 0 {
		pageSize = service.DefaultPageSize
	} else if pageSize > service.MaxPageSize {
		pageSize = service.MaxPageSize
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
		"has_more": len(messages) == pageSize,
	})
}

// GET /api/messages/:id
func (h *ChatHandler) GetMessage(c *gin.Context) {
	id, err := parseID("message id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	msg, err := h.svc.Messages.GetMessage(ctx, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// GET /api/messages/:id/replies
func (h *ChatHandler) ListReplies(c *gin.Context) {
	id, err := parseID("message id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	replies, err := h.svc.Messages.ListReplies(ctx, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": replies, "count": len(replies)})
}

// GET /api/messages/:id/history
func (h *ChatHandler) ListHistory(c *gin.Context) {
	id, err := parseID("message id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	history, err := h.svc.Messages.ListEditHistory(ctx, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// GET /api/messages/:id/reactions
func (h *ChatHandler) ListReactions(c *gin.Context) {
	id, err := parseID("message id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	groups, err := h.svc.Reactions.ListReactions(ctx, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": groups})
}

// GET /api/channels/:id/typing lists who else is typing.
func (h *ChatHandler) ListTyping(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	users, err := h.svc.Typing.ListTypingUsers(ctx, c.Param("id"), middleware.CurrentUser(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": users})
}

// GET /api/presence/online
func (h *ChatHandler) ListOnline(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	online, err := h.svc.Presence.ListOnline(ctx)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": online, "count": len(online)})
}

// GET /api/mentions?unread=true&limit=
func (h *ChatHandler) ListMentions(c *gin.Context) {
	unread, err := queryBool(c, "unread")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	mentions, err := h.svc.Mentions.ListMentions(ctx, middleware.CurrentUser(c), unread, limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mentions": mentions, "count": len(mentions)})
}

// POST /api/mentions/:id/read
func (h *ChatHandler) MarkMentionRead(c *gin.Context) {
	id, err := parseID("mention id", c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	mention, err := h.svc.Mentions.MarkRead(ctx, id, middleware.CurrentUser(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, mention)
}
