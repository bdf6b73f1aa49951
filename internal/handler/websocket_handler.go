package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/metrics"
	"github.com/Baaaki/chatcore/internal/middleware"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/service"
	"github.com/Baaaki/chatcore/internal/session"
	"github.com/Baaaki/chatcore/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxSessionLifetime = 15 * time.Minute
	writeWait          = 10 * time.Second // Time allowed to write a message to the peer
	pongWait           = 60 * time.Second
	pingPeriod         = pongWait / 3 // 20 seconds, inside the presence window
	maxMessageSize     = 512 * 1024   // 512 KB
)

type WSCommandType string

const (
	WSSubscribe       WSCommandType = "subscribe"
	WSUnsubscribe     WSCommandType = "unsubscribe"
	WSPostMessage     WSCommandType = "post_message"
	WSEditMessage     WSCommandType = "edit_message"
	WSDeleteMessage   WSCommandType = "delete_message"
	WSToggleReaction  WSCommandType = "toggle_reaction"
	WSSetTyping       WSCommandType = "set_typing"
	WSHeartbeat       WSCommandType = "heartbeat"
	WSMarkMentionRead WSCommandType = "mark_mention_read"
)

// Reply frame types.
const (
	FrameAck            = "ack"
	FrameError          = "error"
	FrameEvent          = "event"
	FrameDeleteRejected = "delete_rejected"
	FrameSessionExpired = "session_expired"
)

type WSRequest struct {
	Type      WSCommandType `json:"type"`
	RequestID string        `json:"request_id,omitempty"`

	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	MentionID string `json:"mention_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`

	Content         string             `json:"content,omitempty"`
	Kind            models.MessageKind `json:"kind,omitempty"`
	MediaRef        *string            `json:"media_ref,omitempty"`
	VoiceDurationMs *int               `json:"voice_duration_ms,omitempty"`
	Mentions        []string           `json:"mentions,omitempty"`

	Emoji    string                `json:"emoji,omitempty"`
	IsTyping bool                  `json:"is_typing,omitempty"`
	Status   models.PresenceStatus `json:"status,omitempty"`
}

type WSResponse struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`

	Event *broker.Event `json:"event,omitempty"`

	// Authoritative copy of the message on delete_rejected
	Message *models.Message `json:"message,omitempty"`
}

var (
	errSessionExpired = errors.New("session expired")
	errRateLimited    = errors.New("too many commands, slow down")
	errUnknownCommand = errors.New("unknown command")
)

type WebSocketHandler struct {
	svc      Services
	sessions *session.Manager
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler accepts upgrades from allowedOrigins. "*" allows any
// origin; requests without an Origin header (non-browser clients) are
// always allowed.
func NewWebSocketHandler(
	svc Services,
	sessions *session.Manager,
	allowedOrigins []string,
	timeout time.Duration,
	m *metrics.Metrics,
	log *zap.Logger,
) *WebSocketHandler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &WebSocketHandler{
		svc:      svc,
		sessions: sessions,
		timeout:  timeout,
		metrics:  m,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[strings.TrimRight(origin, "/")]
	}
}

// conn serializes writes: acks come from the read loop, events from the
// write loop.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// GET /api/ws
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	claimsValue, exists := c.Get(middleware.ContextClaims)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorBody(apperr.Permission("authentication required"))})
		return
	}
	claims, ok := claimsValue.(*utils.Claims)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody(errors.New("invalid claims"))})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	cn := &conn{ws: ws}

	sess, err := h.sessions.Open(c.Request.Context(), claims.UserID, claims.Role)
	if err != nil {
		h.log.Error("Session open failed", zap.Error(err))
		cn.writeJSON(WSResponse{Type: FrameError, Error: errorBody(err)})
		ws.Close()
		return
	}

	lifetime := maxSessionLifetime
	if claims.ExpiresAt != nil {
		if untilExpiry := time.Until(claims.ExpiresAt.Time); untilExpiry < lifetime {
			lifetime = untilExpiry
		}
	}
	expiry := time.AfterFunc(lifetime, func() {
		h.sessions.Close(context.Background(), sess, errSessionExpired)
	})
	defer expiry.Stop()

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(cn, sess, readerDone)
	}()

	h.readLoop(cn, sess)
	close(readerDone)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	h.sessions.Close(ctx, sess, nil)
	cancel()
	<-writerDone
	ws.Close()
}

// writeLoop drains the session's event buffer onto the socket and keeps the
// connection alive with pings. It returns when the session closes or the
// read side goes away.
func (h *WebSocketHandler) writeLoop(cn *conn, sess *session.Session, readerDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sess.Events():
			if err := cn.writeJSON(WSResponse{Type: FrameEvent, Event: &ev}); err != nil {
				h.log.Debug("Event write failed",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
				cn.ws.Close()
				return
			}

		case <-ticker.C:
			if err := cn.writeControl(websocket.PingMessage, nil); err != nil {
				cn.ws.Close()
				return
			}

		case <-sess.Done():
			h.closeGracefully(cn, sess.Err())
			return

		case <-readerDone:
			return
		}
	}
}

func (h *WebSocketHandler) closeGracefully(cn *conn, reason error) {
	code, text := websocket.CloseNormalClosure, "bye"
	switch {
	case errors.Is(reason, errSessionExpired):
		cn.writeJSON(WSResponse{Type: FrameSessionExpired, Error: &ErrorBody{
			Code:     "session_expired",
			Category: string(apperr.CategoryForbidden),
			Message:  "session expired, reconnect with a fresh token",
		}})
		text = reason.Error()
	case errors.Is(reason, apperr.ErrDeliveryFailed):
		code, text = websocket.CloseTryAgainLater, "too slow to keep up"
	case reason != nil:
		code, text = websocket.CloseGoingAway, reason.Error()
	}
	cn.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	// unblocks the read loop
	cn.ws.Close()
}

func (h *WebSocketHandler) readLoop(cn *conn, sess *session.Session) {
	cn.ws.SetReadLimit(maxMessageSize)
	cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		// an open socket keeps the user present without heartbeat commands
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.sessions.KeepAlive(ctx, sess); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			h.log.Debug("Presence refresh on pong failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		}
		return nil
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("WebSocket read error",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
			}
			return
		}
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req WSRequest
		if err := json.Unmarshal(data, &req); err != nil {
			cn.writeJSON(WSResponse{Type: FrameError, Error: errorBody(apperr.Validation("malformed command"))})
			continue
		}

		if !sess.Allow() {
			h.metrics.RateLimited()
			h.metrics.Command(string(req.Type), "rate_limited")
			cn.writeJSON(WSResponse{
				Type:      FrameError,
				RequestID: req.RequestID,
				Error:     &ErrorBody{Code: "rate_limited", Category: string(apperr.CategoryUnavailable), Message: errRateLimited.Error()},
			})
			continue
		}

		cn.writeJSON(h.dispatch(sess, req))
	}
}

// dispatch runs one command and builds its reply.
func (h *WebSocketHandler) dispatch(sess *session.Session, req WSRequest) WSResponse {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if req.Type == WSDeleteMessage {
		return h.handleDelete(ctx, sess, req)
	}

	result, err := h.execute(ctx, sess, req)
	if err != nil {
		h.metrics.Command(string(req.Type), string(apperr.CategoryOf(err)))
		if apperr.CategoryOf(err) == apperr.CategoryInternal && !errors.Is(err, errUnknownCommand) {
			h.log.Error("Command failed",
				zap.String("session_id", sess.ID),
				zap.String("command", string(req.Type)),
				zap.Error(err),
			)
		}
		body := errorBody(err)
		if errors.Is(err, errUnknownCommand) {
			body = &ErrorBody{Code: "unknown_command", Category: string(apperr.CategoryInvalidInput), Message: err.Error()}
		}
		return WSResponse{Type: FrameError, RequestID: req.RequestID, Error: body}
	}

	h.metrics.Command(string(req.Type), "ok")
	return WSResponse{Type: FrameAck, RequestID: req.RequestID, Result: result}
}

func (h *WebSocketHandler) execute(ctx context.Context, sess *session.Session, req WSRequest) (any, error) {
	switch req.Type {
	case WSSubscribe:
		return h.handleSubscribe(ctx, sess, req)

	case WSUnsubscribe:
		h.sessions.Unsubscribe(ctx, sess, req.ChannelID)
		return gin.H{"channel_id": models.NormalizeChannel(req.ChannelID)}, nil

	case WSPostMessage:
		return h.handlePost(ctx, sess, req)

	case WSEditMessage:
		id, err := parseID("message_id", req.MessageID)
		if err != nil {
			return nil, err
		}
		return h.svc.Messages.EditMessage(ctx, id, sess.UserID, req.Content)

	case WSToggleReaction:
		id, err := parseID("message_id", req.MessageID)
		if err != nil {
			return nil, err
		}
		return h.svc.Reactions.ToggleReaction(ctx, id, sess.UserID, req.Emoji)

	case WSSetTyping:
		channelID, err := models.ParseChannel(req.ChannelID)
		if err != nil {
			return nil, err
		}
		if err := h.svc.Typing.SetTyping(ctx, sess.UserID, channelID, req.IsTyping); err != nil {
			return nil, err
		}
		return gin.H{"channel_id": channelID, "is_typing": req.IsTyping}, nil

	case WSHeartbeat:
		status := req.Status
		if status == "" {
			status = models.StatusOnline
		}
		if err := h.sessions.Touch(ctx, sess, status); err != nil {
			return nil, err
		}
		return gin.H{"status": status}, nil

	case WSMarkMentionRead:
		id, err := parseID("mention_id", req.MentionID)
		if err != nil {
			return nil, err
		}
		return h.svc.Mentions.MarkRead(ctx, id, sess.UserID)

	default:
		return nil, errUnknownCommand
	}
}

// handleSubscribe subscribes first and then loads the latest page, so
// nothing posted in between is missed; the client dedupes the overlap by id.
func (h *WebSocketHandler) handleSubscribe(ctx context.Context, sess *session.Session, req WSRequest) (any, error) {
	channelID, err := models.ParseChannel(req.ChannelID)
	if err != nil {
		return nil, err
	}
	if _, err := h.sessions.Subscribe(ctx, sess, channelID); err != nil {
		return nil, err
	}
	messages, err := h.svc.Messages.ListMessages(ctx, channelID, service.ListOptions{})
	if err != nil {
		return nil, err
	}
	return gin.H{"channel_id": channelID, "messages": messages}, nil
}

func (h *WebSocketHandler) handlePost(ctx context.Context, sess *session.Session, req WSRequest) (any, error) {
	parentID, err := parseOptionalID("parent_id", req.ParentID)
	if err != nil {
		return nil, err
	}
	in := service.PostInput{
		ChannelID:       req.ChannelID,
		AuthorID:        sess.UserID,
		Content:         req.Content,
		Kind:            req.Kind,
		MediaRef:        req.MediaRef,
		VoiceDurationMs: req.VoiceDurationMs,
		ParentID:        parentID,
	}
	for _, raw := range req.Mentions {
		id, err := parseID("mentions", raw)
		if err != nil {
			return nil, err
		}
		in.Mentions = append(in.Mentions, id)
	}
	return h.svc.Messages.PostMessage(ctx, in)
}

// handleDelete replies delete_rejected with the authoritative message when
// the delete cannot be applied, so an optimistic client can restore it.
func (h *WebSocketHandler) handleDelete(ctx context.Context, sess *session.Session, req WSRequest) WSResponse {
	id, err := parseID("message_id", req.MessageID)
	if err != nil {
		h.metrics.Command(string(req.Type), string(apperr.CategoryOf(err)))
		return WSResponse{Type: FrameError, RequestID: req.RequestID, Error: errorBody(err)}
	}

	deleted, err := h.svc.Messages.SoftDelete(ctx, id, sess.UserID, moderatorCapability(sess.Role))
	if err == nil {
		h.metrics.Command(string(req.Type), "ok")
		return WSResponse{Type: FrameAck, RequestID: req.RequestID, Result: deleted}
	}

	h.metrics.Command(string(req.Type), string(apperr.CategoryOf(err)))
	resp := WSResponse{Type: FrameDeleteRejected, RequestID: req.RequestID, Error: errorBody(err)}
	if current, getErr := h.svc.Messages.GetMessage(ctx, id); getErr == nil {
		resp.Message = current
	}
	return resp
}
