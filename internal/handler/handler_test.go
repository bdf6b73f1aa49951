package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/handler"
	"github.com/Baaaki/chatcore/internal/middleware"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/presence"
	"github.com/Baaaki/chatcore/internal/repository"
	"github.com/Baaaki/chatcore/internal/service"
	"github.com/Baaaki/chatcore/internal/session"
	"github.com/Baaaki/chatcore/internal/testutil"
	"github.com/Baaaki/chatcore/internal/typing"
	"github.com/Baaaki/chatcore/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

const testSecret = "handler-test-secret"

type HandlerTestSuite struct {
	suite.Suite
	ctx      context.Context
	hub      *broker.Hub
	svc      handler.Services
	sessions *session.Manager
	server   *httptest.Server
	bans     *middleware.RateLimiter
	alice    uuid.UUID
	bob      uuid.UUID
}

func (s *HandlerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.ctx = context.Background()

	testDB := testutil.SetupTestDatabase(s.T())
	testRedis := testutil.SetupTestRedis(s.T())

	s.hub = broker.NewHub()
	typingStore := typing.NewStore(testRedis.Client, s.hub, 5*time.Second)
	tracker := presence.NewTracker(testRedis.Client, s.hub, time.Minute)

	messages := service.NewMessageService(repository.NewStore(testDB.DB), s.hub)
	s.svc = handler.Services{
		Messages:  messages,
		Reactions: service.NewReactionService(messages),
		Mentions:  service.NewMentionService(messages),
		Typing:    typingStore,
		Presence:  tracker,
	}
	s.sessions = session.NewManager(s.hub, tracker, typingStore, session.WithCommandRate(100, 100))

	router := gin.New()
	router.Use(middleware.RequestLogger(nil))
	router.GET("/healthz", handler.NewHealthHandler(testDB.DB, testRedis.Client).Check)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(testSecret))
	handler.NewChatHandler(s.svc, time.Second, nil).Register(api)
	s.bans = middleware.NewRateLimiter(testRedis.Client, middleware.RateLimiterConfig{MaxRequests: 1000, Window: time.Minute}, nil)
	handler.NewModerationHandler(s.svc, s.bans, s.hub, time.Second, nil).Register(api)
	ws := handler.NewWebSocketHandler(s.svc, s.sessions, []string{"*"}, time.Second, nil, nil)
	api.GET("/ws", ws.HandleWebSocket)

	s.server = httptest.NewServer(router)
	s.T().Cleanup(func() {
		s.sessions.CloseAll(context.Background())
		s.server.Close()
	})

	s.alice = uuid.New()
	s.bob = uuid.New()
}

func (s *HandlerTestSuite) token(userID uuid.UUID, role models.Role) string {
	tok, err := utils.GenerateToken(userID, "user", role, testSecret, time.Hour)
	s.Require().NoError(err)
	return tok
}

func (s *HandlerTestSuite) get(userID uuid.UUID, path string, out any) int {
	return s.do(http.MethodGet, userID, path, out)
}

func (s *HandlerTestSuite) do(method string, userID uuid.UUID, path string, out any) int {
	return s.doAs(method, userID, models.RoleUser, path, out)
}

func (s *HandlerTestSuite) doAs(method string, userID uuid.UUID, role models.Role, path string, out any) int {
	req, err := http.NewRequest(method, s.server.URL+path, nil)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+s.token(userID, role))

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *HandlerTestSuite) post(author uuid.UUID, channel, content string, mentions ...uuid.UUID) *models.Message {
	msg, err := s.svc.Messages.PostMessage(s.ctx, service.PostInput{
		ChannelID: channel,
		AuthorID:  author,
		Content:   content,
		Mentions:  mentions,
	})
	s.Require().NoError(err)
	return msg
}

type errorReply struct {
	Error handler.ErrorBody `json:"error"`
}

func (s *HandlerTestSuite) TestHealthz() {
	resp, err := http.Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerTestSuite) TestListMessages_Paginates() {
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, s.post(s.alice, "general", fmt.Sprintf("m%d", i)).ID)
	}

	var page struct {
		Messages []models.Message `json:"messages"`
		Count    int              `json:"count"`
		HasMore  bool             `json:"has_more"`
	}
	s.Equal(http.StatusOK, s.get(s.bob, "/api/channels/general/messages?limit=2", &page))
	s.Require().Len(page.Messages, 2)
	s.True(page.HasMore)
	s.Equal(ids[3], page.Messages[0].ID)
	s.Equal(ids[4], page.Messages[1].ID)

	s.Equal(http.StatusOK, s.get(s.bob, "/api/channels/general/messages?limit=10&before="+ids[3].String(), &page))
	s.Len(page.Messages, 3)
	s.False(page.HasMore)
	s.Equal(ids[0], page.Messages[0].ID)
}

func (s *HandlerTestSuite) TestListMessages_RejectsBadQuery() {
	var reply errorReply
	s.Equal(http.StatusBadRequest, s.get(s.alice, "/api/channels/general/messages?limit=abc", &reply))
	s.Equal("invalid_input", reply.Error.Category)

	s.Equal(http.StatusBadRequest, s.get(s.alice, "/api/channels/general/messages?before=nope", &reply))
	s.Equal(http.StatusBadRequest, s.get(s.alice, "/api/channels/general/messages?limit=-1", &reply))
}

func (s *HandlerTestSuite) TestGetMessage() {
	msg := s.post(s.alice, "general", "hello")

	var got models.Message
	s.Equal(http.StatusOK, s.get(s.bob, "/api/messages/"+msg.ID.String(), &got))
	s.Equal("hello", got.Content)

	var reply errorReply
	s.Equal(http.StatusNotFound, s.get(s.bob, "/api/messages/"+uuid.NewString(), &reply))
	s.Equal("not_found", reply.Error.Category)
}

func (s *HandlerTestSuite) TestRepliesHistoryAndReactions() {
	root := s.post(s.alice, "general", "root")
	parent := root.ID
	_, err := s.svc.Messages.PostMessage(s.ctx, service.PostInput{
		ChannelID: "general", AuthorID: s.bob, Content: "reply", ParentID: &parent,
	})
	s.Require().NoError(err)
	_, err = s.svc.Messages.EditMessage(s.ctx, root.ID, s.alice, "root v2")
	s.Require().NoError(err)
	_, err = s.svc.Reactions.ToggleReaction(s.ctx, root.ID, s.bob, "👍")
	s.Require().NoError(err)

	var replies struct {
		Messages []models.Message `json:"messages"`
	}
	s.Equal(http.StatusOK, s.get(s.alice, "/api/messages/"+root.ID.String()+"/replies", &replies))
	s.Require().Len(replies.Messages, 1)
	s.Equal("reply", replies.Messages[0].Content)

	var history struct {
		History []models.EditHistory `json:"history"`
	}
	s.Equal(http.StatusOK, s.get(s.alice, "/api/messages/"+root.ID.String()+"/history", &history))
	s.Require().Len(history.History, 1)
	s.Equal("root", history.History[0].PreviousContent)

	var reactions struct {
		Reactions []models.ReactionGroup `json:"reactions"`
	}
	s.Equal(http.StatusOK, s.get(s.alice, "/api/messages/"+root.ID.String()+"/reactions", &reactions))
	s.Require().Len(reactions.Reactions, 1)
	s.Equal(1, reactions.Reactions[0].Count)
}

func (s *HandlerTestSuite) TestMentions_ListAndMarkRead() {
	s.post(s.alice, "general", "hey bob", s.bob)

	var list struct {
		Mentions []models.Mention `json:"mentions"`
		Count    int              `json:"count"`
	}
	s.Equal(http.StatusOK, s.get(s.bob, "/api/mentions?unread=true", &list))
	s.Require().Equal(1, list.Count)
	mentionID := list.Mentions[0].ID

	var reply errorReply
	s.Equal(http.StatusForbidden, s.do(http.MethodPost, s.alice, "/api/mentions/"+mentionID.String()+"/read", &reply))

	var mention models.Mention
	s.Equal(http.StatusOK, s.do(http.MethodPost, s.bob, "/api/mentions/"+mentionID.String()+"/read", &mention))
	s.True(mention.IsRead)

	s.Equal(http.StatusOK, s.get(s.bob, "/api/mentions?unread=true", &list))
	s.Zero(list.Count)
}

func (s *HandlerTestSuite) TestTypingAndPresence() {
	s.Require().NoError(s.svc.Typing.SetTyping(s.ctx, s.alice, "general", true))

	var typingReply struct {
		UserIDs []uuid.UUID `json:"user_ids"`
	}
	s.Equal(http.StatusOK, s.get(s.bob, "/api/channels/general/typing", &typingReply))
	s.Equal([]uuid.UUID{s.alice}, typingReply.UserIDs)

	s.Equal(http.StatusOK, s.get(s.alice, "/api/channels/general/typing", &typingReply))
	s.Empty(typingReply.UserIDs)

	sess, err := s.sessions.Open(s.ctx, s.alice, models.RoleUser)
	s.Require().NoError(err)
	defer s.sessions.Close(s.ctx, sess, nil)

	var online struct {
		Users []models.Presence `json:"users"`
		Count int               `json:"count"`
	}
	s.Equal(http.StatusOK, s.get(s.bob, "/api/presence/online", &online))
	s.Equal(1, online.Count)
	s.Equal(s.alice, online.Users[0].UserID)
}

func (s *HandlerTestSuite) TestUnauthenticated() {
	resp, err := http.Get(s.server.URL + "/api/channels/general/messages")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *HandlerTestSuite) TestModeration_RequiresModerator() {
	msg := s.post(s.alice, "general", "spam")

	var reply errorReply
	s.Equal(http.StatusForbidden, s.do(http.MethodDelete, s.bob, "/api/moderation/messages/"+msg.ID.String(), &reply))
	s.Equal(http.StatusForbidden, s.do(http.MethodPost, s.bob, "/api/moderation/bans/10.0.0.7", &reply))

	got, err := s.svc.Messages.GetMessage(s.ctx, msg.ID)
	s.Require().NoError(err)
	s.False(got.Deleted)
}

func (s *HandlerTestSuite) TestModeration_BanAndUnbanIP() {
	mod := uuid.New()

	var reply errorReply
	s.Equal(http.StatusBadRequest, s.doAs(http.MethodPost, mod, models.RoleModerator, "/api/moderation/bans/not-an-ip", &reply))
	s.Equal(http.StatusNotFound, s.doAs(http.MethodDelete, mod, models.RoleModerator, "/api/moderation/bans/10.0.0.7", &reply))

	var ban struct {
		IP     string `json:"ip"`
		Banned bool   `json:"banned"`
	}
	s.Equal(http.StatusOK, s.doAs(http.MethodPost, mod, models.RoleModerator, "/api/moderation/bans/10.0.0.7", &ban))
	s.True(ban.Banned)
	banned, err := s.bans.IsIPBanned(s.ctx, "10.0.0.7")
	s.Require().NoError(err)
	s.True(banned)

	s.Equal(http.StatusOK, s.doAs(http.MethodDelete, mod, models.RoleAdmin, "/api/moderation/bans/10.0.0.7", &ban))
	s.False(ban.Banned)
	banned, err = s.bans.IsIPBanned(s.ctx, "10.0.0.7")
	s.Require().NoError(err)
	s.False(banned)
}

func (s *HandlerTestSuite) TestModeration_DeleteAndAudit() {
	mod := uuid.New()
	msg := s.post(s.alice, "general", "hey bob", s.bob)

	var mentions struct {
		Mentions []models.Mention `json:"mentions"`
		Count    int              `json:"count"`
	}
	s.Equal(http.StatusOK, s.doAs(http.MethodGet, mod, models.RoleModerator, "/api/moderation/messages/"+msg.ID.String()+"/mentions", &mentions))
	s.Require().Equal(1, mentions.Count)
	s.Equal(s.bob, mentions.Mentions[0].MentionedUserID)

	var deleted models.Message
	s.Equal(http.StatusOK, s.doAs(http.MethodDelete, mod, models.RoleModerator, "/api/moderation/messages/"+msg.ID.String(), &deleted))
	s.True(deleted.Deleted)
	s.Empty(deleted.Content)
	s.Equal(mod, *deleted.DeletedBy)

	var reply errorReply
	s.Equal(http.StatusGone, s.doAs(http.MethodDelete, mod, models.RoleModerator, "/api/moderation/messages/"+msg.ID.String(), &reply))
	s.Equal(http.StatusNotFound, s.doAs(http.MethodGet, mod, models.RoleModerator, "/api/moderation/messages/"+uuid.NewString()+"/mentions", &reply))
}

func (s *HandlerTestSuite) TestModeration_ChannelStats() {
	sess, err := s.sessions.Open(s.ctx, s.alice, models.RoleUser)
	s.Require().NoError(err)
	defer s.sessions.Close(s.ctx, sess, nil)
	_, err = s.sessions.Subscribe(s.ctx, sess, "general")
	s.Require().NoError(err)

	var stats struct {
		ChannelID   string `json:"channel_id"`
		Subscribers int    `json:"subscribers"`
		Sessions    int    `json:"sessions"`
	}
	s.Equal(http.StatusOK, s.doAs(http.MethodGet, uuid.New(), models.RoleModerator, "/api/moderation/channels/general/stats", &stats))
	s.Equal("general", stats.ChannelID)
	s.Equal(1, stats.Subscribers)
	s.Equal(1, stats.Sessions)
}

// wsClient wraps a dialed connection and skips frames the test is not
// waiting for.
type wsClient struct {
	s    *HandlerTestSuite
	conn *websocket.Conn
}

func (s *HandlerTestSuite) dial(userID uuid.UUID, role models.Role) *wsClient {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/ws?token=" + s.token(userID, role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.Close() })
	return &wsClient{s: s, conn: conn}
}

func (c *wsClient) send(req map[string]any) {
	c.s.Require().NoError(c.conn.WriteJSON(req))
}

type frame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Result    json.RawMessage    `json:"result"`
	Error     *handler.ErrorBody `json:"error"`
	Event     *broker.Event      `json:"event"`
	Message   *models.Message    `json:"message"`
}

func (c *wsClient) next(match func(frame) bool) frame {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		c.s.Require().NoError(c.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func (c *wsClient) reply(requestID string) frame {
	return c.next(func(f frame) bool { return f.RequestID == requestID })
}

func (c *wsClient) event(t broker.EventType) broker.Event {
	f := c.next(func(f frame) bool { return f.Type == handler.FrameEvent && f.Event.Type == t })
	return *f.Event
}

func (s *HandlerTestSuite) TestWebSocket_PostReachesSubscribers() {
	earlier := s.post(s.bob, "general", "before you joined")

	alice := s.dial(s.alice, models.RoleUser)
	bob := s.dial(s.bob, models.RoleUser)

	alice.send(map[string]any{"type": "subscribe", "request_id": "a1", "channel_id": "general"})
	ack := alice.reply("a1")
	s.Require().Equal(handler.FrameAck, ack.Type)
	var page struct {
		ChannelID string           `json:"channel_id"`
		Messages  []models.Message `json:"messages"`
	}
	s.Require().NoError(json.Unmarshal(ack.Result, &page))
	s.Require().Len(page.Messages, 1)
	s.Equal(earlier.ID, page.Messages[0].ID)

	bob.send(map[string]any{"type": "subscribe", "request_id": "b1", "channel_id": "general"})
	s.Equal(handler.FrameAck, bob.reply("b1").Type)

	bob.send(map[string]any{
		"type":       "post_message",
		"request_id": "b2",
		"channel_id": "general",
		"content":    "hi alice",
		"mentions":   []string{s.alice.String()},
	})
	posted := bob.reply("b2")
	s.Require().Equal(handler.FrameAck, posted.Type, "%+v", posted.Error)
	var own models.Message
	s.Require().NoError(json.Unmarshal(posted.Result, &own))

	ev := alice.event(broker.EventMessageCreated)
	s.Equal(own.ID, ev.Message.ID)
	s.True(own.CreatedAt.Equal(ev.Message.CreatedAt))
	s.Equal("hi alice", ev.Message.Content)
	s.Equal(int64(2), ev.Message.Seq)

	mentions, err := s.svc.Mentions.ListMentions(s.ctx, s.alice, true, 0)
	s.Require().NoError(err)
	s.Len(mentions, 1)

	bob.send(map[string]any{
		"type":       "edit_message",
		"request_id": "b3",
		"message_id": own.ID.String(),
		"content":    "hi alice, edited",
	})
	edited := bob.reply("b3")
	s.Require().Equal(handler.FrameAck, edited.Type, "%+v", edited.Error)

	updated := alice.event(broker.EventMessageUpdated)
	s.Equal(own.ID, updated.Message.ID)
	s.Equal("hi alice, edited", updated.Message.Content)
	s.True(updated.Message.Edited)
	s.Equal(1, updated.Message.EditCount)

	var history struct {
		History []models.EditHistory `json:"history"`
	}
	s.Equal(http.StatusOK, s.get(s.alice, "/api/messages/"+own.ID.String()+"/history", &history))
	s.Require().Len(history.History, 1)
	s.Equal("hi alice", history.History[0].PreviousContent)
	s.Equal(s.bob, history.History[0].EditedBy)
}

func (s *HandlerTestSuite) TestWebSocket_ReactionAndTypingEvents() {
	msg := s.post(s.alice, "general", "react to me")
	alice := s.dial(s.alice, models.RoleUser)
	bob := s.dial(s.bob, models.RoleUser)

	alice.send(map[string]any{"type": "subscribe", "request_id": "a1", "channel_id": "general"})
	alice.reply("a1")

	bob.send(map[string]any{"type": "toggle_reaction", "request_id": "b1", "message_id": msg.ID.String(), "emoji": "🎉"})
	s.Equal(handler.FrameAck, bob.reply("b1").Type)
	reaction := alice.event(broker.EventReactionChanged)
	s.True(reaction.Reaction.Added)
	s.Equal(int64(1), reaction.Reaction.Count)

	bob.send(map[string]any{"type": "set_typing", "request_id": "b2", "channel_id": "general", "is_typing": true})
	s.Equal(handler.FrameAck, bob.reply("b2").Type)
	typingEv := alice.event(broker.EventTypingStarted)
	s.Equal(s.bob, typingEv.Typing.UserID)
}

func (s *HandlerTestSuite) TestWebSocket_DeleteRejectedCarriesAuthoritativeMessage() {
	msg := s.post(s.alice, "general", "mine")
	bob := s.dial(s.bob, models.RoleUser)

	bob.send(map[string]any{"type": "delete_message", "request_id": "b1", "message_id": msg.ID.String()})
	rejected := bob.reply("b1")
	s.Equal(handler.FrameDeleteRejected, rejected.Type)
	s.Equal("forbidden", rejected.Error.Category)
	s.Require().NotNil(rejected.Message)
	s.Equal("mine", rejected.Message.Content)
	s.False(rejected.Message.Deleted)
}

func (s *HandlerTestSuite) TestWebSocket_ModeratorDeletes() {
	msg := s.post(s.alice, "general", "spam")
	mod := s.dial(uuid.New(), models.RoleModerator)

	mod.send(map[string]any{"type": "delete_message", "request_id": "m1", "message_id": msg.ID.String()})
	ack := mod.reply("m1")
	s.Require().Equal(handler.FrameAck, ack.Type)

	var deleted models.Message
	s.Require().NoError(json.Unmarshal(ack.Result, &deleted))
	s.True(deleted.Deleted)
	s.Empty(deleted.Content)
}

func (s *HandlerTestSuite) TestWebSocket_Errors() {
	alice := s.dial(s.alice, models.RoleUser)

	alice.send(map[string]any{"type": "dance", "request_id": "x1"})
	unknown := alice.reply("x1")
	s.Equal(handler.FrameError, unknown.Type)
	s.Equal("unknown_command", unknown.Error.Code)

	alice.send(map[string]any{"type": "post_message", "request_id": "x2", "channel_id": "general", "content": "   "})
	invalid := alice.reply("x2")
	s.Equal(handler.FrameError, invalid.Type)
	s.Equal("invalid_input", invalid.Error.Category)

	alice.send(map[string]any{"type": "edit_message", "request_id": "x3", "message_id": "not-a-uuid", "content": "x"})
	s.Equal("invalid_input", alice.reply("x3").Error.Category)

	alice.send(map[string]any{"type": "subscribe", "request_id": "x4", "channel_id": strings.Repeat("c", models.MaxChannelIDLength+1)})
	s.Equal("invalid_input", alice.reply("x4").Error.Category)
}

func (s *HandlerTestSuite) TestWebSocket_HeartbeatAndDisconnect() {
	alice := s.dial(s.alice, models.RoleUser)

	alice.send(map[string]any{"type": "heartbeat", "request_id": "h1", "status": "away"})
	s.Equal(handler.FrameAck, alice.reply("h1").Type)

	s.Eventually(func() bool { return s.sessions.Count() == 1 }, time.Second, 10*time.Millisecond)
	alice.conn.Close()
	s.Eventually(func() bool { return s.sessions.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *HandlerTestSuite) TestWebSocket_RejectsMissingToken() {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().Error(err)
	s.Require().NotNil(resp)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}
