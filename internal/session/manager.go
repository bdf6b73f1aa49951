package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/metrics"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBuffer       = 256
	DefaultCommandRate  = 10
	DefaultCommandBurst = 20

	closeTimeout = 5 * time.Second
)

type PresenceTracker interface {
	Connect(ctx context.Context, userID uuid.UUID) error
	Disconnect(ctx context.Context, userID uuid.UUID) error
	Heartbeat(ctx context.Context, userID uuid.UUID, status models.PresenceStatus) error
}

type TypingStore interface {
	ClearUser(ctx context.Context, userID uuid.UUID, channels []string) error
}

// Manager owns the sessions of this node. It keeps the hub, presence and
// typing state in step with connections opening and closing.
type Manager struct {
	hub      *broker.Hub
	presence PresenceTracker
	typing   TypingStore

	buffer       int
	commandRate  rate.Limit
	commandBurst int

	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Manager)

func WithBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithCommandRate limits each session to perSecond commands with the given
// burst. A non-positive rate disables limiting.
func WithCommandRate(perSecond float64, burst int) Option {
	return func(m *Manager) {
		m.commandRate = rate.Limit(perSecond)
		m.commandBurst = burst
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager wires the manager as the hub's dead-session handler.
func NewManager(hub *broker.Hub, presence PresenceTracker, typing TypingStore, opts ...Option) *Manager {
	m := &Manager{
		hub:          hub,
		presence:     presence,
		typing:       typing,
		buffer:       DefaultBuffer,
		commandRate:  DefaultCommandRate,
		commandBurst: DefaultCommandBurst,
		log:          zap.NewNop(),
		now:          time.Now,
		sessions:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	hub.SetDeadSessionHandler(m.handleDead)
	return m
}

// Open registers a new session for userID and marks the user online.
func (m *Manager) Open(ctx context.Context, userID uuid.UUID, role models.Role) (*Session, error) {
	var limiter *rate.Limiter
	if m.commandRate > 0 {
		limiter = rate.NewLimiter(m.commandRate, m.commandBurst)
	}
	s := newSession(userID, role, m.buffer, limiter, m.now())

	if err := m.hub.Register(s.ID, userID, s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.presence != nil {
		if err := m.presence.Connect(ctx, userID); err != nil {
			m.log.Warn("Presence connect failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}

	m.metrics.SessionOpened()
	m.log.Info("Session opened",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID.String()),
	)
	return s, nil
}

// Subscribe subscribes the session to a channel. Subscribing twice is a
// no-op that returns the existing subscription.
func (m *Manager) Subscribe(ctx context.Context, s *Session, channelID string) (*broker.Subscription, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	channelID, err := models.ParseChannel(channelID)
	if err != nil {
		return nil, err
	}

	sub, err := m.hub.Subscribe(ctx, s.ID, channelID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.subs[channelID] = sub
	s.mu.Unlock()

	// lost a race with Close: undo
	if s.Closed() {
		m.hub.Unsubscribe(ctx, sub)
		return nil, ErrSessionClosed
	}
	return sub, nil
}

// Unsubscribe stops delivery of the channel to the session and clears the
// user's typing state there. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, s *Session, channelID string) {
	channelID = models.NormalizeChannel(channelID)

	s.mu.Lock()
	sub := s.subs[channelID]
	delete(s.subs, channelID)
	s.mu.Unlock()
	if sub == nil {
		return
	}

	m.hub.Unsubscribe(ctx, sub)
	if m.typing != nil && len(m.unsharedChannels(s, []string{channelID})) > 0 {
		if err := m.typing.ClearUser(ctx, s.UserID, []string{channelID}); err != nil {
			m.log.Debug("Typing clear on unsubscribe failed",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		}
	}
}

// IsSubscribed reports whether the session currently receives channelID.
func (m *Manager) IsSubscribed(s *Session, channelID string) bool {
	sub := s.subscription(models.NormalizeChannel(channelID))
	return sub != nil && sub.State() == broker.StateSubscribed
}

// unsharedChannels keeps the channels no other open session of the same
// user is subscribed to. Typing state is per user, so it is only cleared
// when the user's last session there goes away.
func (m *Manager) unsharedChannels(s *Session, channels []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(channels))
	for _, channelID := range channels {
		shared := false
		for _, other := range m.sessions {
			if other.ID != s.ID && other.UserID == s.UserID && !other.Closed() && m.IsSubscribed(other, channelID) {
				shared = true
				break
			}
		}
		if !shared {
			out = append(out, channelID)
		}
	}
	return out
}

// Touch refreshes the user's presence with the status the client reports.
func (m *Manager) Touch(ctx context.Context, s *Session, status models.PresenceStatus) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if m.presence == nil {
		return nil
	}
	if err := m.presence.Heartbeat(ctx, s.UserID, status); err != nil {
		return err
	}
	s.setStatus(status)
	return nil
}

// KeepAlive refreshes the user's presence with the last reported status.
// It is called for transport-level liveness such as WebSocket pongs.
func (m *Manager) KeepAlive(ctx context.Context, s *Session) error {
	return m.Touch(ctx, s, s.Status())
}

// Close tears the session down exactly once: no event is delivered to it
// after Close returns, its typing indicators are cleared and its presence
// connection is released. reason is nil for a normal disconnect.
func (m *Manager) Close(ctx context.Context, s *Session, reason error) {
	if !s.markClosed(reason) {
		return
	}

	channels := s.Channels()
	m.hub.Deregister(ctx, s.ID)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	channels = m.unsharedChannels(s, channels)
	if m.typing != nil && len(channels) > 0 {
		if err := m.typing.ClearUser(ctx, s.UserID, channels); err != nil {
			m.log.Warn("Typing clear on close failed",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		}
	}
	if m.presence != nil {
		if err := m.presence.Disconnect(ctx, s.UserID); err != nil {
			m.log.Warn("Presence disconnect failed",
				zap.String("user_id", s.UserID.String()),
				zap.Error(err),
			)
		}
	}

	m.metrics.SessionClosed()
	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID.String()),
		zap.Duration("lifetime", m.now().Sub(s.OpenedAt)),
	}
	if reason != nil {
		m.log.Warn("Session closed", append(fields, zap.Error(reason))...)
		return
	}
	m.log.Info("Session closed", fields...)
}

func (m *Manager) handleDead(sessionID string, err error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	m.Close(ctx, s, err)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session, used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.Close(ctx, s, errShutdown)
	}
}

var errShutdown = errors.New("server shutting down")
