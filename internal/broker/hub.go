package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSubscriptionCancelled is returned by Subscribe when the subscription was
// torn down while its upstream join was still in flight.
var ErrSubscriptionCancelled = errors.New("subscription cancelled")

type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// Subscription binds one session to one channel.
type Subscription struct {
	ID        uuid.UUID
	SessionID string
	ChannelID string
	UserID    uuid.UUID

	sink  Sink
	state atomic.Int32
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Upstream joins channels on a shared transport so events published on other
// nodes reach this one. Join must be idempotent.
type Upstream interface {
	Join(ctx context.Context, channelID string) error
	Leave(ctx context.Context, channelID string) error
	Publish(ctx context.Context, channelID string, ev Event) error
	PublishGlobal(ctx context.Context, ev Event) error
}

type registration struct {
	userID uuid.UUID
	sink   Sink
	subs   map[string]*Subscription
}

type topic struct {
	// joinMu serializes upstream membership changes for the channel.
	joinMu  sync.Mutex
	members int

	// mu is held for the whole fan-out of one event, which is what makes
	// delivery order identical for every subscriber.
	mu   sync.Mutex
	seq  int64
	subs map[string]*Subscription
}

// Hub fans events out to the sessions subscribed to each channel.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*registration
	topics   map[string]*topic

	globalMu  sync.Mutex
	globalSeq int64

	upstream Upstream
	onDead   func(sessionID string, err error)
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Hub)

func WithUpstream(u Upstream) Option {
	return func(h *Hub) { h.upstream = u }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// OnDeadSession registers a callback run (in its own goroutine) after a
// session has been dropped because an event could not be delivered to it.
func OnDeadSession(fn func(sessionID string, err error)) Option {
	return func(h *Hub) { h.onDead = fn }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sessions: make(map[string]*registration),
		topics:   make(map[string]*topic),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDeadSessionHandler replaces the dead-session callback. It exists for
// owners created after the hub, such as the session manager.
func (h *Hub) SetDeadSessionHandler(fn func(sessionID string, err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDead = fn
}

// Register attaches a session's sink. It does not subscribe to anything.
func (h *Hub) Register(sessionID string, userID uuid.UUID, sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sessions[sessionID]; exists {
		return apperr.Validation("session %s already registered", sessionID)
	}
	h.sessions[sessionID] = &registration{
		userID: userID,
		sink:   sink,
		subs:   make(map[string]*Subscription),
	}
	return nil
}

// Deregister unsubscribes the session everywhere and forgets its sink.
// Unknown sessions are ignored.
func (h *Hub) Deregister(ctx context.Context, sessionID string) {
	h.mu.Lock()
	reg, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	for _, sub := range reg.subs {
		h.Unsubscribe(ctx, sub)
	}
}

func (h *Hub) topicFor(channelID string) *topic {
	h.mu.RLock()
	t, ok := h.topics[channelID]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[channelID]; !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		h.topics[channelID] = t
	}
	return t
}

// Subscribe moves a session into the channel's subscriber set. Subscribing
// twice returns the existing subscription. With an upstream configured the
// first local subscriber triggers an upstream join, which is retried until
// ctx ends.
func (h *Hub) Subscribe(ctx context.Context, sessionID, channelID string) (*Subscription, error) {
	h.mu.Lock()
	reg, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, apperr.NotFound("session")
	}
	if existing, ok := reg.subs[channelID]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	sub := &Subscription{
		ID:        uuid.New(),
		SessionID: sessionID,
		ChannelID: channelID,
		UserID:    reg.userID,
		sink:      reg.sink,
	}
	sub.state.Store(int32(StateSubscribing))
	reg.subs[channelID] = sub
	h.mu.Unlock()

	t := h.topicFor(channelID)
	t.joinMu.Lock()
	defer t.joinMu.Unlock()

	if h.upstream != nil && t.members == 0 {
		if err := h.upstream.Join(ctx, channelID); err != nil {
			h.forget(sub)
			sub.state.Store(int32(StateUnsubscribed))
			return nil, fmt.Errorf("join channel %s: %w", channelID, err)
		}
	}

	t.mu.Lock()
	if !sub.state.CompareAndSwap(int32(StateSubscribing), int32(StateSubscribed)) {
		t.mu.Unlock()
		if h.upstream != nil && t.members == 0 {
			h.leave(channelID)
		}
		return nil, ErrSubscriptionCancelled
	}
	t.subs[sessionID] = sub
	t.members++
	t.mu.Unlock()

	h.metrics.Subscribed()
	h.log.Debug("Subscribed",
		zap.String("session_id", sessionID),
		zap.String("channel_id", channelID),
	)
	return sub, nil
}

// Unsubscribe stops delivery to sub before it returns. It is idempotent.
func (h *Hub) Unsubscribe(ctx context.Context, sub *Subscription) {
	if sub == nil {
		return
	}
	prev := State(sub.state.Swap(int32(StateUnsubscribed)))
	if prev == StateUnsubscribed {
		return
	}

	h.forget(sub)

	t := h.topicFor(sub.ChannelID)
	t.mu.Lock()
	if t.subs[sub.SessionID] == sub {
		delete(t.subs, sub.SessionID)
	}
	t.mu.Unlock()

	if prev != StateSubscribed {
		return
	}

	h.metrics.Unsubscribed()

	t.joinMu.Lock()
	t.members--
	if t.members == 0 && h.upstream != nil {
		h.leave(sub.ChannelID)
	}
	t.joinMu.Unlock()
}

func (h *Hub) forget(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reg, ok := h.sessions[sub.SessionID]; ok && reg.subs[sub.ChannelID] == sub {
		delete(reg.subs, sub.ChannelID)
	}
}

func (h *Hub) leave(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.upstream.Leave(ctx, channelID); err != nil {
		h.log.Warn("Upstream leave failed",
			zap.String("channel_id", channelID),
			zap.Error(err),
		)
	}
}

// Publish hands ev to every subscriber of channelID. Without an upstream the
// event is delivered before Publish returns.
func (h *Hub) Publish(ctx context.Context, channelID string, ev Event) error {
	if h.upstream != nil {
		ev.ChannelID = channelID
		return h.upstream.Publish(ctx, channelID, ev)
	}
	h.DeliverLocal(channelID, ev)
	return nil
}

// PublishGlobal hands ev to every registered session.
func (h *Hub) PublishGlobal(ctx context.Context, ev Event) error {
	if h.upstream != nil {
		return h.upstream.PublishGlobal(ctx, ev)
	}
	h.DeliverGlobal(ev)
	return nil
}

type failedDelivery struct {
	sessionID string
	err       error
}

// DeliverLocal assigns the next channel sequence number to ev and fans it out
// to this node's subscribers.
func (h *Hub) DeliverLocal(channelID string, ev Event) {
	t := h.topicFor(channelID)
	var failed []failedDelivery

	t.mu.Lock()
	t.seq++
	ev.ChannelID = channelID
	ev.Seq = t.seq
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	for sessionID, sub := range t.subs {
		if sub.State() != StateSubscribed {
			continue
		}
		if err := sub.sink.Deliver(ev); err != nil {
			failed = append(failed, failedDelivery{sessionID: sessionID, err: err})
		}
	}
	t.mu.Unlock()

	h.metrics.EventPublished(string(ev.Type))
	for _, f := range failed {
		h.dropSession(f.sessionID, ev, f.err)
	}
}

// DeliverGlobal fans ev out to every session registered on this node.
func (h *Hub) DeliverGlobal(ev Event) {
	var failed []failedDelivery

	h.globalMu.Lock()
	h.globalSeq++
	ev.ChannelID = ""
	ev.Seq = h.globalSeq
	if ev.At.IsZero() {
		ev.At = h.now()
	}

	h.mu.RLock()
	targets := make(map[string]Sink, len(h.sessions))
	for id, reg := range h.sessions {
		targets[id] = reg.sink
	}
	h.mu.RUnlock()

	for sessionID, sink := range targets {
		if err := sink.Deliver(ev); err != nil {
			failed = append(failed, failedDelivery{sessionID: sessionID, err: err})
		}
	}
	h.globalMu.Unlock()

	h.metrics.EventPublished(string(ev.Type))
	for _, f := range failed {
		h.dropSession(f.sessionID, ev, f.err)
	}
}

func (h *Hub) dropSession(sessionID string, ev Event, cause error) {
	err := fmt.Errorf("%w: session %s: %w", apperr.ErrDeliveryFailed, sessionID, cause)
	h.metrics.DeliveryFailed()
	h.log.Warn("Dropping session after failed delivery",
		zap.String("session_id", sessionID),
		zap.String("event_type", string(ev.Type)),
		zap.String("channel_id", ev.ChannelID),
		zap.Int64("seq", ev.Seq),
		zap.Error(cause),
	)

	h.Deregister(context.Background(), sessionID)

	h.mu.RLock()
	onDead := h.onDead
	h.mu.RUnlock()
	if onDead != nil {
		go onDead(sessionID, err)
	}
}

// SubscriberCount reports local subscribers of a channel.
func (h *Hub) SubscriberCount(channelID string) int {
	t := h.topicFor(channelID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// SessionCount reports registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
