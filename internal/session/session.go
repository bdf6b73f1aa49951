// Package session tracks live client connections and their channel
// subscriptions on this node.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrSessionClosed = apperr.Gone("session")
	ErrBufferFull    = errors.New("session send buffer full")
)

// Session is one connected client. It is the broker sink for the
// connection: events queue in a bounded buffer that the connection's writer
// drains, and a full buffer fails the delivery instead of blocking the
// channel's fan-out.
type Session struct {
	ID       string
	UserID   uuid.UUID
	Role     models.Role
	OpenedAt time.Time

	out       chan broker.Event
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	mu     sync.Mutex
	subs   map[string]*broker.Subscription
	reason error
	status models.PresenceStatus
}

func newSession(userID uuid.UUID, role models.Role, buffer int, limiter *rate.Limiter, now time.Time) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Role:     role,
		OpenedAt: now,
		out:      make(chan broker.Event, buffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		subs:     make(map[string]*broker.Subscription),
		status:   models.StatusOnline,
	}
}

// Status is the presence status the client last reported.
func (s *Session) Status() models.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status models.PresenceStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Deliver queues ev without blocking.
func (s *Session) Deliver(ev broker.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Events is drained by the connection writer.
func (s *Session) Events() <-chan broker.Event {
	return s.out
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session was closed, or nil while it is open or if it
// closed normally.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Allow spends one command token.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Channels lists the session's subscribed channels in sorted order.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *Session) subscription(channelID string) *broker.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[channelID]
}

func (s *Session) markClosed(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}
