// Package typing keeps per-channel "is typing" flags in Redis. A record
// counts only until its expires_at, so readers stay correct even when the
// background sweep is late.
package typing

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/metrics"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "typing:"
	channelsKey = "typing:channels"

	DefaultTTL = 5 * time.Second
)

// deleteIfUnchanged removes a hash field only when it still holds the value
// the sweeper read, so a fresh keystroke is never swept away.
var deleteIfUnchanged = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

type Store struct {
	client  *redis.Client
	pub     broker.Publisher
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func NewStore(client *redis.Client, pub broker.Publisher, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		client: client,
		pub:    pub,
		ttl:    ttl,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func channelKey(channelID string) string {
	return keyPrefix + channelID
}

func (s *Store) get(ctx context.Context, channelID string, userID uuid.UUID) (*models.TypingIndicator, error) {
	var raw string
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		var err error
		raw, err = s.client.HGet(ctx, channelKey(channelID), userID.String()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return apperr.Transient("typing get", err)
		}
		return nil
	})
	if err != nil || raw == "" {
		return nil, err
	}

	var ind models.TypingIndicator
	if err := json.Unmarshal([]byte(raw), &ind); err != nil {
		return nil, nil
	}
	return &ind, nil
}

// SetTyping records or clears a user's typing flag in a channel. Starting
// publishes typing.started unless the user was already typing; stopping
// publishes typing.stopped only when a live record was removed.
func (s *Store) SetTyping(ctx context.Context, userID uuid.UUID, channelID string, isTyping bool) error {
	channelID, err := models.ParseChannel(channelID)
	if err != nil {
		return err
	}
	if userID == uuid.Nil {
		return apperr.Validation("user id is required")
	}

	now := s.now()
	prev, err := s.get(ctx, channelID, userID)
	if err != nil {
		return err
	}
	wasLive := prev != nil && prev.Live(now)

	if !isTyping {
		err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
			if err := s.client.HDel(ctx, channelKey(channelID), userID.String()).Err(); err != nil {
				return apperr.Transient("typing clear", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if wasLive {
			s.publish(ctx, broker.EventTypingStopped, channelID, models.TypingIndicator{UserID: userID, ChannelID: channelID})
		}
		return nil
	}

	ind := models.TypingIndicator{
		UserID:      userID,
		ChannelID:   channelID,
		IsTyping:    true,
		LastTypedAt: now,
		ExpiresAt:   now.Add(s.ttl),
	}
	data, err := json.Marshal(ind)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, channelKey(channelID), userID.String(), data)
			// whole-key expiry only bounds memory; readers use expires_at
			p.PExpire(ctx, channelKey(channelID), 2*s.ttl)
			p.SAdd(ctx, channelsKey, channelID)
			return nil
		})
		if err != nil {
			return apperr.Transient("typing set", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !wasLive {
		s.publish(ctx, broker.EventTypingStarted, channelID, ind)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, t broker.EventType, channelID string, ind models.TypingIndicator) {
	change := &broker.TypingChange{UserID: ind.UserID, IsTyping: ind.IsTyping}
	if ind.IsTyping {
		expires := ind.ExpiresAt
		change.ExpiresAt = &expires
	}
	err := s.pub.Publish(ctx, channelID, broker.Event{Type: t, ChannelID: channelID, Typing: change})
	if err != nil {
		// typing is best-effort and never fails the caller
		s.log.Warn("Typing event not published",
			zap.String("channel_id", channelID),
			zap.String("event_type", string(t)),
			zap.Error(err),
		)
	}
}

func (s *Store) all(ctx context.Context, channelID string) (map[string]string, error) {
	var fields map[string]string
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		var err error
		fields, err = s.client.HGetAll(ctx, channelKey(channelID)).Result()
		if err != nil {
			return apperr.Transient("typing list", err)
		}
		return nil
	})
	return fields, err
}

// List returns the live indicators of a channel ordered by user id.
func (s *Store) List(ctx context.Context, channelID string) ([]models.TypingIndicator, error) {
	channelID = models.NormalizeChannel(channelID)
	fields, err := s.all(ctx, channelID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	live := make([]models.TypingIndicator, 0, len(fields))
	for _, raw := range fields {
		var ind models.TypingIndicator
		if err := json.Unmarshal([]byte(raw), &ind); err != nil {
			continue
		}
		if ind.Live(now) {
			live = append(live, ind)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].UserID.String() < live[j].UserID.String()
	})
	return live, nil
}

// ListTypingUsers returns users currently typing in a channel, excluding
// excludeUserID (uuid.Nil excludes nobody).
func (s *Store) ListTypingUsers(ctx context.Context, channelID string, excludeUserID uuid.UUID) ([]uuid.UUID, error) {
	live, err := s.List(ctx, channelID)
	if err != nil {
		return nil, err
	}
	users := make([]uuid.UUID, 0, len(live))
	for _, ind := range live {
		if ind.UserID != excludeUserID {
			users = append(users, ind.UserID)
		}
	}
	return users, nil
}

// ClearUser stops the user's typing in every listed channel.
func (s *Store) ClearUser(ctx context.Context, userID uuid.UUID, channelIDs []string) error {
	var errs []error
	for _, ch := range channelIDs {
		if err := s.SetTyping(ctx, userID, ch, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep deletes expired records and announces each as typing.stopped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	channels, err := s.client.SMembers(ctx, channelsKey).Result()
	if err != nil {
		return 0, apperr.Transient("typing channels", err)
	}

	now := s.now()
	removed := 0
	for _, channelID := range channels {
		fields, err := s.all(ctx, channelID)
		if err != nil {
			return removed, err
		}

		for field, raw := range fields {
			var ind models.TypingIndicator
			if err := json.Unmarshal([]byte(raw), &ind); err == nil && ind.Live(now) {
				continue
			}

			n, err := deleteIfUnchanged.Run(ctx, s.client, []string{channelKey(channelID)}, field, raw).Int()
			if err != nil {
				return removed, apperr.Transient("typing sweep", err)
			}
			if n == 0 {
				continue
			}
			removed++
			if userID, err := uuid.Parse(field); err == nil {
				s.publish(ctx, broker.EventTypingStopped, channelID, models.TypingIndicator{UserID: userID, ChannelID: channelID})
			}
		}

		if left, err := s.client.HLen(ctx, channelKey(channelID)).Result(); err == nil && left == 0 {
			s.client.SRem(ctx, channelsKey, channelID)
		}
	}

	s.metrics.SweepRemoved("typing", removed)
	return removed, nil
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("Typing sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("Typing sweep", zap.Int("removed", n))
			}
		}
	}
}
