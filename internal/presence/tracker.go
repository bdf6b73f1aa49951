// Package presence tracks online/away/offline state per user in Redis.
package presence

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
	recordsKey     = "presence:records"
	connectionsKey = "presence:connections"

	DefaultWindow = 45 * time.Second
)

// replaceIfUnchanged swaps a record only if nobody wrote it since it was read.
// Connection counts are left alone: a stale record says nothing about how
// many sockets are still open.
var replaceIfUnchanged = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	return 1
end
return 0
`)

// releaseConnection decrements a user's connection count, never below zero,
// and returns how many remain.
var releaseConnection = redis.NewScript(`
local left = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if left <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 0
end
return left
`)

type Tracker struct {
	client  *redis.Client
	pub     broker.Publisher
	window  time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker builds a tracker whose records count as online for window
// after the last heartbeat.
func NewTracker(client *redis.Client, pub broker.Publisher, window time.Duration, opts ...Option) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Tracker{
		client: client,
		pub:    pub,
		window: window,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// effective applies the liveness window: an online record that has not been
// refreshed in time reads as offline.
func (t *Tracker) effective(rec models.Presence, now time.Time) models.Presence {
	if rec.IsOnline && now.Sub(rec.LastSeenAt) >= t.window {
		rec.IsOnline = false
		rec.Status = models.StatusOffline
	}
	return rec
}

func (t *Tracker) load(ctx context.Context, userID uuid.UUID) (*models.Presence, string, error) {
	var raw string
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		var err error
		raw, err = t.client.HGet(ctx, recordsKey, userID.String()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return apperr.Transient("presence get", err)
		}
		return nil
	})
	if err != nil || raw == "" {
		return nil, "", err
	}
	var rec models.Presence
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, "", nil
	}
	return &rec, raw, nil
}

func (t *Tracker) store(ctx context.Context, rec models.Presence) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		if err := t.client.HSet(ctx, recordsKey, rec.UserID.String(), data).Err(); err != nil {
			return apperr.Transient("presence set", err)
		}
		return nil
	})
}

// Heartbeat upserts the user's record and announces visible changes.
func (t *Tracker) Heartbeat(ctx context.Context, userID uuid.UUID, status models.PresenceStatus) error {
	if userID == uuid.Nil {
		return apperr.Validation("user id is required")
	}
	if !status.Valid() {
		return apperr.Validation("unknown presence status %q", status)
	}

	now := t.now()
	prev, _, err := t.load(ctx, userID)
	if err != nil {
		return err
	}

	rec := models.Presence{
		UserID:     userID,
		Status:     status,
		IsOnline:   status != models.StatusOffline,
		LastSeenAt: now,
		UpdatedAt:  now,
	}
	if err := t.store(ctx, rec); err != nil {
		return err
	}

	if prev == nil || changed(t.effective(*prev, now), rec) {
		t.publish(ctx, rec)
	}
	return nil
}

func changed(before, after models.Presence) bool {
	return before.Status != after.Status || before.IsOnline != after.IsOnline
}

func (t *Tracker) publish(ctx context.Context, rec models.Presence) {
	err := t.pub.PublishGlobal(ctx, broker.Event{Type: broker.EventPresenceUpdated, Presence: &rec})
	if err != nil {
		t.log.Warn("Presence event not published",
			zap.String("user_id", rec.UserID.String()),
			zap.Error(err),
		)
	}
}

// Connect counts a new connection for the user and marks them online.
func (t *Tracker) Connect(ctx context.Context, userID uuid.UUID) error {
	if err := t.client.HIncrBy(ctx, connectionsKey, userID.String(), 1).Err(); err != nil {
		return apperr.Transient("presence connect", err)
	}
	return t.Heartbeat(ctx, userID, models.StatusOnline)
}

// Disconnect releases one connection. The user goes offline when it was
// their last one anywhere in the cluster.
func (t *Tracker) Disconnect(ctx context.Context, userID uuid.UUID) error {
	left, err := releaseConnection.Run(ctx, t.client, []string{connectionsKey}, userID.String()).Int64()
	if err != nil {
		return apperr.Transient("presence disconnect", err)
	}
	if left > 0 {
		return nil
	}
	return t.Heartbeat(ctx, userID, models.StatusOffline)
}

// Get returns the user's effective presence. Unknown users are offline.
func (t *Tracker) Get(ctx context.Context, userID uuid.UUID) (models.Presence, error) {
	rec, _, err := t.load(ctx, userID)
	if err != nil {
		return models.Presence{}, err
	}
	if rec == nil {
		return models.Presence{UserID: userID, Status: models.StatusOffline}, nil
	}
	return t.effective(*rec, t.now()), nil
}

func (t *Tracker) all(ctx context.Context) (map[string]string, error) {
	var fields map[string]string
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		var err error
		fields, err = t.client.HGetAll(ctx, recordsKey).Result()
		if err != nil {
			return apperr.Transient("presence list", err)
		}
		return nil
	})
	return fields, err
}

// ListOnline returns users that are online and seen within the window,
// ordered by user id.
func (t *Tracker) ListOnline(ctx context.Context) ([]models.Presence, error) {
	fields, err := t.all(ctx)
	if err != nil {
		return nil, err
	}

	now := t.now()
	online := make([]models.Presence, 0)
	for _, raw := range fields {
		var rec models.Presence
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec = t.effective(rec, now); rec.IsOnline {
			online = append(online, rec)
		}
	}
	sort.Slice(online, func(i, j int) bool {
		return online[i].UserID.String() < online[j].UserID.String()
	})
	return online, nil
}

// Sweep writes offline for every record whose heartbeat is older than the
// window and announces each change.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	fields, err := t.all(ctx)
	if err != nil {
		return 0, err
	}

	now := t.now()
	converged := 0
	for field, raw := range fields {
		var rec models.Presence
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || !rec.IsOnline {
			continue
		}
		eff := t.effective(rec, now)
		if eff.IsOnline {
			continue
		}
		eff.UpdatedAt = now

		data, err := json.Marshal(eff)
		if err != nil {
			continue
		}
		n, err := replaceIfUnchanged.Run(ctx, t.client, []string{recordsKey}, field, raw, data).Int()
		if err != nil {
			return converged, apperr.Transient("presence sweep", err)
		}
		if n == 1 {
			converged++
			t.publish(ctx, eff)
		}
	}

	t.metrics.SweepRemoved("presence", converged)
	return converged, nil
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				t.log.Warn("Presence sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				t.log.Debug("Presence sweep", zap.Int("offline", n))
			}
		}
	}
}
