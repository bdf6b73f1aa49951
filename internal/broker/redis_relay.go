package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix   = "chat:channel:"
	presenceChannel = "chat:presence"
)

// LocalDeliverer is the node-local side of a hub.
type LocalDeliverer interface {
	DeliverLocal(channelID string, ev Event)
	DeliverGlobal(ev Event)
}

// RedisRelay carries broker events between nodes over Redis pub/sub. Every
// node publishes to Redis and delivers what it receives back, so all nodes
// see one channel's events in the order Redis accepted them.
type RedisRelay struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger

	joinPolicy retry.Policy

	mu      sync.Mutex
	waiters map[string][]chan struct{}
	done    chan struct{}
}

func NewRedisRelay(client *redis.Client, log *zap.Logger) *RedisRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRelay{
		client: client,
		log:    log,
		joinPolicy: retry.Policy{
			MaxAttempts: -1,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		waiters: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the presence channel and begins delivering received
// events to local. It must be called before Join.
func (r *RedisRelay) Start(ctx context.Context, local LocalDeliverer) error {
	r.pubsub = r.client.Subscribe(ctx, presenceChannel)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return apperr.Transient("redis subscribe presence", err)
	}

	go r.receive(local)
	return nil
}

func (r *RedisRelay) receive(local LocalDeliverer) {
	defer close(r.done)

	for raw := range r.pubsub.ChannelWithSubscriptions() {
		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.confirm(m.Channel)
			}

		case *redis.Message:
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				r.log.Warn("Relay: dropping malformed event",
					zap.String("redis_channel", m.Channel),
					zap.Error(err),
				)
				continue
			}

			if m.Channel == presenceChannel {
				local.DeliverGlobal(ev)
				continue
			}
			if channelID, ok := strings.CutPrefix(m.Channel, channelPrefix); ok {
				local.DeliverLocal(channelID, ev)
			}
		}
	}
}

func (r *RedisRelay) confirm(redisChannel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[redisChannel] {
		close(w)
	}
	delete(r.waiters, redisChannel)
}

func (r *RedisRelay) wait(redisChannel string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := make(chan struct{})
	r.waiters[redisChannel] = append(r.waiters[redisChannel], w)
	return w
}

// Join subscribes this node to a channel and returns once Redis has
// confirmed it. Failures are retried with backoff until ctx ends.
func (r *RedisRelay) Join(ctx context.Context, channelID string) error {
	if r.pubsub == nil {
		return errors.New("relay not started")
	}
	redisChannel := channelPrefix + channelID

	return retry.Do(ctx, r.joinPolicy, func(ctx context.Context) error {
		w := r.wait(redisChannel)
		if err := r.pubsub.Subscribe(ctx, redisChannel); err != nil {
			r.log.Warn("Relay: subscribe failed, retrying",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
			return apperr.Transient("redis subscribe", err)
		}

		select {
		case <-w:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (r *RedisRelay) Leave(ctx context.Context, channelID string) error {
	if r.pubsub == nil {
		return nil
	}
	if err := r.pubsub.Unsubscribe(ctx, channelPrefix+channelID); err != nil {
		return apperr.Transient("redis unsubscribe", err)
	}
	return nil
}

// Publish is not retried: a publish whose reply was lost may already have
// been delivered.
func (r *RedisRelay) Publish(ctx context.Context, channelID string, ev Event) error {
	return r.publish(ctx, channelPrefix+channelID, ev)
}

func (r *RedisRelay) PublishGlobal(ctx context.Context, ev Event) error {
	return r.publish(ctx, presenceChannel, ev)
}

func (r *RedisRelay) publish(ctx context.Context, redisChannel string, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, redisChannel, data).Err(); err != nil {
		return apperr.Transient("redis publish", err)
	}
	return nil
}

// Close stops the receive loop.
func (r *RedisRelay) Close() error {
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	<-r.done
	return err
}
