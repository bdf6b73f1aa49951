package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bannedKey = "ratelimit:banned"

// RateLimiterConfig defines rate limiting rules
type RateLimiterConfig struct {
	MaxRequests int           // Maximum requests allowed in the window
	Window      time.Duration // Fixed counting window
	BlockTime   time.Duration // How long a client stays blocked after exceeding the limit
}

// RateLimiter throttles REST and WebSocket upgrade requests with Redis
// counters, so the limit holds across nodes. Authenticated requests are
// counted per user, anonymous ones per client IP.
type RateLimiter struct {
	redis  *redis.Client
	config RateLimiterConfig
	log    *zap.Logger
}

func NewRateLimiter(redisClient *redis.Client, config RateLimiterConfig, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		config: config,
		log:    log,
	}
}

// clientKey identifies who is being limited.
func clientKey(c *gin.Context) string {
	if v, ok := c.Get(ContextUserID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return "user:" + id.String()
		}
	}
	return "ip:" + c.ClientIP()
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if banned, _ := rl.IsIPBanned(ctx, c.ClientIP()); banned {
			abortWithError(c, http.StatusForbidden, "forbidden", "Your IP address has been banned")
			return
		}

		allowed, retryAfter, err := rl.CheckLimit(ctx, clientKey(c))
		if err != nil {
			// fail open: Redis trouble must not take the API down
			rl.log.Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		if !allowed {
			seconds := int(retryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":     "rate_limited",
					"category": "unavailable",
					"message":  "Too many requests. Please try again later.",
				},
				"retry_after": seconds,
			})
			return
		}

		c.Next()
	}
}

// CheckLimit counts one request for key. Once the window allowance is
// exceeded the key is blocked for BlockTime.
func (rl *RateLimiter) CheckLimit(ctx context.Context, key string) (bool, time.Duration, error) {
	counterKey := fmt.Sprintf("ratelimit:%s", key)
	blockKey := fmt.Sprintf("ratelimit:block:%s", key)

	if ttl, err := rl.redis.PTTL(ctx, blockKey).Result(); err != nil {
		return false, 0, err
	} else if ttl > 0 {
		return false, ttl, nil
	}

	count, err := rl.redis.Incr(ctx, counterKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, counterKey, rl.config.Window).Err(); err != nil {
			return false, 0, err
		}
	}

	if count <= int64(rl.config.MaxRequests) {
		return true, 0, nil
	}

	block := rl.config.BlockTime
	if block <= 0 {
		ttl, err := rl.redis.PTTL(ctx, counterKey).Result()
		if err != nil || ttl <= 0 {
			ttl = rl.config.Window
		}
		return false, ttl, nil
	}
	if err := rl.redis.Set(ctx, blockKey, 1, block).Err(); err != nil {
		return false, 0, err
	}
	rl.log.Info("Client blocked by rate limiter",
		zap.String("key", key),
		zap.Duration("block_time", block),
	)
	return false, block, nil
}

func (rl *RateLimiter) IsIPBanned(ctx context.Context, ip string) (bool, error) {
	return rl.redis.SIsMember(ctx, bannedKey, ip).Result()
}

func (rl *RateLimiter) BanIP(ctx context.Context, ip string) error {
	return rl.redis.SAdd(ctx, bannedKey, ip).Err()
}

func (rl *RateLimiter) UnbanIP(ctx context.Context, ip string) error {
	return rl.redis.SRem(ctx, bannedKey, ip).Err()
}
