package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"marki/config"
	"marki/utils"
)

// TestEndpointLimiter throttles the endpoints that send real mail or open SFTP
// connections (profile tests, test e-mail, FTP test). storage may be nil for the
// in-memory default.
func TestEndpointLimiter(storage fiber.Storage) fiber.Handler {
	max := config.AppConfig.RateLimitTestEndpoints
	if max <= 0 {
		max = 5
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return utils.GenerateRateLimitKey(requester(c), c.Params("id"), c.Path())
		},
		LimitReached: func(c *fiber.Ctx) error {
			utils.LogEvent("rate_limit_hit", map[string]interface{}{
				"user_id":    requester(c),
				"endpoint":   c.Path(),
				"ip":         c.IP(),
				"user_agent": c.Get("User-Agent"),
			})
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Trop de tests. Veuillez patienter avant de réessayer.",
				"retry_after": "1 minute",
			})
		},
		Storage: storage,
	})
}

func requester(c *fiber.Ctx) string {
	if sess := CurrentSession(c); sess != nil && sess.ObjectID != "" {
		return sess.ObjectID
	}
	return c.IP()
}

// NewStorage returns the Redis storage when REDIS_ENABLED is set, else nil.
func NewStorage() fiber.Storage {
	if !config.AppConfig.Redis.Enabled {
		return nil
	}
	return NewRedisStorage(config.AppConfig.Redis)
}

// RedisStorage implements fiber.Storage for Redis. It backs the rate limiter and
// the session cache.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.RedisConfig) *RedisStorage {
	return &RedisStorage{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Get returns nil, nil for a missing key as fiber.Storage requires.
func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisStorage) Reset() error {
	return r.client.FlushDB(context.Background()).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// Ping is used by the health check.
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
