package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const sessionKeyPrefix = "storefront:session:"

// RedisRepository keeps bearer sessions. A session lives exactly as long as
// its key; expiry is left to Redis.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

type session struct {
	UserID    uint      `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

// CreateSession issues a new token for userID.
func (r *RedisRepository) CreateSession(ctx context.Context, userID uint, ttl time.Duration) (string, error) {
	data, err := json.Marshal(session{UserID: userID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	created, err := r.client.SetNX(ctx, sessionKey(token), data, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	if !created {
		return "", fmt.Errorf("session token collision")
	}
	return token, nil
}

// LookupSession reports ok=false for unknown or expired tokens.
func (r *RedisRepository) LookupSession(ctx context.Context, token string) (uint, bool, error) {
	raw, err := r.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load session: %w", err)
	}

	var s session
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, fmt.Errorf("corrupt session %s: %w", token, err)
	}
	return s.UserID, true, nil
}

func (r *RedisRepository) DeleteSession(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
