package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookingcoord/internal/config"
	"bookingcoord/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisDraftStore keeps draft snapshots as JSON strings with a TTL.
type RedisDraftStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisDraftStore(client *redis.Client, prefix string) *RedisDraftStore {
	if prefix == "" {
		prefix = "draft:"
	}
	return &RedisDraftStore{client: client, prefix: prefix}
}

func (r *RedisDraftStore) key(id string) string {
	return fmt.Sprintf("%s%s", r.prefix, id)
}

func (r *RedisDraftStore) GetDraft(ctx context.Context, id string) (*models.DraftSnapshot, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("draft %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft from redis: %w", err)
	}

	var snap models.DraftSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	return &snap, nil
}

func (r *RedisDraftStore) SaveDraft(ctx context.Context, snap *models.DraftSnapshot, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}
	if err := r.client.Set(ctx, r.key(snap.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save draft in redis: %w", err)
	}
	return nil
}

func (r *RedisDraftStore) DeleteDraft(ctx context.Context, id string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete draft from redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
