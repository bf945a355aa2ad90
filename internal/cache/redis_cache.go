package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"agrivetpos/backend/internal/domain"
)

const receiptKeyPrefix = "pos:receipt:"

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisReceiptCache struct {
	client *redis.Client
}

func NewRedisReceiptCache(client *redis.Client) *RedisReceiptCache {
	return &RedisReceiptCache{client: client}
}

func (c *RedisReceiptCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReceiptCache) Get(ctx context.Context, key string) (*domain.Receipt, bool, error) {
	val, err := c.client.Get(ctx, receiptKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var receipt domain.Receipt
	if err := json.Unmarshal([]byte(val), &receipt); err != nil {
		return nil, false, err
	}
	return &receipt, true, nil
}

func (c *RedisReceiptCache) Set(ctx context.Context, key string, value *domain.Receipt, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, receiptKeyPrefix+key, payload, ttl).Err()
}

func (c *RedisReceiptCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, receiptKeyPrefix+key).Err()
}
