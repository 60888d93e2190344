package caching

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type CachingService interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCachingService struct {
	client *redis.Client
}

func NewRedisCachingService(client *redis.Client) *RedisCachingService {
	return &RedisCachingService{client: client}
}

func (c *RedisCachingService) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCachingService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCachingService) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCachingService) IsReady(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCachingService) Name() string {
	return "Cache[redis]"
}

// NullCachingService never holds anything. Used when redis is not configured.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService {
	return &NullCachingService{}
}

func (NullCachingService) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NullCachingService) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NullCachingService) Delete(context.Context, string) error {
	return nil
}
