package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"settlepos/backend/internal/domain"
)

const (
	currenciesKey = "settlepos:currencies"
	catalogPrefix = "settlepos:catalog:"
)

type RedisSnapshotCache struct {
	client *redis.Client
}

func NewRedisSnapshotCache(addr string, password string, db int) *RedisSnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSnapshotCache{client: client}
}

func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

func (c *RedisSnapshotCache) GetCurrencies(ctx context.Context) ([]domain.CurrencyRate, bool, error) {
	var rates []domain.CurrencyRate
	ok, err := c.get(ctx, currenciesKey, &rates)
	return rates, ok, err
}

func (c *RedisSnapshotCache) SetCurrencies(ctx context.Context, rates []domain.CurrencyRate, ttl time.Duration) error {
	return c.set(ctx, currenciesKey, rates, ttl)
}

func (c *RedisSnapshotCache) GetCatalog(ctx context.Context, warehouseID string) ([]domain.Product, bool, error) {
	var products []domain.Product
	ok, err := c.get(ctx, catalogPrefix+warehouseID, &products)
	return products, ok, err
}

func (c *RedisSnapshotCache) SetCatalog(ctx context.Context, warehouseID string, products []domain.Product, ttl time.Duration) error {
	return c.set(ctx, catalogPrefix+warehouseID, products, ttl)
}

func (c *RedisSnapshotCache) InvalidateCatalog(ctx context.Context, warehouseID string) error {
	return c.client.Del(ctx, catalogPrefix+warehouseID).Err()
}

func (c *RedisSnapshotCache) get(ctx context.Context, key string, dst any) (bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisSnapshotCache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
