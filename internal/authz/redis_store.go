// Package authz provides storage backends for release authorizations, the
// short-lived tokens minted before a fulfillment hold is released.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AuthorizationData holds the data stored for each release authorization
type AuthorizationData struct {
	OrderID    string    `json:"order_id"`
	ShopDomain string    `json:"shop_domain"`
	Consumed   bool      `json:"consumed"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedisStore implements release authorization storage using Redis. Expiry is
// native: the key's TTL is the authorization window.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed authorization store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "relauth:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "relauth:",
	}
}

func (s *RedisStore) key(shopDomain, orderID string) string {
	return s.prefix + shopDomain + ":" + orderID
}

// Authorize stores (or refreshes) the release authorization for an order.
// Repeated calls reset the window rather than erroring.
func (s *RedisStore) Authorize(ctx context.Context, shopDomain, orderID string, ttl time.Duration) error {
	data := AuthorizationData{
		OrderID:    orderID,
		ShopDomain: shopDomain,
		CreatedAt:  time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal authorization data: %w", err)
	}

	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	key := s.key(shopDomain, orderID)
	if err := s.client.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save release authorization: %w", err)
	}

	return nil
}

// IsAuthorized reports whether a live, unconsumed authorization exists.
func (s *RedisStore) IsAuthorized(ctx context.Context, shopDomain, orderID string) (bool, error) {
	key := s.key(shopDomain, orderID)
	jsonData, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup release authorization: %w", err)
	}

	var data AuthorizationData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return false, fmt.Errorf("unmarshal authorization data: %w", err)
	}
	return !data.Consumed, nil
}

// ConsumeAuthorization marks the authorization as used and reports whether a
// live one existed. The key is removed; a consumed authorization cannot be
// replayed.
func (s *RedisStore) ConsumeAuthorization(ctx context.Context, shopDomain, orderID string) (bool, error) {
	key := s.key(shopDomain, orderID)
	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("consume release authorization: %w", err)
	}
	return deleted > 0, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
