package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis commands the store needs.
// *redis.Client satisfies it.
type RedisClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

const (
	deviceKeyPrefix = "kproxy:device:"
	deviceSeqKey    = "kproxy:device_seq"
)

// RedisStore looks tokens up in hashes at kproxy:device:<token> holding
// client_id and, once assigned, device_id.
type RedisStore struct {
	client RedisClient
}

func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects and pings a redis server.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnknownToken
	}
	key := deviceKeyPrefix + token
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("redis hgetall: %w", err)
	}
	raw, ok := fields["client_id"]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	clientID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%s client_id: %w", key, err)
	}
	if raw, ok := fields["device_id"]; ok {
		dev, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("%s device_id: %w", key, err)
		}
		return Identity{ClientID: clientID, DeviceID: dev}, nil
	}

	next, err := s.client.Incr(ctx, deviceSeqKey).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("redis incr: %w", err)
	}
	set, err := s.client.HSetNX(ctx, key, "device_id", next).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("redis hsetnx: %w", err)
	}
	if set {
		return Identity{ClientID: clientID, DeviceID: uint64(next)}, nil
	}
	// another server assigned one first
	dev, err := s.client.HGet(ctx, key, "device_id").Uint64()
	if err != nil {
		return Identity{}, fmt.Errorf("redis hget device_id: %w", err)
	}
	return Identity{ClientID: clientID, DeviceID: dev}, nil
}
