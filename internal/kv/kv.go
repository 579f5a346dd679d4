// Package kv 本地持久状态（围栏区域、告警记录、地址缓存）的 KV 存储抽象。
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss 表示 key 不存在
var ErrCacheMiss = errors.New("cache miss")

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client redis.Cmdable
}

func NewRedisKVStore(client redis.Cmdable) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// ScopedKey 按归属（看护人）区分的 key；owner 为空时就是 base
func ScopedKey(base, owner string) string {
	if owner == "" {
		return base
	}
	return base + ":" + owner
}

// GetJSON 读取并反序列化；key 不存在时返回 found=false 且不报错
func GetJSON(ctx context.Context, store KVStore, key string, out any) (bool, error) {
	val, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SetJSON 序列化后写入
func SetJSON(ctx context.Context, store KVStore, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := store.Set(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
