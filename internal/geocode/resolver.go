package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mhacccc/tracking-app/internal/kv"
	"github.com/Mhacccc/tracking-app/internal/metrics"

	"go.uber.org/zap"
)

// Reverser 反向地理编码
type Reverser interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// Resolver 带缓存的地址查询；失败只记录日志，返回空字符串，不影响位置展示
type Resolver struct {
	reverser Reverser
	cache    kv.KVStore
	ttl      time.Duration
	logger   *zap.Logger
}

func NewResolver(reverser Reverser, cache kv.KVStore, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		reverser: reverser,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
	}
}

// CacheKey 坐标保留 5 位小数（约 1 米）作为缓存 key
func CacheKey(lat, lng float64) string {
	return fmt.Sprintf("geocode:%.5f,%.5f", lat, lng)
}

// Address 查询地址
func (r *Resolver) Address(ctx context.Context, lat, lng float64) string {
	key := CacheKey(lat, lng)
	if addr, err := r.cache.Get(ctx, key); err == nil {
		metrics.IncGeocode("hit")
		return addr
	} else if !errors.Is(err, kv.ErrCacheMiss) {
		r.logger.Warn("Geocode cache read failed", zap.String("key", key), zap.Error(err))
	}

	addr, err := r.reverser.Reverse(ctx, lat, lng)
	if err != nil {
		metrics.IncGeocode("error")
		if !errors.Is(err, ErrNoAddress) {
			r.logger.Warn("Reverse geocode failed",
				zap.Float64("lat", lat),
				zap.Float64("lng", lng),
				zap.Error(err),
			)
		}
		return ""
	}
	metrics.IncGeocode("miss")

	if err := r.cache.Set(ctx, key, addr, r.ttl); err != nil {
		r.logger.Warn("Geocode cache write failed", zap.String("key", key), zap.Error(err))
	}
	return addr
}
