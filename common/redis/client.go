package redis

import (
	"context"
	"fmt"

	"github.com/Mhacccc/tracking-app/common/config"

	"github.com/go-redis/redis/v8"
)

// reservedConns 除阻塞读取外，KV 读写、发布变更和健康检查至少需要的连接数
const reservedConns = 4

// Options 生成客户端配置
// 每个 XREAD BLOCK 订阅在阻塞期间独占一个连接，连接池需要为 streamReaders 个订阅额外留出空间
func Options(cfg *config.RedisConfig, streamReaders int) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if opts.PoolSize > 0 && opts.PoolSize < streamReaders+reservedConns {
		opts.PoolSize = streamReaders + reservedConns
	}
	return opts
}

// Connect 创建客户端并检查连接，失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig, streamReaders int) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg, streamReaders))
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
