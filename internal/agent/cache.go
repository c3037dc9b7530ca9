package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"A2A-Chain/pkg/logger"
)

// ReputationCache 缓存计算好的信誉快照。实现必须并发安全，读取失败按未命中处理。
type ReputationCache interface {
	Get(ctx context.Context, agentID string) (Reputation, bool)
	Set(ctx context.Context, rep Reputation)
	Invalidate(ctx context.Context, agentID string)
}

// LRUCache 是进程内带过期时间的 LRU 缓存。
type LRUCache struct {
	lru *expirable.LRU[string, Reputation]
}

// NewLRUCache 创建 LRUCache，size 或 ttl 非正时使用默认值。
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LRUCache{lru: expirable.NewLRU[string, Reputation](size, nil, ttl)}
}

// Get 实现 ReputationCache。
func (c *LRUCache) Get(_ context.Context, agentID string) (Reputation, bool) {
	return c.lru.Get(agentID)
}

// Set 实现 ReputationCache。
func (c *LRUCache) Set(_ context.Context, rep Reputation) {
	c.lru.Add(rep.AgentID, rep)
}

// Invalidate 实现 ReputationCache。
func (c *LRUCache) Invalidate(_ context.Context, agentID string) {
	c.lru.Remove(agentID)
}

// RedisCache 将信誉快照以 JSON 形式存放在 Redis 中，供多实例共享。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache 创建 RedisCache。
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "a2a:reputation:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger.Named("reputation_cache")}
}

// Get 实现 ReputationCache。
func (c *RedisCache) Get(ctx context.Context, agentID string) (Reputation, bool) {
	raw, err := c.client.Get(ctx, c.prefix+agentID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("读取信誉缓存失败", slog.String("agent_id", agentID), slog.Any("error", err))
		}
		return Reputation{}, false
	}
	var rep Reputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Reputation{}, false
	}
	return rep, true
}

// Set 实现 ReputationCache。
func (c *RedisCache) Set(ctx context.Context, rep Reputation) {
	raw, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+rep.AgentID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("写入信誉缓存失败", slog.String("agent_id", rep.AgentID), slog.Any("error", err))
	}
}

// Invalidate 实现 ReputationCache。
func (c *RedisCache) Invalidate(ctx context.Context, agentID string) {
	if err := c.client.Del(ctx, c.prefix+agentID).Err(); err != nil {
		c.logger.Warn("清除信誉缓存失败", slog.String("agent_id", agentID), slog.Any("error", err))
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (Reputation, bool) { return Reputation{}, false }
func (noopCache) Set(context.Context, Reputation)                {}
func (noopCache) Invalidate(context.Context, string)             {}
