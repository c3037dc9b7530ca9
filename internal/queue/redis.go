package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/pkg/logger"
)

// RedisConfig 描述 Redis list 队列。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// Redis 使用 LPUSH/BRPOP 实现的队列。
type Redis struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
}

// NewRedis 连接 Redis 并验证可用性。
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisWithClient(client, cfg.Key, cfg.BlockWait), nil
}

// NewRedisWithClient 使用已有客户端构造队列。
func NewRedisWithClient(client redis.UniversalClient, key string, wait time.Duration) *Redis {
	if key == "" {
		key = "a2a:notifications"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Redis{client: client, key: key, wait: wait}
}

// Publish 实现 Producer。
func (q *Redis) Publish(ctx context.Context, messageID string) error {
	if err := q.client.LPush(ctx, q.key, messageID).Err(); err != nil {
		return publishFailure(err, messageID)
	}
	return nil
}

// Consume 通过 BRPOP 取出 ID，处理失败的 ID 以 RPUSH 放回队首以便优先重试。
func (q *Redis) Consume(ctx context.Context, workers int, handler Handler) error {
	log := logger.Named("queue")
	n := workerCount(workers)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				id := values[1]
				if handlerErr := handler(ctx, id); handlerErr != nil {
					log.Warn("消息处理失败，重新入队", slog.String("message_id", id), slog.Any("error", handlerErr))
					if err := q.client.RPush(ctx, q.key, id).Err(); err != nil {
						log.Error("消息重新入队失败", slog.String("message_id", id), slog.Any("error", err))
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *Redis) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("关闭 Redis 连接失败: %w", err)
	}
	return nil
}
