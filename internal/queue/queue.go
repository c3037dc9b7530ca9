// Package queue 传递待投递的消息 ID。消息正文始终落在存储中，队列只承载 ID，
// 因此任何后端丢失或重复投递都可以由消费端按存储状态幂等处理。
package queue

import (
	"context"
	"strings"

	xerrors "A2A-Chain/internal/errors"
)

// Handler 处理一条消息 ID，返回错误表示需要重投。
type Handler func(ctx context.Context, messageID string) error

// Producer 负责投递消息 ID。
type Producer interface {
	Publish(ctx context.Context, messageID string) error
	Close() error
}

// Consumer 负责消费消息 ID。
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Config 描述队列后端。
type Config struct {
	Driver     string
	Name       string
	BufferSize int
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
}

// Open 根据驱动构造队列。
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.BufferSize), nil
	case "redis":
		rc := cfg.Redis
		if rc.Key == "" {
			rc.Key = cfg.Name
		}
		return NewRedis(ctx, rc)
	case "rabbitmq":
		rc := cfg.RabbitMQ
		if rc.Queue == "" {
			rc.Queue = cfg.Name
		}
		return NewRabbitMQ(rc)
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的队列驱动 "+cfg.Driver)
	}
}

func publishFailure(err error, messageID string) error {
	return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递消息失败",
		xerrors.WithMetadata("message_id", messageID))
}

func workerCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
