package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/config"
	"A2A-Chain/internal/ledger"
	"A2A-Chain/internal/ledger/ethereum"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/queue"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

// closers 按注册的逆序关闭资源。
type closers []io.Closer

func (c *closers) add(cl io.Closer) {
	if cl != nil {
		*c = append(*c, cl)
	}
}

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logger.L().Warn("关闭资源失败", slog.Any("error", err))
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	})
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.Open(ctx, store.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: config.Seconds(cfg.Storage.ConnMaxLifetimeSeconds),
	})
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	return queue.Open(ctx, queue.Config{
		Driver:     cfg.Queue.Driver,
		Name:       cfg.Queue.Name,
		BufferSize: cfg.Queue.BufferSize,
		Redis: queue.RedisConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		},
		RabbitMQ: queue.RabbitMQConfig{URL: cfg.Queue.RabbitMQ.URL},
	})
}

// newDirectory 构造带缓存的智能体目录，返回的 io.Closer 可能为 nil。
func newDirectory(ctx context.Context, cfg *config.Config, st store.Store) (*agent.Directory, io.Closer, error) {
	ttl := config.Seconds(cfg.Cache.TTLSeconds)
	opts := []agent.Option{
		agent.WithScorer(agent.NewScorer(agent.WithDefaultSuccessRate(*cfg.Reputation.DefaultSuccessRate))),
		agent.WithStakePolicy(agent.StakePolicy{
			BaseWeight: cfg.Consensus.BaseWeight,
			MinWeight:  cfg.Consensus.MinWeight,
			MinScore:   cfg.Consensus.MinScore,
		}),
	}

	var closer io.Closer
	switch cfg.Cache.Driver {
	case "none":
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("连接信誉缓存失败: %w", err)
		}
		opts = append(opts, agent.WithCache(agent.NewRedisCache(client, cfg.Cache.Prefix, ttl)))
		closer = client
	default:
		opts = append(opts, agent.WithCache(agent.NewLRUCache(cfg.Cache.Size, ttl)))
	}
	return agent.NewDirectory(st, opts...), closer, nil
}

func newAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, config.Seconds(cfg.Alerting.WebhookTimeoutSeconds)))
	}
	return alerting.NewFanout(notifiers...)
}

// newLedger 构造账本并套上限速与重试。
func newLedger(ctx context.Context, cfg *config.Config, alerts alerting.Dispatcher, reg *metrics.Registry) (*ledger.Retrying, io.Closer, error) {
	var (
		base   ledger.Ledger
		closer io.Closer
	)
	switch cfg.Ledger.Driver {
	case "ethereum":
		eth := cfg.Ledger.Ethereum
		l, client, err := ethereum.Dial(ctx, eth.ChainsFile, eth.Chain, eth.PrivateKeyEnv)
		if err != nil {
			return nil, nil, err
		}
		base = l
		closer = closerFunc(func() error { client.Close(); return nil })
	default:
		base = ledger.NewSimulated()
	}

	retry := cfg.Ledger.Retry
	wrapped := ledger.NewRetrying(base, ledger.RetryPolicy{
		MaxAttempts:     retry.MaxAttempts,
		InitialInterval: millis(retry.InitialIntervalMS),
		MaxInterval:     millis(retry.MaxIntervalMS),
	},
		ledger.WithRateLimit(cfg.Ledger.RateLimit.PerSecond, cfg.Ledger.RateLimit.Burst),
		ledger.WithAlerts(alerts),
		ledger.WithMetrics(reg),
	)
	return wrapped, closer, nil
}
