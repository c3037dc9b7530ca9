package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"A2A-Chain/internal/api"
	"A2A-Chain/internal/arbitration"
	"A2A-Chain/internal/config"
	"A2A-Chain/internal/consensus"
	"A2A-Chain/internal/escrow"
	"A2A-Chain/internal/ledger"
	"A2A-Chain/internal/notify"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/routing"
	"A2A-Chain/internal/store"
	"A2A-Chain/internal/sweep"
	"A2A-Chain/pkg/logger"
)

var dispatchWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 API、通知派发与过期扫描",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().IntVar(&dispatchWorkers, "workers", 4, "通知派发协程数量")
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("a2ad")

	var res closers
	defer res.closeAll()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	res.add(st)

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	res.add(q)

	dir, cacheCloser, err := newDirectory(ctx, cfg, st)
	if err != nil {
		return err
	}
	res.add(cacheCloser)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}
	alerts := newAlerts(cfg)

	l, ledgerCloser, err := newLedger(ctx, cfg, alerts, reg)
	if err != nil {
		return err
	}
	res.add(ledgerCloser)

	outbox := notify.NewOutbox(st, q, notify.WithMetrics(reg), notify.WithAlerts(alerts))
	router := routing.New(st, dir, outbox,
		routing.WithFanOutLimit(cfg.Routing.FanOutLimit),
		routing.WithMetrics(reg),
	)
	coordinator := consensus.New(st, dir, outbox,
		consensus.WithThreshold(cfg.Consensus.ThresholdPercent),
		consensus.WithVotingWindow(config.Seconds(cfg.Consensus.VotingWindowSeconds)),
		consensus.WithMetrics(reg),
		consensus.WithAlerts(alerts),
	)
	selector := arbitration.NewSelector(dir,
		arbitration.WithPanelSize(cfg.Arbitration.PanelSize),
		arbitration.WithMinScore(cfg.Arbitration.MinScore),
	)
	machine := escrow.New(st, dir, l,
		escrow.WithSender(outbox),
		escrow.WithSelector(selector),
		escrow.WithCurrency(cfg.Escrow.Currency),
		escrow.WithResponseWindow(config.Seconds(cfg.Arbitration.ResponseWindowSeconds)),
		escrow.WithMetrics(reg),
		escrow.WithAlerts(alerts),
	)
	panel := arbitration.NewPanel(st, machine, dir,
		arbitration.WithMetrics(reg),
		arbitration.WithAlerts(alerts),
	)
	sweeper := sweep.New(coordinator, machine, panel,
		sweep.WithInterval(config.Seconds(cfg.Sweep.IntervalSeconds)),
		sweep.WithBatchSize(cfg.Sweep.BatchSize),
		sweep.WithStaleAfter(config.Seconds(cfg.Sweep.StalePendingSeconds)),
		sweep.WithMetrics(reg),
		sweep.WithAlerts(alerts),
		sweep.WithReconciler(ledger.NewReconciler(dir, l, reg)),
	)
	dispatcher := notify.NewDispatcher(st, q, router,
		notify.WithWorkers(dispatchWorkers),
		notify.WithMetrics(reg),
		notify.WithAlerts(alerts),
	)

	opts := []api.Option{
		api.WithTimeouts(config.Seconds(cfg.Server.ReadTimeoutSeconds), config.Seconds(cfg.Server.WriteTimeoutSeconds)),
		api.WithShutdownTimeout(config.Seconds(cfg.Server.ShutdownTimeoutSeconds)),
	}
	if reg != nil {
		opts = append(opts, api.WithMetrics(reg), api.WithMetricsPath(cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, api.Services{
		Escrow:      machine,
		Inbox:       st,
		Router:      router,
		Consensus:   coordinator,
		Arbitration: panel,
		Directory:   dir,
		Health:      healthCheck(st),
	}, opts...)

	log.Info("a2ad 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("cache", cfg.Cache.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("a2ad 已停止")
	return nil
}

func healthCheck(st store.AgentStore) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := st.ListAgents(ctx, store.AgentFilter{Limit: 1})
		return err
	}
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
