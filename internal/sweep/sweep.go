// Package sweep 周期性地推进到期实体：共识轮次、托管截止与争议答复期限，
// 并回写已提交账本回执的确认结果。每一步都是幂等的，已处于终态的实体会被跳过。
package sweep

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/pkg/logger"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultBatchSize  = 100
	DefaultStaleAfter = 5 * time.Minute
)

// RoundExpirer 关闭超过投票期限的轮次。
type RoundExpirer interface {
	ExpireRounds(ctx context.Context, now time.Time, limit int) (int, error)
}

// EscrowExpirer 处理超过截止时间的托管，并报告长期未释放的预留。
type EscrowExpirer interface {
	ExpireEscrows(ctx context.Context, now time.Time, limit int) (int, error)
	StalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Escrow, error)
}

// DisputeExpirer 裁决超过答复期限的争议。
type DisputeExpirer interface {
	ExpireDisputes(ctx context.Context, now time.Time, limit int) (int, error)
}

// ActivityReconciler 确认等待账本回执的活动。
type ActivityReconciler interface {
	ReconcileActivities(ctx context.Context, limit int) (int, error)
}

// Report 是一次扫描的结果。
type Report struct {
	Rounds    int
	Escrows   int
	Disputes  int
	Stale     int
	Confirmed int
}

// Sweeper 定时执行扫描。
type Sweeper struct {
	rounds     RoundExpirer
	escrows    EscrowExpirer
	disputes   DisputeExpirer
	reconciler ActivityReconciler
	interval   time.Duration
	batch      int
	staleAfter time.Duration
	metrics    *metrics.Registry
	alerter    alerting.Dispatcher
	now        func() time.Time
	logger     *slog.Logger
}

// Option 定义 Sweeper 的可选配置。
type Option func(*Sweeper)

// WithInterval 设置扫描周期。
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize 设置每类实体单次处理的上限。
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithStaleAfter 设置预留标记视为滞留的时长。
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithMetrics 配置指标。
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Sweeper) { s.metrics = r }
}

// WithAlerts 配置告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Sweeper) { s.alerter = d }
}

// WithReconciler 增加账本回执确认步骤。
func WithReconciler(r ActivityReconciler) Option {
	return func(s *Sweeper) { s.reconciler = r }
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建 Sweeper，任一 expirer 为空时跳过对应步骤。
func New(rounds RoundExpirer, escrows EscrowExpirer, disputes DisputeExpirer, opts ...Option) *Sweeper {
	s := &Sweeper{
		rounds:     rounds,
		escrows:    escrows,
		disputes:   disputes,
		interval:   DefaultInterval,
		batch:      DefaultBatchSize,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger.Named("sweep"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 按周期扫描直到 ctx 结束。单次扫描失败只记录日志。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("过期扫描已启动", slog.Duration("interval", s.interval), slog.Int("batch_size", s.batch))
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("过期扫描失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("过期扫描已停止")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce 执行一次完整扫描。各步骤相互独立，失败不会阻止后续步骤。
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	var (
		report Report
		errs   []error
	)
	if s.rounds != nil {
		n, err := s.rounds.ExpireRounds(ctx, now, s.batch)
		report.Rounds = n
		s.metrics.SweepExpired("round", n)
		errs = append(errs, wrap("rounds", err))
	}
	if s.escrows != nil {
		n, err := s.escrows.ExpireEscrows(ctx, now, s.batch)
		report.Escrows = n
		s.metrics.SweepExpired("escrow", n)
		errs = append(errs, wrap("escrows", err))

		stale, err := s.escrows.StalePending(ctx, now.Add(-s.staleAfter), s.batch)
		report.Stale = len(stale)
		errs = append(errs, wrap("stale_pending", err))
		for _, e := range stale {
			s.staleAlert(ctx, e, now)
		}
	}
	if s.disputes != nil {
		n, err := s.disputes.ExpireDisputes(ctx, now, s.batch)
		report.Disputes = n
		s.metrics.SweepExpired("dispute", n)
		errs = append(errs, wrap("disputes", err))
	}
	if s.reconciler != nil {
		n, err := s.reconciler.ReconcileActivities(ctx, s.batch)
		report.Confirmed = n
		s.metrics.SweepExpired("activity", n)
		errs = append(errs, wrap("activities", err))
	}
	if report.Rounds+report.Escrows+report.Disputes+report.Confirmed > 0 {
		s.logger.Info("过期扫描完成",
			slog.Int("rounds", report.Rounds),
			slog.Int("escrows", report.Escrows),
			slog.Int("disputes", report.Disputes),
			slog.Int("confirmed", report.Confirmed))
	}
	return report, stdErrors.Join(errs...)
}

func (s *Sweeper) staleAlert(ctx context.Context, e *domain.Escrow, now time.Time) {
	age := now.Sub(*e.PendingSince)
	s.logger.Warn("托管预留滞留",
		slog.String("escrow_id", e.ID),
		slog.String("operation", e.PendingOperation),
		slog.Duration("age", age))
	alerting.Emit(ctx, s.alerter, alerting.Event{
		Code:      domain.CodeStateConflict,
		Message:   "escrow operation reservation has not been released",
		Severity:  xerrors.SeverityCritical,
		Component: "sweep",
		Operation: e.PendingOperation,
		EntityID:  e.ID,
		Metadata: map[string]string{
			"pending_since": e.PendingSince.Format(time.RFC3339),
			"status":        string(e.Status),
			"remedy":        "a2ad release --operation " + e.PendingOperation + " " + e.ID,
		},
		OccurredAt: now,
	})
}

func wrap(step string, err error) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "sweep step failed",
		xerrors.WithReason("sweep_failed"),
		xerrors.WithMetadata("step", step))
}
