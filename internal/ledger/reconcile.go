package ledger

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"A2A-Chain/internal/domain"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/pkg/logger"
)

// ActivityLog 是确认待定活动所需的目录能力。
type ActivityLog interface {
	PendingActivities(ctx context.Context, limit int) ([]*domain.Activity, error)
	SettleActivity(ctx context.Context, activity *domain.Activity, to domain.ActivityStatus) error
}

// Reconciler 把已提交回执的最终状态回写到活动记录，使信誉计算只统计已确认的活动。
type Reconciler struct {
	log       ActivityLog
	confirmer Confirmer
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// NewReconciler 创建 Reconciler。
func NewReconciler(log ActivityLog, confirmer Confirmer, reg *metrics.Registry) *Reconciler {
	return &Reconciler{
		log:       log,
		confirmer: confirmer,
		metrics:   reg,
		logger:    logger.Named("ledger"),
	}
}

// ReconcileActivities 查询至多 limit 条待确认活动的回执，返回状态已落定的条数。
// 仍为 submitted 的回执留待下次处理，单条查询失败不影响其余活动。
func (r *Reconciler) ReconcileActivities(ctx context.Context, limit int) (int, error) {
	pending, err := r.log.PendingActivities(ctx, limit)
	if err != nil {
		return 0, err
	}
	// 同一笔交易可能对应多条活动，例如托管创建与资金锁定。
	seen := make(map[string]Status, len(pending))
	settled := 0
	for _, a := range pending {
		status, ok := seen[a.LedgerRef]
		if !ok {
			started := time.Now()
			status, err = r.confirmer.Confirm(ctx, a.LedgerRef)
			if err != nil {
				r.metrics.LedgerCall("confirm", "failure", time.Since(started))
				if ctx.Err() != nil {
					return settled, ctx.Err()
				}
				r.logger.Warn("查询账本回执失败",
					slog.String("activity_id", a.ID),
					slog.String("reference", a.LedgerRef),
					slog.Any("error", err))
				continue
			}
			r.metrics.LedgerCall("confirm", "success", time.Since(started))
			seen[a.LedgerRef] = status
		}
		to := status.ActivityStatus()
		if to == domain.ActivityPending {
			continue
		}
		if err := r.log.SettleActivity(ctx, a, to); err != nil {
			if !stdErrors.Is(err, domain.ErrStateConflict) {
				r.logger.Warn("更新活动状态失败", slog.String("activity_id", a.ID), slog.Any("error", err))
			}
			continue
		}
		settled++
		if to == domain.ActivityFailed {
			r.logger.Error("账本交易执行失败",
				slog.String("activity_id", a.ID),
				slog.String("escrow_id", escrowOf(a)),
				slog.String("reference", a.LedgerRef))
		}
		logger.Audit().Info("ledger_confirmed",
			slog.String("activity_id", a.ID),
			slog.String("agent_id", a.AgentID),
			slog.String("reference", a.LedgerRef),
			slog.String("status", string(status)),
		)
	}
	return settled, nil
}

func escrowOf(a *domain.Activity) string {
	if a.Details.Escrow == nil {
		return ""
	}
	return a.Details.Escrow.EscrowID
}
