package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

// ExpireEscrows 把截止时间早于 now 的 ACTIVE 托管退款并置为 FAILED，可重复调用。
// 已完成、已失败或处于争议中的托管不会被处理，也就取消了它们的截止检查。
func (m *Machine) ExpireEscrows(ctx context.Context, now time.Time, limit int) (int, error) {
	escrows, err := m.store.ListEscrows(ctx, store.EscrowFilter{
		Status:         domain.EscrowActive,
		DeadlineBefore: now,
		Limit:          limit,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, e := range escrows {
		if e.PendingOperation != "" {
			continue
		}
		s, err := m.settle(ctx, e, domain.EscrowActive, "expire", &transfer{
			kind:   domain.PaymentRefund,
			to:     e.ClientID,
			amount: e.Remaining(),
		}, func(e *domain.Escrow, _ *domain.PaymentRecord) {
			e.Status = domain.EscrowFailed
		})
		if err != nil {
			if stdErrors.Is(err, domain.ErrStateConflict) {
				continue
			}
			m.logger.Warn("托管过期退款失败", slog.String("escrow_id", e.ID), slog.Any("error", err))
			continue
		}
		expired++
		m.transitioned("expire", e)
		m.activity(ctx, e.ProcessorID, domain.ActivityDeadlineMissed, e, e.ClientID, nil, "deadline_missed")
		m.activity(ctx, e.ClientID, domain.ActivityEscrowRefunded, e, e.ProcessorID, s, "refunded")
		m.notifyParties(ctx, e, "escrow_expired", "")
	}
	return expired, nil
}

// StalePending 返回预留时间早于 before 的托管，供扫描任务告警。
func (m *Machine) StalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Escrow, error) {
	var stale []*domain.Escrow
	for _, status := range []domain.EscrowStatus{domain.EscrowActive, domain.EscrowDisputed} {
		escrows, err := m.store.ListEscrows(ctx, store.EscrowFilter{Status: status, Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, e := range escrows {
			if e.PendingOperation != "" && e.PendingSince != nil && e.PendingSince.Before(before) {
				stale = append(stale, e)
			}
		}
	}
	return stale, nil
}

// ClearReservation 撤销滞留的预留标记，供运维在核对账本后调用。operation 非空时必须与当前预留一致，
// 避免误清新发起的操作。账本上已完成但未落库的付款需要先人工补记，否则该笔资金可能被再次支付。
func (m *Machine) ClearReservation(ctx context.Context, escrowID, operation string) (*domain.Escrow, error) {
	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.PendingOperation == "" {
		return nil, xerrors.New(domain.CodeStateConflict, "escrow has no operation in flight",
			xerrors.WithReason("no_pending_operation"),
			xerrors.WithMetadata("escrow_id", e.ID))
	}
	if operation != "" && operation != e.PendingOperation {
		return nil, xerrors.New(domain.CodeStateConflict, "pending operation does not match",
			xerrors.WithReason("pending_operation_mismatch"),
			xerrors.WithMetadata("escrow_id", e.ID),
			xerrors.WithMetadata("pending_operation", e.PendingOperation),
			xerrors.WithMetadata("requested", operation))
	}
	op, since := e.PendingOperation, e.PendingSince
	e.PendingOperation = ""
	e.PendingSince = nil
	e.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateEscrow(ctx, e, e.Status); err != nil {
		return nil, err
	}
	attrs := []any{slog.String("escrow_id", e.ID), slog.String("operation", op), slog.String("status", string(e.Status))}
	if since != nil {
		attrs = append(attrs, slog.Time("pending_since", *since))
	}
	m.logger.Warn("托管预留已手动撤销", attrs...)
	logger.Audit().Info("escrow_reservation_cleared", attrs...)
	return e, nil
}
