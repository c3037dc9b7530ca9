package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/pkg/logger"
)

// DisputeRequest 是发起争议的输入。
type DisputeRequest struct {
	ComplainantID string         `json:"complainant_id"`
	Reason        string         `json:"reason"`
	Evidence      map[string]any `json:"evidence,omitempty"`
}

// HandleDispute 为 ACTIVE 托管创建争议、挑选仲裁员并把托管置为 DISPUTED。
// 已处于 DISPUTED 的托管返回状态冲突。
func (m *Machine) HandleDispute(ctx context.Context, escrowID string, req DisputeRequest) (*domain.Dispute, error) {
	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(e, domain.EscrowActive); err != nil {
		return nil, err
	}
	if !e.Party(req.ComplainantID) {
		return nil, domain.Validation("complainant_id", "complainant must be a party to the escrow")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, domain.Validation("reason", "dispute reason is required")
	}
	respondent := e.ProcessorID
	if req.ComplainantID == e.ProcessorID {
		respondent = e.ClientID
	}

	var arbitrators []domain.Arbitrator
	if m.selector != nil {
		arbitrators, err = m.selector.Select(ctx, e.ClientID, e.ProcessorID)
		if err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	dispute := &domain.Dispute{
		ID:               uuid.NewString(),
		EscrowID:         e.ID,
		ComplainantID:    req.ComplainantID,
		RespondentID:     respondent,
		Reason:           req.Reason,
		Evidence:         domain.CloneMap(req.Evidence),
		Status:           domain.DisputePending,
		Arbitrators:      arbitrators,
		Votes:            map[string]domain.ArbitrationVote{},
		ResponseDeadline: now.Add(m.responseWindow),
		CreatedAt:        now,
	}

	e.Status = domain.EscrowDisputed
	e.UpdatedAt = now
	if err := m.store.UpdateEscrow(ctx, e, domain.EscrowActive); err != nil {
		return nil, err
	}
	if err := m.store.InsertDispute(ctx, dispute); err != nil {
		e.Status = domain.EscrowActive
		if revertErr := m.store.UpdateEscrow(context.WithoutCancel(ctx), e, domain.EscrowDisputed); revertErr != nil {
			m.logger.Error("回滚争议状态失败", slog.String("escrow_id", e.ID), slog.Any("error", revertErr))
		}
		return nil, err
	}
	if len(arbitrators) == 0 {
		m.logger.Warn("争议没有可用的仲裁员", slog.String("dispute_id", dispute.ID), slog.String("escrow_id", e.ID))
	}

	m.transitioned("dispute", e, slog.String("dispute_id", dispute.ID), slog.Int("arbitrators", len(arbitrators)))
	m.inviteArbitrators(ctx, dispute)
	m.notify(ctx, e, "dispute_opened", roleOf(e, respondent), respondent, dispute.ID)
	return dispute, nil
}

func roleOf(e *domain.Escrow, agentID string) string {
	if agentID == e.ClientID {
		return "client"
	}
	return "processor"
}

func (m *Machine) inviteArbitrators(ctx context.Context, d *domain.Dispute) {
	if m.sender == nil {
		return
	}
	for _, a := range d.Arbitrators {
		deadline := d.ResponseDeadline
		msg := &domain.Message{
			ID:           "arbitration_request_" + d.ID + "_" + a.AgentID,
			SenderID:     domain.SenderArbitrationSystem,
			RecipientIDs: []string{a.AgentID},
			Type:         domain.MessageArbitrationRequest,
			Content: domain.MessageContent{Arbitration: &domain.ArbitrationRequest{
				DisputeID:        d.ID,
				EscrowID:         d.EscrowID,
				Complainant:      d.ComplainantID,
				Respondent:       d.RespondentID,
				Reason:           d.Reason,
				Evidence:         domain.CloneMap(d.Evidence),
				ResponseDeadline: deadline,
			}},
			RequiresResponse: true,
			Deadline:         &deadline,
		}
		if err := m.sender.Send(ctx, msg); err != nil {
			m.logger.Warn("发送仲裁请求失败",
				slog.String("dispute_id", d.ID),
				slog.String("arbitrator", a.AgentID),
				slog.Any("error", err))
		}
	}
}

// ResolveDispute 按仲裁结果结算：release 把余额付给处理方并完成托管，refund 把余额退还委托方并置为 FAILED。
func (m *Machine) ResolveDispute(ctx context.Context, disputeID string, outcome domain.DisputeOutcome) (*domain.Escrow, error) {
	var (
		final     domain.EscrowStatus
		kind      domain.PaymentKind
		recipient func(*domain.Escrow) string
	)
	switch outcome {
	case domain.OutcomeRelease:
		final, kind = domain.EscrowCompleted, domain.PaymentRelease
		recipient = func(e *domain.Escrow) string { return e.ProcessorID }
	case domain.OutcomeRefund:
		final, kind = domain.EscrowFailed, domain.PaymentRefund
		recipient = func(e *domain.Escrow) string { return e.ClientID }
	default:
		return nil, domain.Validation("outcome", "outcome must be release or refund")
	}

	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DisputePending {
		return nil, domain.StateConflict("dispute", d.ID, string(domain.DisputePending), string(d.Status))
	}
	e, err := m.store.GetEscrow(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(e, domain.EscrowDisputed); err != nil {
		return nil, err
	}

	s, err := m.settle(ctx, e, domain.EscrowDisputed, "resolve:"+string(outcome), &transfer{
		kind:   kind,
		to:     recipient(e),
		amount: e.Remaining(),
	}, func(e *domain.Escrow, _ *domain.PaymentRecord) {
		e.Status = final
	})
	if err != nil {
		return nil, err
	}
	m.closeDispute(ctx, d, outcome)

	m.transitioned("resolve", e, slog.String("dispute_id", d.ID), slog.String("outcome", string(outcome)))
	if outcome == domain.OutcomeRelease {
		m.completed(ctx, e, s)
	} else {
		m.activity(ctx, e.ClientID, domain.ActivityEscrowRefunded, e, e.ProcessorID, s, "refunded")
	}
	m.notifyParties(ctx, e, "dispute_resolved", d.ID)
	return e, nil
}

// WithdrawDispute 由发起方撤回争议，托管回到 ACTIVE。
func (m *Machine) WithdrawDispute(ctx context.Context, disputeID, complainantID string) (*domain.Escrow, error) {
	d, err := m.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DisputePending {
		return nil, domain.StateConflict("dispute", d.ID, string(domain.DisputePending), string(d.Status))
	}
	if d.ComplainantID != complainantID {
		return nil, xerrors.New(domain.CodeCapability, "only the complainant may withdraw a dispute",
			xerrors.WithReason("not_complainant"),
			xerrors.WithMetadata("dispute_id", d.ID),
			xerrors.WithMetadata("agent_id", complainantID))
	}
	e, err := m.store.GetEscrow(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(e, domain.EscrowDisputed); err != nil {
		return nil, err
	}
	e.Status = domain.EscrowActive
	e.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateEscrow(ctx, e, domain.EscrowDisputed); err != nil {
		return nil, err
	}
	m.closeDispute(ctx, d, domain.OutcomeWithdrawn)
	m.transitioned("withdraw", e, slog.String("dispute_id", d.ID))
	m.notify(ctx, e, "dispute_withdrawn", roleOf(e, d.RespondentID), d.RespondentID, d.ID)
	return e, nil
}

// closeDispute 在托管已迁移后关闭争议。托管是并发控制的锚点，这里的冲突只记录日志。
func (m *Machine) closeDispute(ctx context.Context, d *domain.Dispute, outcome domain.DisputeOutcome) {
	now := m.now().UTC()
	d.Status = domain.DisputeResolved
	d.Outcome = outcome
	d.ResolvedAt = &now
	if err := m.store.UpdateDispute(ctx, d, domain.DisputePending); err != nil {
		if !stdErrors.Is(err, domain.ErrStateConflict) {
			m.logger.Error("关闭争议失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
			return
		}
		// 仲裁投票与结算并发时重新读取后再关闭。
		latest, getErr := m.store.GetDispute(ctx, d.ID)
		if getErr != nil || latest.Status != domain.DisputePending {
			return
		}
		latest.Status, latest.Outcome, latest.ResolvedAt = domain.DisputeResolved, outcome, &now
		if err := m.store.UpdateDispute(ctx, latest, domain.DisputePending); err != nil {
			m.logger.Error("关闭争议失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
			return
		}
		d = latest
	}
	logger.Audit().Info("dispute_resolved",
		slog.String("dispute_id", d.ID),
		slog.String("escrow_id", d.EscrowID),
		slog.String("outcome", string(outcome)),
		slog.Int("votes", len(d.Votes)),
	)
}
