package arbitration

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

const casRetries = 3

// Resolver 执行裁决结果，由托管状态机实现。
type Resolver interface {
	ResolveDispute(ctx context.Context, disputeID string, outcome domain.DisputeOutcome) (*domain.Escrow, error)
}

// ActivityRecorder 记录仲裁投票活动。
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, activity *domain.Activity) error
}

// VoteResult 是一次投票后的争议状态。Escrow 仅在本次投票促成裁决时非空。
type VoteResult struct {
	Dispute *domain.Dispute       `json:"dispute"`
	Outcome domain.DisputeOutcome `json:"outcome,omitempty"`
	Escrow  *domain.Escrow        `json:"escrow,omitempty"`
}

// Panel 收集仲裁员投票并在结果确定时驱动结算。
type Panel struct {
	store    store.DisputeStore
	resolver Resolver
	recorder ActivityRecorder
	metrics  *metrics.Registry
	alerter  alerting.Dispatcher
	now      func() time.Time
	logger   *slog.Logger
}

// PanelOption 定义 Panel 的可选配置。
type PanelOption func(*Panel)

// WithMetrics 配置指标。
func WithMetrics(r *metrics.Registry) PanelOption {
	return func(p *Panel) { p.metrics = r }
}

// WithAlerts 配置告警派发器。
func WithAlerts(d alerting.Dispatcher) PanelOption {
	return func(p *Panel) { p.alerter = d }
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) PanelOption {
	return func(p *Panel) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPanel 创建 Panel。
func NewPanel(st store.DisputeStore, resolver Resolver, recorder ActivityRecorder, opts ...PanelOption) *Panel {
	p := &Panel{
		store:    st,
		resolver: resolver,
		recorder: recorder,
		now:      time.Now,
		logger:   logger.Named("arbitration"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// CastVote 记录仲裁员的加权投票。一方权重超过全体一半、或全员投完时立即裁决。
// 结算失败时投票仍然保留，由扫描任务重试裁决。
func (p *Panel) CastVote(ctx context.Context, disputeID, arbitratorID string, decision domain.DisputeOutcome) (*VoteResult, error) {
	if decision != domain.OutcomeRelease && decision != domain.OutcomeRefund {
		return nil, domain.Validation("decision", "decision must be release or refund")
	}
	var (
		d   *domain.Dispute
		err error
	)
	for attempt := 0; attempt < casRetries; attempt++ {
		d, err = p.castOnce(ctx, disputeID, arbitratorID, decision)
		if err == nil || xerrors.ReasonOf(err) != "concurrent_update" {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	result := &VoteResult{Dispute: d}
	outcome, decided := Decide(d, false)
	if !decided {
		return result, nil
	}
	result.Outcome = outcome
	e, err := p.resolve(ctx, d, outcome)
	if err != nil {
		return result, err
	}
	result.Escrow = e
	if latest, getErr := p.store.GetDispute(ctx, d.ID); getErr == nil {
		result.Dispute = latest
	}
	return result, nil
}

func (p *Panel) castOnce(ctx context.Context, disputeID, arbitratorID string, decision domain.DisputeOutcome) (*domain.Dispute, error) {
	d, err := p.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DisputePending {
		return nil, domain.StateConflict("dispute", d.ID, string(domain.DisputePending), string(d.Status))
	}
	now := p.now().UTC()
	if !now.Before(d.ResponseDeadline) {
		return nil, xerrors.New(domain.CodeStateConflict, "arbitration response window has closed",
			xerrors.WithReason("response_window_closed"),
			xerrors.WithMetadata("dispute_id", d.ID))
	}
	arb, ok := d.Arbitrator(arbitratorID)
	if !ok {
		return nil, xerrors.New(domain.CodeCapability, "agent is not an arbitrator of this dispute",
			xerrors.WithReason("ineligible_arbitrator"),
			xerrors.WithMetadata("dispute_id", d.ID),
			xerrors.WithMetadata("agent_id", arbitratorID))
	}
	if _, voted := d.Votes[arbitratorID]; voted {
		return nil, xerrors.New(domain.CodeStateConflict, "arbitrator has already voted",
			xerrors.WithReason("duplicate_vote"),
			xerrors.WithMetadata("dispute_id", d.ID),
			xerrors.WithMetadata("agent_id", arbitratorID))
	}

	if d.Votes == nil {
		d.Votes = map[string]domain.ArbitrationVote{}
	}
	d.Votes[arbitratorID] = domain.ArbitrationVote{
		ArbitratorID: arbitratorID,
		Decision:     decision,
		Weight:       arb.Weight,
		CastAt:       now,
	}
	if err := p.store.UpdateDispute(ctx, d, domain.DisputePending); err != nil {
		return nil, err
	}

	p.metrics.VoteCast("arbitration")
	logger.Audit().Info("arbitration_vote_cast",
		slog.String("dispute_id", d.ID),
		slog.String("arbitrator", arbitratorID),
		slog.String("decision", string(decision)),
		slog.Int64("weight", arb.Weight),
	)
	if p.recorder != nil {
		err := p.recorder.RecordActivity(ctx, &domain.Activity{
			AgentID: arbitratorID,
			Type:    domain.ActivityArbitrationVote,
			Status:  domain.ActivityConfirmed,
			Details: domain.ActivityDetails{Governance: &domain.GovernanceActivity{
				DisputeID: d.ID,
				Decision:  string(decision),
				Weight:    arb.Weight,
			}},
			CreatedAt: now,
		})
		if err != nil {
			p.logger.Warn("记录仲裁活动失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
		}
	}
	return d, nil
}

// Decide 计算裁决。一方权重超过全体一半即确定；全员已投或 final 为真时按已投权重比较，
// 平局取已投票者中信誉最高者的选择；final 且无人投票时退款。没有仲裁员的争议只在 final 时裁决。
func Decide(d *domain.Dispute, final bool) (domain.DisputeOutcome, bool) {
	var total, release, refund int64
	for _, a := range d.Arbitrators {
		total += a.Weight
	}
	for _, v := range d.Votes {
		switch v.Decision {
		case domain.OutcomeRelease:
			release += v.Weight
		case domain.OutcomeRefund:
			refund += v.Weight
		}
	}
	switch {
	case total > 0 && release*2 > total:
		return domain.OutcomeRelease, true
	case total > 0 && refund*2 > total:
		return domain.OutcomeRefund, true
	}
	if !final && (len(d.Arbitrators) == 0 || len(d.Votes) < len(d.Arbitrators)) {
		return "", false
	}
	switch {
	case len(d.Votes) == 0:
		return domain.OutcomeRefund, true
	case release > refund:
		return domain.OutcomeRelease, true
	case refund > release:
		return domain.OutcomeRefund, true
	}
	return tieBreak(d), true
}

func tieBreak(d *domain.Dispute) domain.DisputeOutcome {
	var (
		best  domain.Arbitrator
		found bool
	)
	for _, a := range d.Arbitrators {
		if _, voted := d.Votes[a.AgentID]; !voted {
			continue
		}
		if !found || a.ReputationScore > best.ReputationScore ||
			(a.ReputationScore == best.ReputationScore && a.Rank < best.Rank) {
			best, found = a, true
		}
	}
	if !found {
		return domain.OutcomeRefund
	}
	return d.Votes[best.AgentID].Decision
}

// ExpireDisputes 处理 PENDING 争议：已超过答复期限的按已投票数裁决，未超期但结果已确定的重试结算。
func (p *Panel) ExpireDisputes(ctx context.Context, now time.Time, limit int) (int, error) {
	disputes, err := p.store.ListDisputes(ctx, store.DisputeFilter{
		Status: domain.DisputePending,
		Limit:  limit,
	})
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, d := range disputes {
		outcome, decided := Decide(d, !now.Before(d.ResponseDeadline))
		if !decided {
			continue
		}
		if _, err := p.resolve(ctx, d, outcome); err != nil {
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (p *Panel) resolve(ctx context.Context, d *domain.Dispute, outcome domain.DisputeOutcome) (*domain.Escrow, error) {
	e, err := p.resolver.ResolveDispute(ctx, d.ID, outcome)
	if err != nil {
		p.logger.Error("争议结算失败",
			slog.String("dispute_id", d.ID),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err))
		if !stdErrors.Is(err, domain.ErrStateConflict) {
			alerting.Emit(ctx, p.alerter, alerting.FromError("arbitration", "resolve", d.ID, err))
		}
		return nil, err
	}
	p.logger.Info("争议已裁决",
		slog.String("dispute_id", d.ID),
		slog.String("escrow_id", e.ID),
		slog.String("outcome", string(outcome)))
	return e, nil
}
