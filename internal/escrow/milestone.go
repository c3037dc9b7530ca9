package escrow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
)

// MilestoneSubmission 是处理方提交的里程碑交付物。
type MilestoneSubmission struct {
	Name         string         `json:"milestone"`
	Deliverables []string       `json:"deliverables"`
	Evidence     map[string]any `json:"evidence,omitempty"`
}

// MilestoneResult 是里程碑结算结果。
type MilestoneResult struct {
	Escrow  *domain.Escrow        `json:"escrow"`
	Payment *domain.PaymentRecord `json:"payment,omitempty"`
}

// MilestonePayment 返回 amount*pct/100，按十进制精确计算。
func MilestonePayment(amount decimal.Decimal, m domain.Milestone) decimal.Decimal {
	return amount.Mul(m.Percentage()).Shift(-2)
}

// ProcessMilestone 校验交付物并支付里程碑款项。已完成集合覆盖全部里程碑时托管进入 COMPLETED。
func (m *Machine) ProcessMilestone(ctx context.Context, escrowID string, sub MilestoneSubmission) (*MilestoneResult, error) {
	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(e, domain.EscrowActive); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(sub.Name)
	milestone, ok := e.Requirements.Milestone(name)
	if !ok {
		return nil, xerrors.New(domain.CodeMilestoneNotFound, "milestone not found",
			xerrors.WithReason("milestone_not_found"),
			xerrors.WithMetadata("escrow_id", e.ID),
			xerrors.WithMetadata("milestone", name))
	}
	if e.MilestoneCompleted(name) {
		return nil, xerrors.New(domain.CodeStateConflict, "milestone already completed",
			xerrors.WithReason("milestone_already_completed"),
			xerrors.WithMetadata("escrow_id", e.ID),
			xerrors.WithMetadata("milestone", name))
	}
	if missing := missingDeliverable(milestone, sub.Deliverables); missing != "" {
		return nil, xerrors.New(domain.CodeMilestoneUnverified, "milestone deliverable missing: "+missing,
			xerrors.WithReason("missing_deliverable"),
			xerrors.WithMetadata("escrow_id", e.ID),
			xerrors.WithMetadata("milestone", name),
			xerrors.WithMetadata("missing_deliverable", missing))
	}

	payment := MilestonePayment(e.Amount, milestone)
	s, err := m.settle(ctx, e, domain.EscrowActive, "milestone:"+name, &transfer{
		kind:      domain.PaymentMilestone,
		milestone: name,
		to:        e.ProcessorID,
		amount:    payment,
	}, func(e *domain.Escrow, _ *domain.PaymentRecord) {
		e.MarkMilestone(name)
		if e.AllMilestonesCompleted() {
			e.Status = domain.EscrowCompleted
		}
	})
	if err != nil {
		return nil, err
	}

	m.transitioned("milestone", e, slog.String("milestone", name), slog.String("payment", payment.String()))
	m.activity(ctx, e.ProcessorID, domain.ActivityEscrowMilestone, e, e.ClientID, s, name)
	m.activity(ctx, e.ClientID, domain.ActivityEscrowPayment, e, e.ProcessorID, s, name)
	m.notifyParties(ctx, e, "milestone_completed", name)
	if e.Status == domain.EscrowCompleted {
		m.completed(ctx, e, s)
		m.notifyParties(ctx, e, "escrow_completed", "")
	}
	return &MilestoneResult{Escrow: e, Payment: s.record}, nil
}

func missingDeliverable(m domain.Milestone, submitted []string) string {
	have := make(map[string]struct{}, len(submitted))
	for _, d := range submitted {
		have[strings.TrimSpace(d)] = struct{}{}
	}
	for _, want := range m.Deliverables {
		if _, ok := have[strings.TrimSpace(want)]; !ok {
			return want
		}
	}
	return ""
}

// Complete 在需求校验通过后支付未付余额并把托管置为 COMPLETED。
func (m *Machine) Complete(ctx context.Context, escrowID string) (*MilestoneResult, error) {
	e, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(e, domain.EscrowActive); err != nil {
		return nil, err
	}
	met, reason, err := m.checker.RequirementsMet(ctx, e)
	if err != nil {
		return nil, err
	}
	if !met {
		if reason == "" {
			reason = "requirements_not_met"
		}
		return nil, xerrors.New(domain.CodeRequirementsNotMet, "escrow requirements are not met",
			xerrors.WithReason("requirements_not_met"),
			xerrors.WithMetadata("escrow_id", e.ID),
			xerrors.WithMetadata("detail", reason))
	}

	s, err := m.settle(ctx, e, domain.EscrowActive, "complete", &transfer{
		kind:   domain.PaymentCompletion,
		to:     e.ProcessorID,
		amount: e.Remaining(),
	}, func(e *domain.Escrow, _ *domain.PaymentRecord) {
		e.Status = domain.EscrowCompleted
	})
	if err != nil {
		return nil, err
	}
	m.transitioned("complete", e)
	m.completed(ctx, e, s)
	m.notifyParties(ctx, e, "escrow_completed", "")
	return &MilestoneResult{Escrow: e, Payment: s.record}, nil
}
