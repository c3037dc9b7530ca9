package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus 表示托管生命周期状态。
type EscrowStatus string

const (
	EscrowActive    EscrowStatus = "ACTIVE"
	EscrowDisputed  EscrowStatus = "DISPUTED"
	EscrowCompleted EscrowStatus = "COMPLETED"
	EscrowFailed    EscrowStatus = "FAILED"
)

// Terminal 判断是否为终态。
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowFailed
}

// CanTransition 描述托管状态的合法迁移。
func (s EscrowStatus) CanTransition(next EscrowStatus) bool {
	switch s {
	case EscrowActive:
		return next == EscrowDisputed || next == EscrowCompleted || next == EscrowFailed
	case EscrowDisputed:
		return next == EscrowActive || next == EscrowCompleted || next == EscrowFailed
	default:
		return false
	}
}

// Milestone 是托管要求中的一个阶段。
type Milestone struct {
	Name              string           `json:"name"`
	PaymentPercentage *decimal.Decimal `json:"payment_percentage,omitempty"`
	Deliverables      []string         `json:"deliverables,omitempty"`
}

// Percentage 返回支付比例，未配置时为 100。
func (m Milestone) Percentage() decimal.Decimal {
	if m.PaymentPercentage == nil {
		return decimal.NewFromInt(100)
	}
	return *m.PaymentPercentage
}

// Requirements 描述托管的交付要求。
type Requirements struct {
	Description string         `json:"description,omitempty"`
	Milestones  []Milestone    `json:"milestones"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Milestone 按名称查找阶段。
func (r Requirements) Milestone(name string) (Milestone, bool) {
	for _, m := range r.Milestones {
		if m.Name == name {
			return m, true
		}
	}
	return Milestone{}, false
}

// Validate 校验阶段名称唯一且比例之和不超过 100。
func (r Requirements) Validate() error {
	seen := make(map[string]struct{}, len(r.Milestones))
	total := decimal.Zero
	hundred := decimal.NewFromInt(100)
	for _, m := range r.Milestones {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return Validation("milestones", "milestone name is required")
		}
		if _, dup := seen[name]; dup {
			return Validation("milestones", "duplicate milestone "+name)
		}
		seen[name] = struct{}{}
		pct := m.Percentage()
		if !pct.IsPositive() || pct.GreaterThan(hundred) {
			return Validation("payment_percentage", "payment percentage of "+name+" must be within (0, 100]")
		}
		total = total.Add(pct)
	}
	if total.GreaterThan(hundred) {
		return Validation("payment_percentage", "milestone payment percentages exceed 100")
	}
	return nil
}

// Clone 返回深拷贝。
func (r Requirements) Clone() Requirements {
	c := r
	c.Milestones = make([]Milestone, len(r.Milestones))
	for i, m := range r.Milestones {
		mc := m
		mc.Deliverables = append([]string(nil), m.Deliverables...)
		if m.PaymentPercentage != nil {
			v := *m.PaymentPercentage
			mc.PaymentPercentage = &v
		}
		c.Milestones[i] = mc
	}
	c.Extra = CloneMap(r.Extra)
	return c
}

// PaymentKind 区分托管资金流向。
type PaymentKind string

const (
	PaymentMilestone  PaymentKind = "milestone"
	PaymentCompletion PaymentKind = "completion"
	PaymentRelease    PaymentKind = "dispute_release"
	PaymentRefund     PaymentKind = "refund"
)

// PaymentRecord 记录一笔已由账本确认的支付。
type PaymentRecord struct {
	Kind      PaymentKind     `json:"kind"`
	Milestone string          `json:"milestone,omitempty"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	LedgerRef string          `json:"ledger_ref"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Escrow 是两个智能体之间的条件支付合约。
type Escrow struct {
	ID                  string          `json:"id"`
	TaskID              string          `json:"task_id"`
	ClientID            string          `json:"client_id"`
	ProcessorID         string          `json:"processor_id"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Status              EscrowStatus    `json:"status"`
	Requirements        Requirements    `json:"requirements"`
	CompletedMilestones []string        `json:"completed_milestones"`
	Paid                decimal.Decimal `json:"paid"`
	Payments            []PaymentRecord `json:"payments,omitempty"`
	Deadline            time.Time       `json:"deadline"`
	ContractAddress     string          `json:"contract_address"`
	RequirementsHash    string          `json:"requirements_hash"`
	DeploymentRef       string          `json:"deployment_ref"`
	PendingOperation    string          `json:"pending_operation,omitempty"`
	PendingSince        *time.Time      `json:"pending_since,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Remaining 返回尚未释放的余额。
func (e *Escrow) Remaining() decimal.Decimal {
	if e == nil {
		return decimal.Zero
	}
	return e.Amount.Sub(e.Paid)
}

// MilestoneCompleted 判断阶段是否已在完成集合中。
func (e *Escrow) MilestoneCompleted(name string) bool {
	if e == nil {
		return false
	}
	for _, m := range e.CompletedMilestones {
		if m == name {
			return true
		}
	}
	return false
}

// MarkMilestone 将阶段加入完成集合，保持有序且不重复。
func (e *Escrow) MarkMilestone(name string) {
	if e.MilestoneCompleted(name) {
		return
	}
	e.CompletedMilestones = append(e.CompletedMilestones, name)
	sort.Strings(e.CompletedMilestones)
}

// AllMilestonesCompleted 判断完成集合是否覆盖全部阶段。
func (e *Escrow) AllMilestonesCompleted() bool {
	if e == nil || len(e.Requirements.Milestones) == 0 {
		return false
	}
	for _, m := range e.Requirements.Milestones {
		if !e.MilestoneCompleted(m.Name) {
			return false
		}
	}
	return true
}

// Party 判断 agentID 是否为托管参与方。
func (e *Escrow) Party(agentID string) bool {
	return e != nil && (e.ClientID == agentID || e.ProcessorID == agentID)
}

// Clone 返回深拷贝。
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	c := *e
	c.Requirements = e.Requirements.Clone()
	c.CompletedMilestones = append([]string{}, e.CompletedMilestones...)
	c.Payments = append([]PaymentRecord(nil), e.Payments...)
	if e.PendingSince != nil {
		v := *e.PendingSince
		c.PendingSince = &v
	}
	return &c
}

// DisputeStatus 表示争议状态。
type DisputeStatus string

const (
	DisputePending  DisputeStatus = "PENDING"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// DisputeOutcome 是争议的裁决结果。
type DisputeOutcome string

const (
	OutcomeRelease   DisputeOutcome = "release"
	OutcomeRefund    DisputeOutcome = "refund"
	OutcomeWithdrawn DisputeOutcome = "withdrawn"
)

// Arbitrator 是被选中的仲裁者及其权重快照，Rank 从 1 开始。
type Arbitrator struct {
	AgentID         string `json:"agent_id"`
	Weight          int64  `json:"weight"`
	ReputationScore int    `json:"reputation_score"`
	Rank            int    `json:"rank"`
}

// ArbitrationVote 是仲裁者投出的一票。
type ArbitrationVote struct {
	ArbitratorID string         `json:"arbitrator_id"`
	Decision     DisputeOutcome `json:"decision"`
	Weight       int64          `json:"weight"`
	CastAt       time.Time      `json:"cast_at"`
}

// Dispute 是针对托管的争议。
type Dispute struct {
	ID               string                     `json:"id"`
	EscrowID         string                     `json:"escrow_id"`
	ComplainantID    string                     `json:"complainant_id"`
	RespondentID     string                     `json:"respondent_id"`
	Reason           string                     `json:"reason"`
	Evidence         map[string]any             `json:"evidence,omitempty"`
	Status           DisputeStatus              `json:"status"`
	Arbitrators      []Arbitrator               `json:"arbitrators"`
	Votes            map[string]ArbitrationVote `json:"votes,omitempty"`
	Outcome          DisputeOutcome             `json:"outcome,omitempty"`
	ResponseDeadline time.Time                  `json:"response_deadline"`
	Version          int64                      `json:"version"`
	CreatedAt        time.Time                  `json:"created_at"`
	ResolvedAt       *time.Time                 `json:"resolved_at,omitempty"`
}

// Arbitrator 查找仲裁者。
func (d *Dispute) Arbitrator(agentID string) (Arbitrator, bool) {
	if d == nil {
		return Arbitrator{}, false
	}
	for _, a := range d.Arbitrators {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return Arbitrator{}, false
}

// Clone 返回深拷贝。
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	c := *d
	c.Evidence = CloneMap(d.Evidence)
	c.Arbitrators = append([]Arbitrator(nil), d.Arbitrators...)
	if d.Votes != nil {
		c.Votes = make(map[string]ArbitrationVote, len(d.Votes))
		for k, v := range d.Votes {
			c.Votes[k] = v
		}
	}
	if d.ResolvedAt != nil {
		v := *d.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}
