package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AgentStatus 表示智能体在目录中的可用状态。
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

const (
	// CapabilityEscrow 是参与托管所需的能力标识。
	CapabilityEscrow = "escrow_management"
	// CapabilityArbitration 允许智能体作为仲裁者被选中。
	CapabilityArbitration = "arbitration"
)

// Agent 描述目录中的自治智能体。可选字段使用指针表达“未配置”。
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name,omitempty"`
	Identity      *string     `json:"identity,omitempty"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	SuccessRate   *float64    `json:"success_rate,omitempty"`
	TotalRequests int64       `json:"total_requests"`
	VotingPower   *int        `json:"voting_power,omitempty"`
	Status        AgentStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HasIdentity 判断是否配置了身份描述。
func (a *Agent) HasIdentity() bool {
	return a != nil && a.Identity != nil && strings.TrimSpace(*a.Identity) != ""
}

// HasCapability 判断能力集合是否包含指定能力。
func (a *Agent) HasCapability(capability string) bool {
	if a == nil {
		return false
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// IsActive 判断智能体是否处于可用状态。
func (a *Agent) IsActive() bool {
	return a != nil && a.Status == AgentActive
}

// Clone 返回深拷贝。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Identity != nil {
		v := *a.Identity
		c.Identity = &v
	}
	if a.SuccessRate != nil {
		v := *a.SuccessRate
		c.SuccessRate = &v
	}
	if a.VotingPower != nil {
		v := *a.VotingPower
		c.VotingPower = &v
	}
	return &c
}

// Validate 在系统边界处校验智能体记录。
func (a *Agent) Validate() error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return Validation("agent_id", "agent id is required")
	}
	if a.Identity != nil && strings.TrimSpace(*a.Identity) == "" {
		a.Identity = nil
	}
	if a.SuccessRate != nil && (*a.SuccessRate < 0 || *a.SuccessRate > 100) {
		return Validation("success_rate", "success rate must be within 0..100")
	}
	if a.VotingPower != nil && *a.VotingPower < 0 {
		return Validation("voting_power", "voting power must not be negative")
	}
	switch a.Status {
	case "":
		a.Status = AgentActive
	case AgentActive, AgentInactive:
	default:
		return Validation("status", "unknown agent status "+string(a.Status))
	}
	return nil
}

// ActivityType 区分活动日志的类别。
type ActivityType string

const (
	ActivityEscrowCreated        ActivityType = "escrow_created"
	ActivityEscrowFundsLocked    ActivityType = "escrow_funds_locked"
	ActivityEscrowMilestone      ActivityType = "escrow_milestone_completed"
	ActivityEscrowPayment        ActivityType = "escrow_payment_released"
	ActivityEscrowCompleted      ActivityType = "escrow_completed"
	ActivityEscrowRefunded       ActivityType = "escrow_refunded"
	ActivitySuccessfulCompletion ActivityType = "successful_completion"
	ActivityDeadlineMissed       ActivityType = "deadline_missed"
	ActivityMessageProcessed     ActivityType = "message_processed"
	ActivityVoteCast             ActivityType = "vote_cast"
	ActivityArbitrationVote      ActivityType = "arbitration_vote"
)

// ActivityStatus 表示活动在账本上的确认状态。
type ActivityStatus string

const (
	ActivityConfirmed ActivityStatus = "confirmed"
	ActivityPending   ActivityStatus = "pending"
	ActivityFailed    ActivityStatus = "failed"
)

// EscrowActivity 是托管类活动的明细。
type EscrowActivity struct {
	EscrowID     string           `json:"escrow_id"`
	TaskID       string           `json:"task_id,omitempty"`
	Counterparty string           `json:"counterparty,omitempty"`
	Milestone    string           `json:"milestone,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	Outcome      string           `json:"outcome,omitempty"`
}

// MessageActivity 是消息处理类活动的明细。
type MessageActivity struct {
	MessageID string `json:"message_id"`
	Priority  string `json:"priority,omitempty"`
	Score     int    `json:"score"`
}

// GovernanceActivity 记录投票与仲裁行为。
type GovernanceActivity struct {
	RoundID   string `json:"round_id,omitempty"`
	DisputeID string `json:"dispute_id,omitempty"`
	Decision  string `json:"decision"`
	Weight    int64  `json:"weight"`
}

// ActivityDetails 是按活动类别区分的明细，Extra 仅承载无法结构化的扩展数据。
type ActivityDetails struct {
	Escrow     *EscrowActivity     `json:"escrow,omitempty"`
	Message    *MessageActivity    `json:"message,omitempty"`
	Governance *GovernanceActivity `json:"governance,omitempty"`
	Extra      map[string]any      `json:"extra,omitempty"`
}

// Activity 是只追加的链上活动记录，也是信誉计算的唯一输入。
type Activity struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Type      ActivityType    `json:"type"`
	Status    ActivityStatus  `json:"status"`
	LedgerRef string          `json:"ledger_ref,omitempty"`
	Details   ActivityDetails `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate 校验明细与活动类别是否匹配。
func (a *Activity) Validate() error {
	if a == nil || strings.TrimSpace(a.AgentID) == "" {
		return Validation("agent_id", "activity agent id is required")
	}
	if a.Type == "" {
		return Validation("type", "activity type is required")
	}
	switch a.Status {
	case ActivityConfirmed, ActivityPending, ActivityFailed:
	default:
		return Validation("status", "unknown activity status "+string(a.Status))
	}
	switch a.Type {
	case ActivityMessageProcessed:
		if a.Details.Message == nil {
			return Validation("details", "message activity requires message details")
		}
	case ActivityVoteCast, ActivityArbitrationVote:
		if a.Details.Governance == nil {
			return Validation("details", "governance activity requires governance details")
		}
	case ActivityEscrowCreated, ActivityEscrowFundsLocked, ActivityEscrowMilestone, ActivityEscrowPayment,
		ActivityEscrowCompleted, ActivityEscrowRefunded, ActivitySuccessfulCompletion, ActivityDeadlineMissed:
		if a.Details.Escrow == nil {
			return Validation("details", "escrow activity requires escrow details")
		}
	}
	return nil
}

// Clone 返回深拷贝。
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	if a.Details.Escrow != nil {
		e := *a.Details.Escrow
		c.Details.Escrow = &e
	}
	if a.Details.Message != nil {
		m := *a.Details.Message
		c.Details.Message = &m
	}
	if a.Details.Governance != nil {
		g := *a.Details.Governance
		c.Details.Governance = &g
	}
	c.Details.Extra = CloneMap(a.Details.Extra)
	return &c
}

// CloneMap 浅拷贝开放式扩展字段。
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
