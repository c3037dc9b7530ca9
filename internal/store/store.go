package store

import (
	"context"
	"time"

	"A2A-Chain/internal/domain"
)

// AgentStore 负责智能体目录。
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	PutAgent(ctx context.Context, agent *domain.Agent) error
	ListAgents(ctx context.Context, filter AgentFilter) ([]*domain.Agent, error)
}

// ActivityStore 负责只追加的活动日志。
type ActivityStore interface {
	AppendActivity(ctx context.Context, activity *domain.Activity) error
	ListActivities(ctx context.Context, filter ActivityFilter) ([]*domain.Activity, error)
	// SetActivityStatus 仅在当前状态为 from 时改为 to，否则返回 ErrStateConflict。
	SetActivityStatus(ctx context.Context, id string, from, to domain.ActivityStatus) error
}

// MessageStore 负责消息记录。
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// AttachRouting 仅在消息尚无路由信息时写入，否则返回 ErrStateConflict。
	AttachRouting(ctx context.Context, id string, routing domain.RoutingMetadata) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// ProposalStore 负责提案记录。
type ProposalStore interface {
	InsertProposal(ctx context.Context, proposal *domain.Proposal) error
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)
}

// RoundStore 负责共识轮次。每个提案至多一个轮次。
type RoundStore interface {
	InsertRound(ctx context.Context, round *domain.Round) error
	GetRound(ctx context.Context, id string) (*domain.Round, error)
	GetRoundByProposal(ctx context.Context, proposalID string) (*domain.Round, error)
	// UpdateRound 以 status+version 为条件更新，成功后 round.Version 自增。
	UpdateRound(ctx context.Context, round *domain.Round, expected domain.RoundStatus) error
	ListRounds(ctx context.Context, filter RoundFilter) ([]*domain.Round, error)
}

// EscrowStore 负责托管记录。
type EscrowStore interface {
	InsertEscrow(ctx context.Context, escrow *domain.Escrow) error
	GetEscrow(ctx context.Context, id string) (*domain.Escrow, error)
	// UpdateEscrow 以 status+version 为条件更新，成功后 escrow.Version 自增。
	UpdateEscrow(ctx context.Context, escrow *domain.Escrow, expected domain.EscrowStatus) error
	ListEscrows(ctx context.Context, filter EscrowFilter) ([]*domain.Escrow, error)
}

// DisputeStore 负责争议记录。
type DisputeStore interface {
	InsertDispute(ctx context.Context, dispute *domain.Dispute) error
	GetDispute(ctx context.Context, id string) (*domain.Dispute, error)
	// UpdateDispute 以 status+version 为条件更新，成功后 dispute.Version 自增。
	UpdateDispute(ctx context.Context, dispute *domain.Dispute, expected domain.DisputeStatus) error
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]*domain.Dispute, error)
}

// Store 聚合了引擎所需的全部持久化能力。
type Store interface {
	AgentStore
	ActivityStore
	MessageStore
	ProposalStore
	RoundStore
	EscrowStore
	DisputeStore
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// AgentFilter 控制智能体列表查询。结果按 ID 升序，AfterID 用于翻页。
type AgentFilter struct {
	ActiveOnly   bool
	WithIdentity bool
	Capability   string
	Exclude      []string
	AfterID      string
	Limit        int
}

func (f AgentFilter) match(a *domain.Agent) bool {
	if f.AfterID != "" && a.ID <= f.AfterID {
		return false
	}
	if f.ActiveOnly && !a.IsActive() {
		return false
	}
	if f.WithIdentity && !a.HasIdentity() {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	for _, id := range f.Exclude {
		if id == a.ID {
			return false
		}
	}
	return true
}

// ActivityFilter 控制活动列表查询，结果按时间倒序。
type ActivityFilter struct {
	AgentID string
	Type    domain.ActivityType
	Status  domain.ActivityStatus
	Since   time.Time
	Limit   int
}

func (f ActivityFilter) match(a *domain.Activity) bool {
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// RoundFilter 控制轮次列表查询。
type RoundFilter struct {
	Status         domain.RoundStatus
	DeadlineBefore time.Time
	Limit          int
}

func (f RoundFilter) match(r *domain.Round) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.DeadlineBefore.IsZero() && !r.Deadline.Before(f.DeadlineBefore) {
		return false
	}
	return true
}

// EscrowFilter 控制托管列表查询。
type EscrowFilter struct {
	Status         domain.EscrowStatus
	DeadlineBefore time.Time
	ClientID       string
	ProcessorID    string
	Limit          int
}

func (f EscrowFilter) match(e *domain.Escrow) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.DeadlineBefore.IsZero() && !e.Deadline.Before(f.DeadlineBefore) {
		return false
	}
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if f.ProcessorID != "" && e.ProcessorID != f.ProcessorID {
		return false
	}
	return true
}

// DisputeFilter 控制争议列表查询。
type DisputeFilter struct {
	Status         domain.DisputeStatus
	EscrowID       string
	DeadlineBefore time.Time
	Limit          int
}

func (f DisputeFilter) match(d *domain.Dispute) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.EscrowID != "" && d.EscrowID != f.EscrowID {
		return false
	}
	if !f.DeadlineBefore.IsZero() && !d.ResponseDeadline.Before(f.DeadlineBefore) {
		return false
	}
	return true
}
