package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

// 托管能力校验失败时返回给调用方的原因。
const (
	ReasonAgentNotFound           = "Agent not found"
	ReasonNoBlockchainConfig      = "No blockchain configuration"
	ReasonInvalidIdentity         = "Invalid blockchain identity"
	ReasonMissingEscrowCapability = "Missing escrow capability"
	ReasonInsufficientReputation  = "Insufficient reputation for escrow"

	// EscrowMinScore 是参与托管所需的最低信誉。
	EscrowMinScore = 600

	// DefaultPageSize 是 AllCandidates 每次向存储读取的条数。
	DefaultPageSize = 500
)

// Store 是 Directory 依赖的存储子集。
type Store interface {
	store.AgentStore
	store.ActivityStore
}

// Directory 是智能体目录的统一入口：读取智能体、计算并缓存信誉、记录活动。
type Directory struct {
	store    Store
	scorer   *Scorer
	verifier *Verifier
	stake    StakePolicy
	cache    ReputationCache
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义 Directory 的可选配置。
type Option func(*Directory)

// WithScorer 替换信誉计算器。
func WithScorer(s *Scorer) Option {
	return func(d *Directory) {
		if s != nil {
			d.scorer = s
		}
	}
}

// WithCache 配置信誉缓存。
func WithCache(c ReputationCache) Option {
	return func(d *Directory) {
		if c != nil {
			d.cache = c
		}
	}
}

// WithStakePolicy 覆盖投票权重门槛。
func WithStakePolicy(p StakePolicy) Option {
	return func(d *Directory) {
		d.stake = p
	}
}

// WithPageSize 设置 AllCandidates 的分页大小。
func WithPageSize(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDirectory 创建 Directory。
func NewDirectory(st Store, opts ...Option) *Directory {
	d := &Directory{
		store:    st,
		stake:    DefaultStakePolicy(),
		cache:    noopCache{},
		pageSize: DefaultPageSize,
		now:      time.Now,
		logger:   logger.Named("directory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.scorer == nil {
		d.scorer = NewScorer(WithClock(d.now))
	}
	d.verifier = NewVerifier(st, d.now)
	return d
}

// Agent 读取智能体。
func (d *Directory) Agent(ctx context.Context, id string) (*domain.Agent, error) {
	if d.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体目录未配置存储")
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("agent_id", "agent id is required")
	}
	return d.store.GetAgent(ctx, id)
}

// Candidates 按过滤条件列出智能体。
func (d *Directory) Candidates(ctx context.Context, filter store.AgentFilter) ([]*domain.Agent, error) {
	return d.store.ListAgents(ctx, filter)
}

// AllCandidates 按 ID 顺序逐页读取全部匹配的智能体，忽略 filter.Limit。
func (d *Directory) AllCandidates(ctx context.Context, filter store.AgentFilter) ([]*domain.Agent, error) {
	filter.Limit = d.pageSize
	filter.AfterID = ""
	var out []*domain.Agent
	for {
		page, err := d.store.ListAgents(ctx, filter)
		if err != nil {
			return nil, err
		}
		// 存储可能截断过大的 Limit，只有空页才说明已读完。
		if len(page) == 0 {
			return out, nil
		}
		out = append(out, page...)
		filter.AfterID = page[len(page)-1].ID
	}
}

// Reputation 返回智能体的信誉，优先读取缓存。
func (d *Directory) Reputation(ctx context.Context, agent *domain.Agent) (Reputation, error) {
	if agent == nil {
		return Reputation{}, domain.NotFound("agent", "")
	}
	if rep, ok := d.cache.Get(ctx, agent.ID); ok {
		return rep, nil
	}
	activities, err := d.store.ListActivities(ctx, store.ActivityFilter{
		AgentID: agent.ID,
		Status:  domain.ActivityConfirmed,
		Limit:   HistoryLimit,
	})
	if err != nil {
		return Reputation{}, err
	}
	rep := d.scorer.Score(agent, activities)
	d.cache.Set(ctx, rep)
	return rep, nil
}

// VerifyIdentity 校验身份并计算存活分。
func (d *Directory) VerifyIdentity(ctx context.Context, agent *domain.Agent) (Verification, error) {
	return d.verifier.Verify(ctx, agent)
}

// Stake 计算智能体的投票权重。
func (d *Directory) Stake(ctx context.Context, agent *domain.Agent) (Stake, error) {
	rep, err := d.Reputation(ctx, agent)
	if err != nil {
		return Stake{}, err
	}
	return d.stake.Weigh(agent, rep.Score), nil
}

// RecordActivity 追加一条活动记录并使该智能体的信誉缓存失效。
func (d *Directory) RecordActivity(ctx context.Context, activity *domain.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Status == "" {
		activity.Status = domain.ActivityConfirmed
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = d.now().UTC()
	}
	if err := d.store.AppendActivity(ctx, activity); err != nil {
		return err
	}
	d.cache.Invalidate(ctx, activity.AgentID)
	return nil
}

// PendingActivities 返回等待账本确认的活动，只包含带账本回执的记录。
func (d *Directory) PendingActivities(ctx context.Context, limit int) ([]*domain.Activity, error) {
	pending, err := d.store.ListActivities(ctx, store.ActivityFilter{Status: domain.ActivityPending, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, a := range pending {
		if a.LedgerRef != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// SettleActivity 把待确认活动改为 to 并使信誉缓存失效。
func (d *Directory) SettleActivity(ctx context.Context, activity *domain.Activity, to domain.ActivityStatus) error {
	if err := d.store.SetActivityStatus(ctx, activity.ID, domain.ActivityPending, to); err != nil {
		return err
	}
	activity.Status = to
	d.cache.Invalidate(ctx, activity.AgentID)
	return nil
}

// EscrowCapability 校验智能体能否参与托管，失败时返回携带原因的能力错误。
func (d *Directory) EscrowCapability(ctx context.Context, party, agentID string) (*domain.Agent, Reputation, error) {
	agent, err := d.Agent(ctx, agentID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil, Reputation{}, domain.Capability(party, agentID, ReasonAgentNotFound)
		}
		return nil, Reputation{}, err
	}
	if !agent.HasIdentity() {
		return nil, Reputation{}, domain.Capability(party, agentID, ReasonNoBlockchainConfig)
	}
	if _, err := d.VerifyIdentity(ctx, agent); err != nil {
		if domain.IsCode(err, domain.CodeIdentityMismatch) {
			return nil, Reputation{}, domain.Capability(party, agentID, ReasonInvalidIdentity)
		}
		return nil, Reputation{}, err
	}
	if !agent.HasCapability(domain.CapabilityEscrow) {
		return nil, Reputation{}, domain.Capability(party, agentID, ReasonMissingEscrowCapability)
	}
	rep, err := d.Reputation(ctx, agent)
	if err != nil {
		return nil, Reputation{}, err
	}
	if rep.Score < EscrowMinScore {
		return nil, Reputation{}, domain.Capability(party, agentID, ReasonInsufficientReputation)
	}
	return agent, rep, nil
}
