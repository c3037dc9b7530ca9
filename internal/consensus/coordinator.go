// Package consensus 对提案发起按权益加权的投票轮次。
//
// 轮次在创建时冻结每位投票者的权重；赞成权重达到门槛即通过，
// 赞成权重加上未投票权重已不可能达到门槛即失败，截止后仍未决定的轮次由扫描任务置为过期。
package consensus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

const (
	// DefaultThresholdPercent 是通过所需的赞成权重百分比。
	DefaultThresholdPercent = 60
	// DefaultVotingWindow 是投票窗口。
	DefaultVotingWindow = 24 * time.Hour

	casRetries    = 3
	reasonVoted   = "duplicate_vote"
	reasonExpired = "voting_closed"
)

// Directory 是协调器所需的智能体目录能力。
type Directory interface {
	Agent(ctx context.Context, id string) (*domain.Agent, error)
	AllCandidates(ctx context.Context, filter store.AgentFilter) ([]*domain.Agent, error)
	VerifyIdentity(ctx context.Context, a *domain.Agent) (agent.Verification, error)
	Stake(ctx context.Context, a *domain.Agent) (agent.Stake, error)
	RecordActivity(ctx context.Context, activity *domain.Activity) error
}

// Sender 发送投票邀请。
type Sender interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// Store 是协调器所需的存储子集。
type Store interface {
	store.ProposalStore
	store.RoundStore
}

// Coordinator 管理共识轮次的完整生命周期。
type Coordinator struct {
	store     Store
	dir       Directory
	sender    Sender
	threshold int64
	window    time.Duration
	metrics   *metrics.Registry
	alerter   alerting.Dispatcher
	now       func() time.Time
	logger    *slog.Logger
}

// Option 定义 Coordinator 的可选配置。
type Option func(*Coordinator)

// WithThreshold 设置通过门槛百分比。
func WithThreshold(percent int64) Option {
	return func(c *Coordinator) {
		if percent > 0 && percent <= 100 {
			c.threshold = percent
		}
	}
}

// WithVotingWindow 设置投票窗口。
func WithVotingWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithMetrics 配置指标。
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithAlerts 配置告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerter = d }
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建 Coordinator。
func New(st Store, dir Directory, sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		dir:       dir,
		sender:    sender,
		threshold: DefaultThresholdPercent,
		window:    DefaultVotingWindow,
		now:       time.Now,
		logger:    logger.Named("consensus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Propose 保存提案并立即发起轮次。提案 ID 为空时自动生成。
func (c *Coordinator) Propose(ctx context.Context, proposal *domain.Proposal) (*domain.Round, error) {
	if proposal != nil && proposal.ID == "" {
		proposal.ID = uuid.NewString()
	}
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = c.now().UTC()
	}
	if err := c.store.InsertProposal(ctx, proposal); err != nil && !stdErrors.Is(err, store.ErrDuplicate) {
		return nil, err
	}
	return c.ProcessProposal(ctx, proposal.ID)
}

// ProcessProposal 为提案创建投票轮次并向每位合格投票者发送邀请。
// 没有合格投票者时轮次仍会创建，并在截止后过期。
func (c *Coordinator) ProcessProposal(ctx context.Context, proposalID string) (*domain.Round, error) {
	proposal, err := c.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if existing, err := c.store.GetRoundByProposal(ctx, proposal.ID); err == nil {
		return nil, xerrors.New(domain.CodeStateConflict, "proposal already has a consensus round",
			xerrors.WithReason("round_exists"),
			xerrors.WithMetadata("proposal_id", proposal.ID),
			xerrors.WithMetadata("round_id", existing.ID),
			xerrors.WithMetadata("actual_status", string(existing.Status)),
		)
	} else if !stdErrors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := c.verifyProposer(ctx, proposal); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	round := &domain.Round{
		ID:               uuid.NewString(),
		ProposalID:       proposal.ID,
		Status:           domain.RoundVoting,
		ThresholdPercent: c.threshold,
		Votes:            map[string]domain.Vote{},
		Deadline:         now.Add(c.window),
		CreatedAt:        now,
	}
	if err := c.electorate(ctx, round); err != nil {
		return nil, err
	}
	if err := c.store.InsertRound(ctx, round); err != nil {
		if stdErrors.Is(err, store.ErrDuplicate) {
			return nil, xerrors.New(domain.CodeStateConflict, "proposal already has a consensus round",
				xerrors.WithReason("round_exists"),
				xerrors.WithMetadata("proposal_id", proposal.ID))
		}
		return nil, err
	}

	logger.Audit().Info("consensus_round_opened",
		slog.String("round_id", round.ID),
		slog.String("proposal_id", proposal.ID),
		slog.Int64("total_weight", round.TotalWeight),
		slog.Int64("threshold_weight", round.ThresholdWeight()),
		slog.Int("voters", len(round.Voters)),
	)

	if len(round.Voters) == 0 {
		warn := xerrors.New(domain.CodeNoEligibleVoters, "no eligible voters for proposal",
			xerrors.WithReason("no_eligible_voters"),
			xerrors.WithMetadata("proposal_id", proposal.ID),
			xerrors.WithMetadata("round_id", round.ID))
		c.logger.Warn("提案没有合格投票者", slog.String("proposal_id", proposal.ID), slog.String("round_id", round.ID))
		alerting.Emit(ctx, c.alerter, alerting.FromError("consensus", "process_proposal", round.ID, warn))
		return round, nil
	}

	c.invite(ctx, proposal, round)
	return round, nil
}

func (c *Coordinator) verifyProposer(ctx context.Context, proposal *domain.Proposal) error {
	invalid := func(cause error) error {
		return xerrors.Wrap(domain.CodeProposerInvalid, cause, "proposer identity is invalid",
			xerrors.WithReason("proposer_identity_invalid"),
			xerrors.WithMetadata("proposer_id", proposal.ProposerID))
	}
	proposer, err := c.dir.Agent(ctx, proposal.ProposerID)
	if err != nil {
		if stdErrors.Is(err, domain.ErrNotFound) {
			return invalid(err)
		}
		return err
	}
	if _, err := c.dir.VerifyIdentity(ctx, proposer); err != nil {
		if domain.IsCode(err, domain.CodeIdentityMismatch) || domain.IsCode(err, domain.CodeNoIdentity) {
			return invalid(err)
		}
		return err
	}
	return nil
}

// electorate 为每个活跃且配置了身份的智能体计算权重，两道门槛都满足的才成为投票者。
func (c *Coordinator) electorate(ctx context.Context, round *domain.Round) error {
	candidates, err := c.dir.AllCandidates(ctx, store.AgentFilter{ActiveOnly: true, WithIdentity: true})
	if err != nil {
		return err
	}
	for _, a := range candidates {
		stake, err := c.dir.Stake(ctx, a)
		if err != nil {
			return err
		}
		if !stake.Eligible {
			if round.Ineligible == nil {
				round.Ineligible = map[string]int64{}
			}
			round.Ineligible[a.ID] = stake.Weight
			continue
		}
		round.Voters = append(round.Voters, domain.Voter{
			AgentID:         a.ID,
			Weight:          stake.Weight,
			ReputationScore: stake.Score,
		})
		round.TotalWeight += stake.Weight
	}
	sort.Slice(round.Voters, func(i, j int) bool { return round.Voters[i].AgentID < round.Voters[j].AgentID })
	return nil
}

// InvitationID 返回投票邀请的消息 ID。
func InvitationID(proposalID, agentID string) string {
	return fmt.Sprintf("vote_invitation_%s_%s", proposalID, agentID)
}

func (c *Coordinator) invite(ctx context.Context, proposal *domain.Proposal, round *domain.Round) {
	if c.sender == nil {
		return
	}
	for _, v := range round.Voters {
		deadline := round.Deadline
		msg := &domain.Message{
			ID:           InvitationID(proposal.ID, v.AgentID),
			SenderID:     domain.SenderConsensusSystem,
			RecipientIDs: []string{v.AgentID},
			Type:         domain.MessageVotingInvitation,
			Content: domain.MessageContent{Voting: &domain.VotingInvitation{
				ProposalID:   proposal.ID,
				RoundID:      round.ID,
				Title:        proposal.Title,
				VotingWeight: v.Weight,
				Deadline:     deadline,
			}},
			RequiresResponse: true,
			Deadline:         &deadline,
		}
		if err := c.sender.Send(ctx, msg); err != nil {
			c.logger.Warn("发送投票邀请失败",
				slog.String("round_id", round.ID),
				slog.String("voter", v.AgentID),
				slog.Any("error", err))
		}
	}
}

// Round 读取轮次。
func (c *Coordinator) Round(ctx context.Context, id string) (*domain.Round, error) {
	return c.store.GetRound(ctx, id)
}

// CastVote 记录一票并在满足终止条件时关闭轮次。每位投票者只能投一次。
func (c *Coordinator) CastVote(ctx context.Context, roundID, voterID string, approve bool) (*domain.Round, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		round, err := c.castOnce(ctx, roundID, voterID, approve)
		if err == nil {
			return round, nil
		}
		if xerrors.ReasonOf(err) != "concurrent_update" {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Coordinator) castOnce(ctx context.Context, roundID, voterID string, approve bool) (*domain.Round, error) {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status != domain.RoundVoting {
		return nil, domain.StateConflict("round", round.ID, string(domain.RoundVoting), string(round.Status))
	}
	now := c.now().UTC()
	if !now.Before(round.Deadline) {
		if err := c.expire(ctx, round, now); err != nil && !stdErrors.Is(err, domain.ErrStateConflict) {
			return nil, err
		}
		return nil, xerrors.New(domain.CodeStateConflict, "voting window has closed",
			xerrors.WithReason(reasonExpired),
			xerrors.WithMetadata("round_id", round.ID))
	}
	voter, ok := round.Voter(voterID)
	if !ok {
		return nil, xerrors.New(domain.CodeCapability, "agent is not an eligible voter",
			xerrors.WithReason("ineligible_voter"),
			xerrors.WithMetadata("round_id", round.ID),
			xerrors.WithMetadata("agent_id", voterID))
	}
	if _, voted := round.Votes[voterID]; voted {
		return nil, xerrors.New(domain.CodeStateConflict, "agent has already voted",
			xerrors.WithReason(reasonVoted),
			xerrors.WithMetadata("round_id", round.ID),
			xerrors.WithMetadata("agent_id", voterID))
	}

	if round.Votes == nil {
		round.Votes = map[string]domain.Vote{}
	}
	round.Votes[voterID] = domain.Vote{VoterID: voterID, Approve: approve, Weight: voter.Weight, CastAt: now}
	if approve {
		round.YesWeight += voter.Weight
	} else {
		round.NoWeight += voter.Weight
	}
	if status := Tally(round); status != domain.RoundVoting {
		round.Status = status
		round.ClosedAt = &now
	}
	if err := c.store.UpdateRound(ctx, round, domain.RoundVoting); err != nil {
		return nil, err
	}

	decision := "reject"
	if approve {
		decision = "approve"
	}
	c.metrics.VoteCast("consensus")
	logger.Audit().Info("consensus_vote_cast",
		slog.String("round_id", round.ID),
		slog.String("voter", voterID),
		slog.String("decision", decision),
		slog.Int64("weight", voter.Weight),
		slog.String("status", string(round.Status)),
	)
	if round.Status.Terminal() {
		c.closed(round)
	}
	err = c.dir.RecordActivity(ctx, &domain.Activity{
		AgentID: voterID,
		Type:    domain.ActivityVoteCast,
		Status:  domain.ActivityConfirmed,
		Details: domain.ActivityDetails{Governance: &domain.GovernanceActivity{
			RoundID:  round.ID,
			Decision: decision,
			Weight:   voter.Weight,
		}},
		CreatedAt: now,
	})
	if err != nil {
		c.logger.Warn("记录投票活动失败", slog.String("round_id", round.ID), slog.Any("error", err))
	}
	return round, nil
}

// Tally 返回按当前票数应处的状态：赞成达到门槛即通过，剩余权重全部赞成也不够则失败。
func Tally(round *domain.Round) domain.RoundStatus {
	if round.TotalWeight <= 0 {
		return domain.RoundVoting
	}
	threshold := round.ThresholdWeight()
	switch {
	case round.YesWeight >= threshold:
		return domain.RoundPassed
	case round.YesWeight+round.UndecidedWeight() < threshold:
		return domain.RoundFailed
	default:
		return domain.RoundVoting
	}
}

// ExpireRounds 把截止时间早于 now 的投票中轮次置为过期，可重复调用。
func (c *Coordinator) ExpireRounds(ctx context.Context, now time.Time, limit int) (int, error) {
	rounds, err := c.store.ListRounds(ctx, store.RoundFilter{
		Status:         domain.RoundVoting,
		DeadlineBefore: now,
		Limit:          limit,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, round := range rounds {
		if err := c.expire(ctx, round, now); err != nil {
			if stdErrors.Is(err, domain.ErrStateConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (c *Coordinator) expire(ctx context.Context, round *domain.Round, now time.Time) error {
	closedAt := now.UTC()
	round.Status = domain.RoundExpired
	round.ClosedAt = &closedAt
	if err := c.store.UpdateRound(ctx, round, domain.RoundVoting); err != nil {
		return err
	}
	c.closed(round)
	return nil
}

func (c *Coordinator) closed(round *domain.Round) {
	c.metrics.RoundClosed(string(round.Status))
	logger.Audit().Info("consensus_round_closed",
		slog.String("round_id", round.ID),
		slog.String("proposal_id", round.ProposalID),
		slog.String("status", string(round.Status)),
		slog.Int64("yes_weight", round.YesWeight),
		slog.Int64("no_weight", round.NoWeight),
		slog.Int64("total_weight", round.TotalWeight),
	)
}
