// Package arbitration 负责争议仲裁：按信誉挑选中立仲裁员，收集加权投票并驱动托管结算。
package arbitration

import (
	"context"
	"log/slog"
	"sort"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

const (
	// DefaultPanelSize 是每个争议的仲裁员人数。
	DefaultPanelSize = 3
	// DefaultMinScore 是仲裁员的最低信誉。
	DefaultMinScore = agent.EscrowMinScore
)

// Directory 是挑选仲裁员所需的目录能力。
type Directory interface {
	AllCandidates(ctx context.Context, filter store.AgentFilter) ([]*domain.Agent, error)
	VerifyIdentity(ctx context.Context, a *domain.Agent) (agent.Verification, error)
	Stake(ctx context.Context, a *domain.Agent) (agent.Stake, error)
}

// Selector 按信誉从高到低挑选仲裁员，同分按 id 升序。
type Selector struct {
	dir      Directory
	size     int
	minScore int
	logger   *slog.Logger
}

// SelectorOption 定义 Selector 的可选配置。
type SelectorOption func(*Selector)

// WithPanelSize 设置仲裁员人数。
func WithPanelSize(k int) SelectorOption {
	return func(s *Selector) {
		if k > 0 {
			s.size = k
		}
	}
}

// WithMinScore 设置仲裁员最低信誉。
func WithMinScore(score int) SelectorOption {
	return func(s *Selector) {
		if score > 0 {
			s.minScore = score
		}
	}
}

// NewSelector 创建 Selector。
func NewSelector(dir Directory, opts ...SelectorOption) *Selector {
	s := &Selector{
		dir:      dir,
		size:     DefaultPanelSize,
		minScore: DefaultMinScore,
		logger:   logger.Named("arbitration"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Select 返回至多 K 名仲裁员。exclude 通常是争议双方。
func (s *Selector) Select(ctx context.Context, exclude ...string) ([]domain.Arbitrator, error) {
	agents, err := s.dir.AllCandidates(ctx, store.AgentFilter{
		ActiveOnly:   true,
		WithIdentity: true,
		Exclude:      exclude,
	})
	if err != nil {
		return nil, err
	}

	panel := make([]domain.Arbitrator, 0, len(agents))
	for _, a := range agents {
		if !a.HasCapability(domain.CapabilityEscrow) && !a.HasCapability(domain.CapabilityArbitration) {
			continue
		}
		if _, err := s.dir.VerifyIdentity(ctx, a); err != nil {
			if domain.IsCode(err, domain.CodeIdentityMismatch) || domain.IsCode(err, domain.CodeNoIdentity) {
				continue
			}
			return nil, err
		}
		stake, err := s.dir.Stake(ctx, a)
		if err != nil {
			return nil, err
		}
		if stake.Score < s.minScore || stake.Weight <= 0 {
			continue
		}
		panel = append(panel, domain.Arbitrator{
			AgentID:         a.ID,
			Weight:          stake.Weight,
			ReputationScore: stake.Score,
		})
	}

	sort.Slice(panel, func(i, j int) bool {
		if panel[i].ReputationScore != panel[j].ReputationScore {
			return panel[i].ReputationScore > panel[j].ReputationScore
		}
		return panel[i].AgentID < panel[j].AgentID
	})
	if len(panel) > s.size {
		panel = panel[:s.size]
	}
	for i := range panel {
		panel[i].Rank = i + 1
	}
	if len(panel) < s.size {
		s.logger.Warn("合格仲裁员不足", slog.Int("want", s.size), slog.Int("got", len(panel)))
	}
	return panel, nil
}
