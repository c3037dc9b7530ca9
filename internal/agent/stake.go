package agent

import (
	"math"

	"A2A-Chain/internal/domain"
)

// StakePolicy 描述投票权重与资格门槛。
type StakePolicy struct {
	BaseWeight int64
	MinWeight  int64
	MinScore   int
}

// DefaultStakePolicy 返回默认门槛：基础权重 100，权重至少 50，信誉至少 400。
func DefaultStakePolicy() StakePolicy {
	return StakePolicy{BaseWeight: 100, MinWeight: 50, MinScore: 400}
}

// Stake 是某个智能体的投票权重。
type Stake struct {
	AgentID  string `json:"agent_id"`
	Weight   int64  `json:"weight"`
	Score    int    `json:"reputation_score"`
	Eligible bool   `json:"eligible"`
}

// ReputationMultiplier 返回 clamp(score/500, 0.5, 2.0)。
func ReputationMultiplier(score int) float64 {
	return clamp(float64(score)/500, 0.5, 2.0)
}

// ActivityMultiplier 返回 clamp(1 + totalRequests*0.001, 1.0, 1.5)。
func ActivityMultiplier(totalRequests int64) float64 {
	return clamp(1+float64(totalRequests)*0.001, 1.0, 1.5)
}

// Weigh 计算最终权重。权重与信誉两道门槛彼此独立。
func (p StakePolicy) Weigh(agent *domain.Agent, score int) Stake {
	if agent == nil {
		return Stake{}
	}
	base := p.BaseWeight
	if agent.VotingPower != nil {
		base = int64(*agent.VotingPower)
	}
	weight := int64(math.Round(float64(base) * ReputationMultiplier(score) * ActivityMultiplier(agent.TotalRequests)))
	return Stake{
		AgentID:  agent.ID,
		Weight:   weight,
		Score:    score,
		Eligible: weight >= p.MinWeight && score >= p.MinScore,
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
