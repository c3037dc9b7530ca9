package agent

import (
	"math"
	"time"

	"A2A-Chain/internal/domain"
)

const (
	// QualifyingScore 是信誉合格的最低分数。
	QualifyingScore = 500
	// HistoryLimit 是计算信誉时读取的最大已确认活动数。
	HistoryLimit = 50

	maxActivityScore = 300
	maxVolumeScore   = 200
	maxRecentBonus   = 100
	recentWindow     = 7 * 24 * time.Hour
)

// Breakdown 记录信誉分各分项。
type Breakdown struct {
	Activity float64 `json:"activity"`
	Success  float64 `json:"success"`
	Volume   float64 `json:"volume"`
	Recent   float64 `json:"recent_bonus"`
}

// Reputation 是某一时刻的信誉快照。
type Reputation struct {
	AgentID          string    `json:"agent_id"`
	Score            int       `json:"score"`
	Qualified        bool      `json:"qualified"`
	Breakdown        Breakdown `json:"breakdown"`
	RecentActivities int       `json:"recent_activities"`
	TotalActivities  int       `json:"total_activities"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Scorer 根据活动日志计算信誉分，本身不做任何 I/O。
type Scorer struct {
	defaultSuccessRate float64
	now                func() time.Time
}

// ScorerOption 定义 Scorer 的可选配置。
type ScorerOption func(*Scorer)

// WithDefaultSuccessRate 设置智能体未上报成功率时采用的默认值。
func WithDefaultSuccessRate(rate float64) ScorerOption {
	return func(s *Scorer) {
		if rate >= 0 && rate <= 100 {
			s.defaultSuccessRate = rate
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScorer 创建 Scorer，默认成功率为 100。
func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{defaultSuccessRate: 100, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Score 计算信誉分。未确认的活动被忽略，空日志视为零活动。
func (s *Scorer) Score(agent *domain.Agent, activities []*domain.Activity) Reputation {
	now := s.now()
	rep := Reputation{ComputedAt: now}
	if agent == nil {
		return rep
	}
	rep.AgentID = agent.ID

	cutoff := now.Add(-recentWindow)
	for _, a := range activities {
		if a == nil || a.Status != domain.ActivityConfirmed {
			continue
		}
		if rep.TotalActivities == HistoryLimit {
			break
		}
		rep.TotalActivities++
		if a.CreatedAt.After(cutoff) {
			rep.RecentActivities++
		}
	}

	rate := s.defaultSuccessRate
	if agent.SuccessRate != nil {
		rate = *agent.SuccessRate
	}

	rep.Breakdown = Breakdown{
		Activity: math.Min(maxActivityScore, float64(rep.TotalActivities)*6),
		Success:  rate * 3,
		Volume:   math.Min(maxVolumeScore, math.Max(0, float64(agent.TotalRequests))*0.5),
		Recent:   math.Min(maxRecentBonus, float64(rep.RecentActivities)*10),
	}
	total := rep.Breakdown.Activity + rep.Breakdown.Success + rep.Breakdown.Volume + rep.Breakdown.Recent
	rep.Score = int(math.Round(total))
	rep.Qualified = rep.Score >= QualifyingScore
	return rep
}
