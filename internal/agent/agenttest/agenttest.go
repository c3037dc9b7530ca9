// Package agenttest seeds agents with a chosen reputation score for tests of
// the packages that consume the directory.
package agenttest

import (
	"context"
	"fmt"
	"math"
	"time"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
)

// Profile 描述要写入的测试智能体。
type Profile struct {
	ID            string
	Score         int
	TotalRequests int64
	Capabilities  []string
	VotingPower   *int
	NoIdentity    bool
	Inactive      bool
}

// Seed 写入智能体以及恰好产生 Profile.Score 所需的已确认活动。
func Seed(ctx context.Context, st agent.Store, p Profile, now time.Time) (*domain.Agent, error) {
	rate, recent, old, err := solve(p.Score, p.TotalRequests)
	if err != nil {
		return nil, err
	}
	a := &domain.Agent{
		ID:            p.ID,
		Capabilities:  append([]string(nil), p.Capabilities...),
		SuccessRate:   &rate,
		TotalRequests: p.TotalRequests,
		VotingPower:   p.VotingPower,
	}
	if !p.NoIdentity {
		id := agent.DeterministicID(p.ID)
		a.Identity = &id
	}
	if p.Inactive {
		a.Status = domain.AgentInactive
	}
	if err := st.PutAgent(ctx, a); err != nil {
		return nil, err
	}
	for i := 0; i < recent+old; i++ {
		at := now.Add(-time.Duration(i+1) * time.Hour)
		if i >= recent {
			at = now.Add(-30 * 24 * time.Hour).Add(-time.Duration(i) * time.Minute)
		}
		err := st.AppendActivity(ctx, &domain.Activity{
			ID:        fmt.Sprintf("seed-%s-%d", p.ID, i),
			AgentID:   p.ID,
			Type:      domain.ActivitySuccessfulCompletion,
			Status:    domain.ActivityConfirmed,
			Details:   domain.ActivityDetails{Escrow: &domain.EscrowActivity{EscrowID: "seed"}},
			CreatedAt: at,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// MustSeed 与 Seed 相同，失败时 panic。
func MustSeed(ctx context.Context, st agent.Store, p Profile, now time.Time) *domain.Agent {
	a, err := Seed(ctx, st, p, now)
	if err != nil {
		panic(err)
	}
	return a
}

// Power 返回指向 v 的指针，便于设置 VotingPower。
func Power(v int) *int { return &v }

func solve(score int, totalRequests int64) (rate float64, recent, old int, err error) {
	volume := math.Min(200, math.Max(0, float64(totalRequests))*0.5)
	for r := 0; r <= 10; r++ {
		for n := r; n <= agent.HistoryLimit; n++ {
			base := float64(n)*6 + float64(r)*10 + volume
			rate = (float64(score) - base) / 3
			if rate >= 0 && rate <= 100 {
				return rate, r, n - r, nil
			}
			if rate < 0 {
				break
			}
		}
	}
	return 0, 0, 0, fmt.Errorf("score %d is unreachable with %d requests", score, totalRequests)
}
