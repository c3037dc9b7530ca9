package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/store"
)

const (
	proofOfLifeWindow = 24 * time.Hour

	// VerificationAlive 表示最近 24 小时内有已确认活动。
	VerificationAlive = 100
	// VerificationDormant 表示身份有效但近期无活动。
	VerificationDormant = 75
)

// DeterministicID 返回 agentID 对应的确定性身份：0x 加 SHA-256 十六进制的前 40 位。
func DeterministicID(agentID string) string {
	return HashID(agentID)
}

// HashID 对任意输入做同样的截断哈希，托管合约地址也使用它派生。
func HashID(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])[:40]
}

// Verification 是身份校验结果。
type Verification struct {
	AgentID        string `json:"agent_id"`
	Identity       string `json:"identity"`
	RecentActivity bool   `json:"recent_activity"`
	Score          int    `json:"verification_score"`
}

// Verifier 校验智能体声明的身份。
type Verifier struct {
	activities store.ActivityStore
	now        func() time.Time
}

// NewVerifier 创建 Verifier。activities 为空时跳过存活检查。
func NewVerifier(activities store.ActivityStore, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{activities: activities, now: now}
}

// Verify 比对确定性身份并计算存活分。
func (v *Verifier) Verify(ctx context.Context, agent *domain.Agent) (Verification, error) {
	if agent == nil {
		return Verification{}, domain.NotFound("agent", "")
	}
	if !agent.HasIdentity() {
		return Verification{}, xerrors.New(domain.CodeNoIdentity, "agent has no identity configured",
			xerrors.WithReason("no_identity"),
			xerrors.WithMetadata("agent_id", agent.ID),
		)
	}
	claimed := strings.TrimSpace(*agent.Identity)
	if !strings.EqualFold(claimed, DeterministicID(agent.ID)) {
		return Verification{}, xerrors.New(domain.CodeIdentityMismatch, "claimed identity does not match",
			xerrors.WithReason("identity_mismatch"),
			xerrors.WithMetadata("agent_id", agent.ID),
		)
	}

	result := Verification{AgentID: agent.ID, Identity: claimed, Score: VerificationDormant}
	if v.activities == nil {
		return result, nil
	}
	recent, err := v.activities.ListActivities(ctx, store.ActivityFilter{
		AgentID: agent.ID,
		Status:  domain.ActivityConfirmed,
		Since:   v.now().Add(-proofOfLifeWindow),
		Limit:   1,
	})
	if err != nil {
		return Verification{}, err
	}
	if len(recent) > 0 {
		result.RecentActivity = true
		result.Score = VerificationAlive
	}
	return result, nil
}
