package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
)

// RequirementsHash 返回需求的 SHA-256 指纹。编码使用 encoding/json：结构体字段顺序固定，
// map 键排序，金额以去掉尾随零的字符串编码，因此同样的需求总得到同样的指纹。
func RequirementsHash(r domain.Requirements) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", domain.Validation("requirements", "requirements are not serialisable")
	}
	sum := sha256.Sum256(payload)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// ContractAddress 由托管 ID 与双方 ID 派生确定性合约地址。
func ContractAddress(escrowID, clientID, processorID string) string {
	return agent.HashID("escrow:" + escrowID + ":" + clientID + ":" + processorID)
}

// RequirementsChecker 判断托管能否整体完成，未满足时返回原因。
type RequirementsChecker interface {
	RequirementsMet(ctx context.Context, e *domain.Escrow) (bool, string, error)
}

// CheckerFunc 把函数适配为 RequirementsChecker。
type CheckerFunc func(ctx context.Context, e *domain.Escrow) (bool, string, error)

// RequirementsMet 实现 RequirementsChecker。
func (f CheckerFunc) RequirementsMet(ctx context.Context, e *domain.Escrow) (bool, string, error) {
	return f(ctx, e)
}

// HashChecker 只校验需求指纹与创建时一致。
type HashChecker struct{}

// RequirementsMet 实现 RequirementsChecker。
func (HashChecker) RequirementsMet(_ context.Context, e *domain.Escrow) (bool, string, error) {
	hash, err := RequirementsHash(e.Requirements)
	if err != nil {
		return false, "", err
	}
	if hash != e.RequirementsHash {
		return false, "requirements_hash_mismatch", nil
	}
	return true, "", nil
}
