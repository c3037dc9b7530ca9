// Package ledger defines the anchor that records an immutable receipt for
// every escrow deployment and payment. Backends are swappable: a simulated
// hash-receipt ledger for tests and development, and an EVM ledger in the
// ethereum subpackage. Retrying wraps any backend with bounded backoff.
package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"A2A-Chain/internal/domain"
)

// Status 是账本回执的状态。
type Status string

const (
	// StatusConfirmed 表示账本已最终确认。
	StatusConfirmed Status = "confirmed"
	// StatusSubmitted 表示交易已广播但尚未确认。
	StatusSubmitted Status = "submitted"
	// StatusFailed 表示交易已上链但执行失败。
	StatusFailed Status = "failed"
)

// Receipt 是账本返回的不透明回执，Reference 只用于记录，不参与业务判断。
type Receipt struct {
	Reference string `json:"reference"`
	Status    Status `json:"status"`
}

// ActivityStatus 把回执状态映射为活动状态。
func (r Receipt) ActivityStatus() domain.ActivityStatus {
	return r.Status.ActivityStatus()
}

// ActivityStatus 把账本状态映射为活动状态，未知状态视为待确认。
func (s Status) ActivityStatus() domain.ActivityStatus {
	switch s {
	case StatusConfirmed:
		return domain.ActivityConfirmed
	case StatusFailed:
		return domain.ActivityFailed
	default:
		return domain.ActivityPending
	}
}

// Deployment 是部署托管合约时锚定的载荷。
type Deployment struct {
	EscrowID         string          `json:"escrow_id"`
	ContractAddress  string          `json:"contract_address"`
	RequirementsHash string          `json:"requirements_hash"`
	ClientID         string          `json:"client_id"`
	ProcessorID      string          `json:"processor_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
}

// Payment 是一笔从托管合约转出的资金。To 为收款方智能体，ToAddress 为其链上身份。
type Payment struct {
	EscrowID    string             `json:"escrow_id"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	ToAddress   string             `json:"to_address"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency"`
	Kind        domain.PaymentKind `json:"kind"`
	Milestone   string             `json:"milestone,omitempty"`
	Description string             `json:"description,omitempty"`
}

// Validate 拒绝无法上链的支付。
func (p Payment) Validate() error {
	if strings.TrimSpace(p.To) == "" {
		return domain.Validation("to", "payment recipient is required")
	}
	if !p.Amount.IsPositive() {
		return domain.Validation("amount", "payment amount must be positive")
	}
	return nil
}

// Ledger 是账本锚定服务。
type Ledger interface {
	Deploy(ctx context.Context, d Deployment) (Receipt, error)
	Pay(ctx context.Context, p Payment) (Receipt, error)
}

// Confirmer 查询已提交回执的当前状态。尚未出块的回执返回 StatusSubmitted。
type Confirmer interface {
	Confirm(ctx context.Context, reference string) (Status, error)
}
