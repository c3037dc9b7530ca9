package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/ledger"
	"A2A-Chain/internal/store"
)

// CreateRequest 是创建托管的输入。EscrowID 为空时自动生成。
type CreateRequest struct {
	EscrowID     string              `json:"escrow_id,omitempty"`
	TaskID       string              `json:"task_id"`
	ClientID     string              `json:"client_id"`
	ProcessorID  string              `json:"processor_id"`
	Amount       decimal.Decimal     `json:"amount"`
	Currency     string              `json:"currency,omitempty"`
	Deadline     time.Time           `json:"deadline"`
	Requirements domain.Requirements `json:"requirements"`
}

// Validate 在任何外部调用之前校验输入。
func (r CreateRequest) Validate(now time.Time) error {
	if strings.TrimSpace(r.TaskID) == "" {
		return domain.Validation("task_id", "task id is required")
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return domain.Validation("client_id", "client id is required")
	}
	if strings.TrimSpace(r.ProcessorID) == "" {
		return domain.Validation("processor_id", "processor id is required")
	}
	if r.ClientID == r.ProcessorID {
		return domain.Validation("processor_id", "client and processor must be different agents")
	}
	if !r.Amount.IsPositive() {
		return domain.Validation("amount", "amount must be positive")
	}
	if !r.Deadline.After(now) {
		return domain.Validation("deadline", "deadline must be in the future")
	}
	return r.Requirements.Validate()
}

// Create 校验双方资格，在账本部署成功后保存 ACTIVE 托管并通知双方。
// 账本失败时不保存任何记录。
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*domain.Escrow, error) {
	now := m.now().UTC()
	if err := req.Validate(now); err != nil {
		return nil, err
	}
	if _, _, err := m.dir.EscrowCapability(ctx, "client", req.ClientID); err != nil {
		return nil, err
	}
	if _, _, err := m.dir.EscrowCapability(ctx, "processor", req.ProcessorID); err != nil {
		return nil, err
	}

	id := req.EscrowID
	if id == "" {
		id = uuid.NewString()
	}
	currency := req.Currency
	if currency == "" {
		currency = m.currency
	}
	requirements := req.Requirements.Clone()
	hash, err := RequirementsHash(requirements)
	if err != nil {
		return nil, err
	}
	e := &domain.Escrow{
		ID:                  id,
		TaskID:              req.TaskID,
		ClientID:            req.ClientID,
		ProcessorID:         req.ProcessorID,
		Amount:              req.Amount,
		Currency:            currency,
		Status:              domain.EscrowActive,
		Requirements:        requirements,
		CompletedMilestones: []string{},
		Paid:                decimal.Zero,
		Deadline:            req.Deadline.UTC(),
		ContractAddress:     ContractAddress(id, req.ClientID, req.ProcessorID),
		RequirementsHash:    hash,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if _, err := m.store.GetEscrow(ctx, id); err == nil {
		return nil, duplicateEscrow(id)
	} else if !stdErrors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	receipt, err := m.ledger.Deploy(ctx, ledger.Deployment{
		EscrowID:         e.ID,
		ContractAddress:  e.ContractAddress,
		RequirementsHash: e.RequirementsHash,
		ClientID:         e.ClientID,
		ProcessorID:      e.ProcessorID,
		Amount:           e.Amount,
		Currency:         e.Currency,
	})
	if err != nil {
		m.logger.Warn("托管部署失败", slog.String("escrow_id", e.ID), slog.Any("error", err))
		return nil, ledgerError("deploy", err)
	}
	e.DeploymentRef = receipt.Reference

	if err := m.store.InsertEscrow(ctx, e); err != nil {
		if stdErrors.Is(err, store.ErrDuplicate) {
			return nil, duplicateEscrow(id)
		}
		return nil, err
	}
	m.transitioned("create", e, slog.String("deployment_ref", receipt.Reference))

	locked := &settlement{
		record: &domain.PaymentRecord{Amount: e.Amount, LedgerRef: receipt.Reference},
		status: receipt.ActivityStatus(),
	}
	m.activity(ctx, e.ClientID, domain.ActivityEscrowFundsLocked, e, e.ProcessorID, locked, "locked")
	m.activity(ctx, e.ProcessorID, domain.ActivityEscrowCreated, e, e.ClientID, locked, "assigned")
	m.notify(ctx, e, "escrow_created", "client", e.ClientID, "")
	m.notify(ctx, e, "escrow_assigned", "processor", e.ProcessorID, "")
	return e, nil
}

func duplicateEscrow(id string) error {
	return xerrors.New(domain.CodeStateConflict, "escrow already exists",
		xerrors.WithReason("escrow_exists"),
		xerrors.WithMetadata("escrow_id", id))
}
