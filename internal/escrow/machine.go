// Package escrow 实现托管状态机：ACTIVE 可迁移到 DISPUTED、COMPLETED、FAILED，
// DISPUTED 可回到 ACTIVE 或进入终态。
//
// 每次迁移都以 status+version 条件更新提交。涉及账本调用的迁移先提交一个
// pending_operation 标记占住托管，再调用账本，最后提交结果；账本失败时撤销标记，
// 托管的业务字段保持不变。
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/ledger"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

const (
	// DefaultCurrency 是未指定币种时的默认值。
	DefaultCurrency = "ETH"
	// DefaultResponseWindow 是仲裁员的答复期限。
	DefaultResponseWindow = 72 * time.Hour
)

// Directory 是状态机所需的智能体目录能力。
type Directory interface {
	Agent(ctx context.Context, id string) (*domain.Agent, error)
	EscrowCapability(ctx context.Context, party, agentID string) (*domain.Agent, agent.Reputation, error)
	RecordActivity(ctx context.Context, activity *domain.Activity) error
}

// Sender 发送通知。
type Sender interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// ArbitratorSelector 为争议挑选仲裁员，exclude 中的智能体不得入选。
type ArbitratorSelector interface {
	Select(ctx context.Context, exclude ...string) ([]domain.Arbitrator, error)
}

// Store 是状态机所需的存储子集。
type Store interface {
	store.EscrowStore
	store.DisputeStore
}

// Machine 是托管状态机。
type Machine struct {
	store          Store
	dir            Directory
	ledger         ledger.Ledger
	sender         Sender
	selector       ArbitratorSelector
	checker        RequirementsChecker
	currency       string
	responseWindow time.Duration
	metrics        *metrics.Registry
	alerter        alerting.Dispatcher
	now            func() time.Time
	logger         *slog.Logger
}

// Option 定义 Machine 的可选配置。
type Option func(*Machine)

// WithSender 配置通知发送方。
func WithSender(s Sender) Option {
	return func(m *Machine) { m.sender = s }
}

// WithSelector 配置仲裁员选择器。
func WithSelector(s ArbitratorSelector) Option {
	return func(m *Machine) { m.selector = s }
}

// WithRequirementsChecker 替换完成前的需求校验。
func WithRequirementsChecker(c RequirementsChecker) Option {
	return func(m *Machine) {
		if c != nil {
			m.checker = c
		}
	}
}

// WithCurrency 设置默认币种。
func WithCurrency(currency string) Option {
	return func(m *Machine) {
		if currency != "" {
			m.currency = currency
		}
	}
}

// WithResponseWindow 设置仲裁答复期限。
func WithResponseWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.responseWindow = d
		}
	}
}

// WithMetrics 配置指标。
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Machine) { m.metrics = r }
}

// WithAlerts 配置告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Machine) { m.alerter = d }
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New 创建 Machine。
func New(st Store, dir Directory, l ledger.Ledger, opts ...Option) *Machine {
	m := &Machine{
		store:          st,
		dir:            dir,
		ledger:         l,
		checker:        HashChecker{},
		currency:       DefaultCurrency,
		responseWindow: DefaultResponseWindow,
		now:            time.Now,
		logger:         logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Escrow 读取托管。
func (m *Machine) Escrow(ctx context.Context, id string) (*domain.Escrow, error) {
	return m.store.GetEscrow(ctx, id)
}

// Dispute 读取争议。
func (m *Machine) Dispute(ctx context.Context, id string) (*domain.Dispute, error) {
	return m.store.GetDispute(ctx, id)
}

// transfer 描述一次待执行的付款。
type transfer struct {
	kind      domain.PaymentKind
	milestone string
	to        string
	amount    decimal.Decimal
}

// settlement 是一次账本调用的结果，用于写活动记录。
type settlement struct {
	record *domain.PaymentRecord
	status domain.ActivityStatus
}

// settle 以预留、调用账本、提交三步完成一次迁移。apply 在提交前修改托管，
// 付款成功时 record 非空。账本失败时撤销预留并返回账本错误。
func (m *Machine) settle(ctx context.Context, e *domain.Escrow, expected domain.EscrowStatus, op string, t *transfer,
	apply func(e *domain.Escrow, record *domain.PaymentRecord)) (*settlement, error) {
	paying := t != nil && t.amount.IsPositive()
	var toAddress string
	if paying {
		if e.Paid.Add(t.amount).GreaterThan(e.Amount) {
			return nil, xerrors.New(domain.CodeStateConflict, "payment would exceed escrow amount",
				xerrors.WithReason("overpayment"),
				xerrors.WithMetadata("escrow_id", e.ID),
				xerrors.WithMetadata("remaining", e.Remaining().String()),
				xerrors.WithMetadata("requested", t.amount.String()))
		}
		addr, err := m.address(ctx, t.to)
		if err != nil {
			return nil, err
		}
		toAddress = addr
	}

	now := m.now().UTC()
	e.PendingOperation = op
	e.PendingSince = &now
	if err := m.store.UpdateEscrow(ctx, e, expected); err != nil {
		return nil, err
	}

	var record *domain.PaymentRecord
	result := &settlement{status: domain.ActivityConfirmed}
	if paying {
		receipt, err := m.ledger.Pay(ctx, ledger.Payment{
			EscrowID:    e.ID,
			From:        e.ClientID,
			To:          t.to,
			ToAddress:   toAddress,
			Amount:      t.amount,
			Currency:    e.Currency,
			Kind:        t.kind,
			Milestone:   t.milestone,
			Description: op,
		})
		if err != nil {
			m.release(ctx, e, expected)
			return nil, ledgerError("pay", err)
		}
		record = &domain.PaymentRecord{
			Kind:      t.kind,
			Milestone: t.milestone,
			Recipient: t.to,
			Amount:    t.amount,
			LedgerRef: receipt.Reference,
			PaidAt:    now,
		}
		result.record = record
		result.status = receipt.ActivityStatus()
		e.Paid = e.Paid.Add(t.amount)
		e.Payments = append(e.Payments, *record)
	}

	e.PendingOperation = ""
	e.PendingSince = nil
	e.UpdatedAt = now
	apply(e, record)
	if err := m.store.UpdateEscrow(ctx, e, expected); err != nil {
		// 付款已上链但未能落库，需要人工对账。
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "ledger payment committed but escrow update failed",
			xerrors.WithReason("commit_after_payment_failed"),
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("escrow_id", e.ID),
			xerrors.WithMetadata("operation", op))
		m.logger.Error("付款后提交托管失败", slog.String("escrow_id", e.ID), slog.String("operation", op), slog.Any("error", err))
		alerting.Emit(ctx, m.alerter, alerting.FromError("escrow", op, e.ID, wrapped))
		return result, wrapped
	}
	return result, nil
}

// release 撤销预留标记，失败时留给扫描任务发现。
func (m *Machine) release(ctx context.Context, e *domain.Escrow, expected domain.EscrowStatus) {
	op := e.PendingOperation
	e.PendingOperation = ""
	e.PendingSince = nil
	if err := m.store.UpdateEscrow(context.WithoutCancel(ctx), e, expected); err != nil {
		m.logger.Error("撤销托管预留失败",
			slog.String("escrow_id", e.ID),
			slog.String("operation", op),
			slog.Any("error", err))
	}
}

// address 返回收款方的链上地址，未配置身份时退回确定性身份。
func (m *Machine) address(ctx context.Context, agentID string) (string, error) {
	a, err := m.dir.Agent(ctx, agentID)
	if err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		return "", err
	}
	if a.HasIdentity() {
		return *a.Identity, nil
	}
	return agent.DeterministicID(agentID), nil
}

func ledgerError(op string, err error) error {
	switch xerrors.CodeOf(err) {
	case domain.CodeLedger, domain.CodeValidation:
		return err
	default:
		return domain.Ledger(op, err)
	}
}

func busy(e *domain.Escrow) error {
	if e.PendingOperation == "" {
		return nil
	}
	return xerrors.New(domain.CodeStateConflict, "escrow has an operation in flight",
		xerrors.WithReason("operation_pending"),
		xerrors.WithMetadata("escrow_id", e.ID),
		xerrors.WithMetadata("pending_operation", e.PendingOperation))
}

func requireStatus(e *domain.Escrow, want domain.EscrowStatus) error {
	if e.Status != want {
		return domain.StateConflict("escrow", e.ID, string(want), string(e.Status))
	}
	return busy(e)
}

// activity 记录托管相关活动，失败只记日志。
func (m *Machine) activity(ctx context.Context, agentID string, typ domain.ActivityType, e *domain.Escrow, counterparty string, s *settlement, outcome string) {
	details := &domain.EscrowActivity{
		EscrowID:     e.ID,
		TaskID:       e.TaskID,
		Counterparty: counterparty,
		Currency:     e.Currency,
		Outcome:      outcome,
	}
	act := &domain.Activity{
		AgentID: agentID,
		Type:    typ,
		Status:  domain.ActivityConfirmed,
		Details: domain.ActivityDetails{Escrow: details},
	}
	if s != nil {
		if s.status != "" {
			act.Status = s.status
		}
		if s.record != nil {
			amount := s.record.Amount
			details.Amount = &amount
			details.Milestone = s.record.Milestone
			act.LedgerRef = s.record.LedgerRef
		}
	}
	if err := m.dir.RecordActivity(ctx, act); err != nil {
		m.logger.Warn("记录托管活动失败",
			slog.String("escrow_id", e.ID),
			slog.String("agent_id", agentID),
			slog.String("type", string(typ)),
			slog.Any("error", err))
	}
}

// notify 向托管一方发送通知，失败只记日志。
func (m *Machine) notify(ctx context.Context, e *domain.Escrow, event, role, recipient, suffix string) {
	if m.sender == nil {
		return
	}
	id := event + "_" + e.ID + "_" + recipient
	if suffix != "" {
		id += "_" + suffix
	}
	msg := &domain.Message{
		ID:           id,
		SenderID:     domain.SenderEscrowSystem,
		RecipientIDs: []string{recipient},
		Type:         domain.MessageEscrowNotification,
		Content: domain.MessageContent{Escrow: &domain.EscrowNotice{
			Event:           event,
			EscrowID:        e.ID,
			TaskID:          e.TaskID,
			Role:            role,
			Amount:          e.Amount,
			Currency:        e.Currency,
			ContractAddress: e.ContractAddress,
			Deadline:        e.Deadline,
		}},
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Warn("发送托管通知失败",
			slog.String("escrow_id", e.ID),
			slog.String("event", event),
			slog.String("recipient", recipient),
			slog.Any("error", err))
	}
}

// notifyParties 通知双方同一事件。
func (m *Machine) notifyParties(ctx context.Context, e *domain.Escrow, event, suffix string) {
	m.notify(ctx, e, event, "client", e.ClientID, suffix)
	m.notify(ctx, e, event, "processor", e.ProcessorID, suffix)
}

func (m *Machine) transitioned(op string, e *domain.Escrow, attrs ...slog.Attr) {
	m.metrics.EscrowTransition(op, string(e.Status))
	args := []any{
		slog.String("escrow_id", e.ID),
		slog.String("operation", op),
		slog.String("status", string(e.Status)),
		slog.String("paid", e.Paid.String()),
		slog.Int64("version", e.Version),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Audit().Info("escrow_transition", args...)
}

// completed 记录托管成功完成时双方的活动：处理方获得成功完成记录，委托方获得中性记录。
func (m *Machine) completed(ctx context.Context, e *domain.Escrow, s *settlement) {
	m.activity(ctx, e.ProcessorID, domain.ActivitySuccessfulCompletion, e, e.ClientID, s, "completed")
	m.activity(ctx, e.ClientID, domain.ActivityEscrowCompleted, e, e.ProcessorID, s, "completed")
}
