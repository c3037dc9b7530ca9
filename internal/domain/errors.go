package domain

import (
	xerrors "A2A-Chain/internal/errors"
)

const (
	CodeValidation           xerrors.Code = "VALIDATION_FAILED"
	CodeNotFound             xerrors.Code = "ENTITY_NOT_FOUND"
	CodeStateConflict        xerrors.Code = "STATE_CONFLICT"
	CodeCapability           xerrors.Code = "CAPABILITY_DENIED"
	CodeLedger               xerrors.Code = "LEDGER_FAILURE"
	CodeMilestoneNotFound    xerrors.Code = "MILESTONE_NOT_FOUND"
	CodeMilestoneUnverified  xerrors.Code = "MILESTONE_VERIFICATION_FAILED"
	CodeRequirementsNotMet   xerrors.Code = "REQUIREMENTS_NOT_MET"
	CodeIdentityMismatch     xerrors.Code = "IDENTITY_MISMATCH"
	CodeNoIdentity           xerrors.Code = "NO_IDENTITY_CONFIGURED"
	CodeProposalNotFound     xerrors.Code = "PROPOSAL_NOT_FOUND"
	CodeProposerInvalid      xerrors.Code = "PROPOSER_IDENTITY_INVALID"
	CodeNoEligibleVoters     xerrors.Code = "NO_ELIGIBLE_VOTERS"
	CodeNotificationDispatch xerrors.Code = "NOTIFICATION_DISPATCH_FAILED"
)

var (
	// ErrNotFound 表示请求的实体不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "entity not found")
	// ErrStateConflict 表示实体状态不允许该操作，或在并发竞争中失败。
	ErrStateConflict = xerrors.New(CodeStateConflict, "state conflict")
	// ErrProposalNotFound 表示提案不存在。
	ErrProposalNotFound = xerrors.New(CodeProposalNotFound, "proposal not found")
	// ErrIdentityMismatch 表示声明的身份与确定性身份不一致。
	ErrIdentityMismatch = xerrors.New(CodeIdentityMismatch, "identity mismatch")
	// ErrNoIdentity 表示智能体未配置身份描述。
	ErrNoIdentity = xerrors.New(CodeNoIdentity, "no identity configured")
)

func init() {
	register := func(code xerrors.Code, message string, sev xerrors.Severity, retryable, alert bool) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  sev,
			Retryable: retryable,
			Alert:     alert,
		})
	}
	register(CodeValidation, "validation failed", xerrors.SeverityInfo, false, false)
	register(CodeNotFound, "entity not found", xerrors.SeverityInfo, false, false)
	register(CodeStateConflict, "state conflict", xerrors.SeverityWarning, false, false)
	register(CodeCapability, "capability check failed", xerrors.SeverityInfo, false, false)
	register(CodeLedger, "ledger call failed", xerrors.SeverityCritical, true, true)
	register(CodeMilestoneNotFound, "milestone not found", xerrors.SeverityInfo, false, false)
	register(CodeMilestoneUnverified, "milestone verification failed", xerrors.SeverityInfo, false, false)
	register(CodeRequirementsNotMet, "requirements not met", xerrors.SeverityInfo, false, false)
	register(CodeIdentityMismatch, "identity mismatch", xerrors.SeverityWarning, false, false)
	register(CodeNoIdentity, "no identity configured", xerrors.SeverityInfo, false, false)
	register(CodeProposalNotFound, "proposal not found", xerrors.SeverityInfo, false, false)
	register(CodeProposerInvalid, "proposer identity invalid", xerrors.SeverityWarning, false, false)
	register(CodeNoEligibleVoters, "no eligible voters", xerrors.SeverityWarning, false, false)
	register(CodeNotificationDispatch, "notification dispatch failed", xerrors.SeverityWarning, true, true)
}

// Validation 构造输入校验错误。
func Validation(field, message string) error {
	return xerrors.New(CodeValidation, message,
		xerrors.WithReason("invalid_"+field),
		xerrors.WithMetadata("field", field),
	)
}

// NotFound 构造实体不存在错误。
func NotFound(kind, id string) error {
	return xerrors.New(CodeNotFound, kind+" not found",
		xerrors.WithReason(kind+"_not_found"),
		xerrors.WithMetadata("kind", kind),
		xerrors.WithMetadata("id", id),
	)
}

// StateConflict 构造状态冲突错误，actual 为实体当前状态。
func StateConflict(kind, id, expected, actual string) error {
	return xerrors.New(CodeStateConflict, kind+" is "+actual+", expected "+expected,
		xerrors.WithReason("state_conflict"),
		xerrors.WithMetadata("kind", kind),
		xerrors.WithMetadata("id", id),
		xerrors.WithMetadata("expected_status", expected),
		xerrors.WithMetadata("actual_status", actual),
	)
}

// Capability 构造能力校验失败错误，reason 为面向用户的可读原因。
func Capability(party, agentID, reason string) error {
	return xerrors.New(CodeCapability, reason,
		xerrors.WithReason(reason),
		xerrors.WithMetadata("party", party),
		xerrors.WithMetadata("agent_id", agentID),
	)
}

// Ledger 包裹账本调用失败。cause 明确不可重试时结果也不可重试。
func Ledger(op string, cause error) error {
	opts := []xerrors.Option{
		xerrors.WithReason("ledger_" + op + "_failed"),
		xerrors.WithMetadata("operation", op),
	}
	if inner, ok := xerrors.From(cause); ok && !inner.Retryable() {
		opts = append(opts, xerrors.WithRetryable(false), xerrors.WithFields(inner.Metadata()))
	}
	return xerrors.Wrap(CodeLedger, cause, "ledger "+op+" failed", opts...)
}

// IsCode 判断 err 是否携带指定错误码。
func IsCode(err error, code xerrors.Code) bool {
	return xerrors.CodeOf(err) == code
}
