package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType 标识消息类别。
type MessageType string

const (
	MessageRequest            MessageType = "request"
	MessageUrgent             MessageType = "urgent"
	MessageResponse           MessageType = "response"
	MessageEscrowNotification MessageType = "escrow_notification"
	MessageVotingInvitation   MessageType = "voting_invitation"
	MessageArbitrationRequest MessageType = "arbitration_request"
	MessageParallelProcessing MessageType = "parallel_processing"
)

const (
	// SenderEscrowSystem 是托管通知的系统发送方。
	SenderEscrowSystem = "blockchain_escrow_system"
	// SenderConsensusSystem 是投票邀请的系统发送方。
	SenderConsensusSystem = "blockchain_consensus_system"
	// SenderArbitrationSystem 是仲裁通知的系统发送方。
	SenderArbitrationSystem = "blockchain_arbitration_system"
	// SenderRoutingSystem 是并行分发副本的系统发送方。
	SenderRoutingSystem = "blockchain_routing_system"
)

// IsSystemSender 判断发送方是否为系统组件。
func IsSystemSender(sender string) bool {
	switch sender {
	case SenderEscrowSystem, SenderConsensusSystem, SenderArbitrationSystem, SenderRoutingSystem:
		return true
	default:
		return false
	}
}

// Priority 是路由器分配的处理优先级。
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// EscrowNotice 是托管通知的内容。
type EscrowNotice struct {
	Event           string          `json:"event"`
	EscrowID        string          `json:"escrow_id"`
	TaskID          string          `json:"task_id"`
	Role            string          `json:"role"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ContractAddress string          `json:"contract_address"`
	Deadline        time.Time       `json:"deadline"`
}

// VotingInvitation 是投票邀请的内容。
type VotingInvitation struct {
	ProposalID   string    `json:"proposal_id"`
	RoundID      string    `json:"round_id"`
	Title        string    `json:"title"`
	VotingWeight int64     `json:"voting_weight"`
	Deadline     time.Time `json:"deadline"`
}

// ArbitrationRequest 是发送给仲裁者的争议材料。
type ArbitrationRequest struct {
	DisputeID        string         `json:"dispute_id"`
	EscrowID         string         `json:"escrow_id"`
	Complainant      string         `json:"complainant"`
	Respondent       string         `json:"respondent"`
	Reason           string         `json:"reason"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	ResponseDeadline time.Time      `json:"response_deadline"`
}

// ForwardedRequest 是高价值请求的并行处理副本。
type ForwardedRequest struct {
	OriginalMessageID string `json:"original_message_id"`
	OriginalSender    string `json:"original_sender"`
}

// MessageContent 按消息类别承载结构化内容。
type MessageContent struct {
	Text        string              `json:"text,omitempty"`
	Escrow      *EscrowNotice       `json:"escrow,omitempty"`
	Voting      *VotingInvitation   `json:"voting,omitempty"`
	Arbitration *ArbitrationRequest `json:"arbitration,omitempty"`
	Forwarded   *ForwardedRequest   `json:"forwarded,omitempty"`
	Extra       map[string]any      `json:"extra,omitempty"`
}

// RoutingOutcome 表示路由处理结果。
type RoutingOutcome string

const (
	RoutingRouted   RoutingOutcome = "routed"
	RoutingInvalid  RoutingOutcome = "invalid"
	RoutingFiltered RoutingOutcome = "filtered"
)

// RoutingMetadata 由 MessageRouter 写入且只写入一次。
type RoutingMetadata struct {
	Outcome                RoutingOutcome `json:"outcome"`
	Reason                 string         `json:"reason,omitempty"`
	Priority               Priority       `json:"priority,omitempty"`
	Expedited              bool           `json:"expedited"`
	ReputationScore        int            `json:"reputation_score"`
	EstimatedProcessingSec int            `json:"estimated_processing_seconds,omitempty"`
	ParallelProcessors     []string       `json:"parallel_processors,omitempty"`
	ProcessedAt            time.Time      `json:"processed_at"`
}

// MessageMetadata 包含生产者的提示与路由结果。
type MessageMetadata struct {
	RequestedPriority Priority         `json:"requested_priority,omitempty"`
	Routing           *RoutingMetadata `json:"routing,omitempty"`
	Extra             map[string]any   `json:"extra,omitempty"`
}

// Message 是智能体之间或系统发往智能体的消息。
type Message struct {
	ID               string          `json:"id"`
	SenderID         string          `json:"sender_id"`
	RecipientIDs     []string        `json:"recipient_ids"`
	Type             MessageType     `json:"type"`
	Content          MessageContent  `json:"content"`
	Metadata         MessageMetadata `json:"metadata"`
	RequiresResponse bool            `json:"requires_response"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
}

// Validate 校验消息的必填字段。
func (m *Message) Validate() error {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return Validation("message_id", "message id is required")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return Validation("sender_id", "message sender is required")
	}
	if m.Type == "" {
		return Validation("type", "message type is required")
	}
	if m.Metadata.Routing != nil {
		return Validation("metadata", "routing metadata is assigned by the router")
	}
	return nil
}

// Clone 返回深拷贝。
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.RecipientIDs = append([]string(nil), m.RecipientIDs...)
	if m.Content.Escrow != nil {
		v := *m.Content.Escrow
		c.Content.Escrow = &v
	}
	if m.Content.Voting != nil {
		v := *m.Content.Voting
		c.Content.Voting = &v
	}
	if m.Content.Arbitration != nil {
		v := *m.Content.Arbitration
		v.Evidence = CloneMap(m.Content.Arbitration.Evidence)
		c.Content.Arbitration = &v
	}
	if m.Content.Forwarded != nil {
		v := *m.Content.Forwarded
		c.Content.Forwarded = &v
	}
	c.Content.Extra = CloneMap(m.Content.Extra)
	if m.Metadata.Routing != nil {
		v := *m.Metadata.Routing
		v.ParallelProcessors = append([]string(nil), m.Metadata.Routing.ParallelProcessors...)
		c.Metadata.Routing = &v
	}
	c.Metadata.Extra = CloneMap(m.Metadata.Extra)
	if m.Deadline != nil {
		v := *m.Deadline
		c.Deadline = &v
	}
	if m.DeliveredAt != nil {
		v := *m.DeliveredAt
		c.DeliveredAt = &v
	}
	return &c
}
