// Package routing 根据发送方的身份与信誉为消息分配优先级，
// 并为高信誉请求挑选并行处理者。
package routing

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/domain"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

// 路由未通过时写入元数据的原因。
const (
	ReasonInvalidIdentity = "invalid_identity"
	ReasonLowReputation   = "low_reputation"
)

// Directory 是路由所需的智能体目录能力，*agent.Directory 满足该接口。
type Directory interface {
	Agent(ctx context.Context, id string) (*domain.Agent, error)
	Candidates(ctx context.Context, filter store.AgentFilter) ([]*domain.Agent, error)
	Reputation(ctx context.Context, a *domain.Agent) (agent.Reputation, error)
	VerifyIdentity(ctx context.Context, a *domain.Agent) (agent.Verification, error)
	RecordActivity(ctx context.Context, activity *domain.Activity) error
}

// Sender 发送并行处理副本。
type Sender interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// Router 实现消息路由流水线。
type Router struct {
	messages store.MessageStore
	dir      Directory
	sender   Sender
	fanOut   int
	metrics  *metrics.Registry
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义 Router 的可选配置。
type Option func(*Router)

// WithFanOutLimit 设置并行处理者上限。
func WithFanOutLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.fanOut = n
		}
	}
}

// WithMetrics 配置指标。
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) { r.metrics = m }
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建 Router。sender 为空时不做并行分发。
func New(messages store.MessageStore, dir Directory, sender Sender, opts ...Option) *Router {
	r := &Router{
		messages: messages,
		dir:      dir,
		sender:   sender,
		fanOut:   DefaultFanOut,
		now:      time.Now,
		logger:   logger.Named("router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ProcessMessage 对消息执行身份校验、信誉门槛、优先级分配与并行分发，
// 并一次性写入路由元数据。消息已被路由时返回 ErrStateConflict。
func (r *Router) ProcessMessage(ctx context.Context, messageID string) (domain.RoutingMetadata, error) {
	msg, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		return domain.RoutingMetadata{}, err
	}
	if msg.Metadata.Routing != nil {
		return domain.RoutingMetadata{}, domain.StateConflict("message", msg.ID, "unrouted", string(msg.Metadata.Routing.Outcome))
	}
	now := r.now().UTC()

	sender, err := r.dir.Agent(ctx, msg.SenderID)
	if err != nil && !stdErrors.Is(err, domain.ErrNotFound) {
		return domain.RoutingMetadata{}, err
	}
	if sender == nil {
		return r.reject(ctx, msg, domain.RoutingInvalid, ReasonInvalidIdentity, 0, now)
	}
	if _, err := r.dir.VerifyIdentity(ctx, sender); err != nil {
		if domain.IsCode(err, domain.CodeIdentityMismatch) || domain.IsCode(err, domain.CodeNoIdentity) {
			return r.reject(ctx, msg, domain.RoutingInvalid, ReasonInvalidIdentity, 0, now)
		}
		return domain.RoutingMetadata{}, err
	}

	rep, err := r.dir.Reputation(ctx, sender)
	if err != nil {
		return domain.RoutingMetadata{}, err
	}
	if !rep.Qualified {
		return r.reject(ctx, msg, domain.RoutingFiltered, ReasonLowReputation, rep.Score, now)
	}

	priority, expedited := AssignPriority(rep.Score, msg.Type, msg.Metadata.RequestedPriority)
	routing := domain.RoutingMetadata{
		Outcome:                domain.RoutingRouted,
		Priority:               priority,
		Expedited:              expedited,
		ReputationScore:        rep.Score,
		EstimatedProcessingSec: int(EstimatedProcessing(priority, rep.Score) / time.Second),
		ProcessedAt:            now,
	}
	if WantsFanOut(rep.Score, msg.Type) {
		routing.ParallelProcessors = r.fanOutTo(ctx, msg, priority)
	}

	if err := r.messages.AttachRouting(ctx, msg.ID, routing); err != nil {
		return domain.RoutingMetadata{}, err
	}
	r.metrics.MessageRouted(string(routing.Outcome), string(priority))

	activity := &domain.Activity{
		AgentID: sender.ID,
		Type:    domain.ActivityMessageProcessed,
		Status:  domain.ActivityConfirmed,
		Details: domain.ActivityDetails{Message: &domain.MessageActivity{
			MessageID: msg.ID,
			Priority:  string(priority),
			Score:     rep.Score,
		}},
	}
	if err := r.dir.RecordActivity(ctx, activity); err != nil {
		r.logger.Warn("记录消息处理活动失败", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	r.logger.Debug("消息已路由",
		slog.String("message_id", msg.ID),
		slog.String("priority", string(priority)),
		slog.Int("score", rep.Score),
		slog.Int("parallel", len(routing.ParallelProcessors)),
	)
	return routing, nil
}

func (r *Router) reject(ctx context.Context, msg *domain.Message, outcome domain.RoutingOutcome, reason string, score int, now time.Time) (domain.RoutingMetadata, error) {
	routing := domain.RoutingMetadata{
		Outcome:         outcome,
		Reason:          reason,
		ReputationScore: score,
		ProcessedAt:     now,
	}
	if err := r.messages.AttachRouting(ctx, msg.ID, routing); err != nil {
		return domain.RoutingMetadata{}, err
	}
	r.metrics.MessageRouted(string(outcome), "")
	r.logger.Info("消息未通过路由",
		slog.String("message_id", msg.ID),
		slog.String("sender", msg.SenderID),
		slog.String("reason", reason),
	)
	return routing, nil
}

// fanOutTo 把请求副本发给活跃且配置了链上身份的其他智能体，返回成功发送的处理者。
func (r *Router) fanOutTo(ctx context.Context, msg *domain.Message, priority domain.Priority) []string {
	if r.sender == nil {
		return nil
	}
	exclude := append([]string{msg.SenderID}, msg.RecipientIDs...)
	candidates, err := r.dir.Candidates(ctx, store.AgentFilter{
		ActiveOnly:   true,
		WithIdentity: true,
		Exclude:      exclude,
		Limit:        r.fanOut,
	})
	if err != nil {
		r.logger.Warn("查询并行处理者失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		return nil
	}
	processors := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if len(processors) == r.fanOut {
			break
		}
		copyMsg := &domain.Message{
			ID:           parallelID(msg.ID, c.ID),
			SenderID:     domain.SenderRoutingSystem,
			RecipientIDs: []string{c.ID},
			Type:         domain.MessageParallelProcessing,
			Content: domain.MessageContent{
				Text:      msg.Content.Text,
				Extra:     domain.CloneMap(msg.Content.Extra),
				Forwarded: &domain.ForwardedRequest{OriginalMessageID: msg.ID, OriginalSender: msg.SenderID},
			},
			Metadata:         domain.MessageMetadata{RequestedPriority: priority},
			RequiresResponse: msg.RequiresResponse,
			Deadline:         msg.Deadline,
		}
		if err := r.sender.Send(ctx, copyMsg); err != nil {
			r.logger.Warn("发送并行处理副本失败",
				slog.String("message_id", msg.ID),
				slog.String("processor", c.ID),
				slog.Any("error", err))
			continue
		}
		processors = append(processors, c.ID)
	}
	return processors
}

// parallelID 对同一消息与处理者总是返回相同 ID，重复路由不会产生新副本。
func parallelID(messageID, processorID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(messageID+"/"+processorID)).String()
}
