// Package notify 负责对外通知：Outbox 先持久化消息再把 ID 投递到队列，
// Dispatcher 从队列消费 ID 并完成投递或交给路由器处理。
package notify

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/queue"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

// Outbox 是消息的唯一写入口。
type Outbox struct {
	messages store.MessageStore
	producer queue.Producer
	metrics  *metrics.Registry
	alerter  alerting.Dispatcher
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义 Outbox 与 Dispatcher 共用的可选配置。
type Option func(*options)

type options struct {
	metrics *metrics.Registry
	alerter alerting.Dispatcher
	now     func() time.Time
	workers int
}

// WithMetrics 配置指标。
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

// WithAlerts 配置告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *options) { o.alerter = d }
}

// WithNow 替换时间来源。
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithWorkers 设置 Dispatcher 的消费协程数量。
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, workers: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewOutbox 创建 Outbox。
func NewOutbox(messages store.MessageStore, producer queue.Producer, opts ...Option) *Outbox {
	o := buildOptions(opts)
	return &Outbox{
		messages: messages,
		producer: producer,
		metrics:  o.metrics,
		alerter:  o.alerter,
		now:      o.now,
		logger:   logger.Named("outbox"),
	}
}

// Send 保存消息并投递其 ID。ID 已存在时视为重复发送，仍会重新投递，由消费端去重。
func (o *Outbox) Send(ctx context.Context, msg *domain.Message) error {
	if msg == nil {
		return domain.Validation("message", "message is required")
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = o.now().UTC()
	}
	if err := o.messages.InsertMessage(ctx, msg); err != nil {
		if !stdErrors.Is(err, store.ErrDuplicate) {
			o.metrics.Notification("persist", "error")
			return err
		}
		o.logger.Debug("消息已存在，重新投递", slog.String("message_id", msg.ID))
	}
	if o.producer == nil {
		return nil
	}
	if err := o.producer.Publish(ctx, msg.ID); err != nil {
		o.metrics.Notification("publish", "error")
		wrapped := xerrors.Wrap(domain.CodeNotificationDispatch, err, "通知投递失败",
			xerrors.WithReason("notification_dispatch_failed"),
			xerrors.WithMetadata("message_id", msg.ID),
			xerrors.WithMetadata("type", string(msg.Type)),
		)
		o.logger.Error("通知投递失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		alerting.Emit(ctx, o.alerter, alerting.FromError("outbox", "publish", msg.ID, wrapped))
		return wrapped
	}
	o.metrics.Notification("publish", "ok")
	return nil
}

// SendAll 逐条发送，返回所有失败的合并错误。
func (o *Outbox) SendAll(ctx context.Context, msgs ...*domain.Message) error {
	var errs []error
	for _, msg := range msgs {
		if err := o.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
