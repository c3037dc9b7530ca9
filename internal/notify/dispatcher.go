package notify

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/internal/queue"
	"A2A-Chain/internal/store"
	"A2A-Chain/pkg/logger"
)

// Router 处理智能体发出的消息并返回附加的路由信息。
type Router interface {
	ProcessMessage(ctx context.Context, messageID string) (domain.RoutingMetadata, error)
}

// Dispatcher 从队列消费消息 ID。系统通知直接标记为已投递，智能体消息交给路由器，
// 路由成功后标记为已投递。
type Dispatcher struct {
	messages store.MessageStore
	consumer queue.Consumer
	router   Router
	metrics  *metrics.Registry
	alerter  alerting.Dispatcher
	now      func() time.Time
	workers  int
	logger   *slog.Logger
}

// NewDispatcher 创建 Dispatcher，router 可以为 nil，此时智能体消息只做投递标记。
func NewDispatcher(messages store.MessageStore, consumer queue.Consumer, router Router, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{
		messages: messages,
		consumer: consumer,
		router:   router,
		metrics:  o.metrics,
		alerter:  o.alerter,
		now:      o.now,
		workers:  o.workers,
		logger:   logger.Named("dispatcher"),
	}
}

// Start 启动消费循环，直到 ctx 取消。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil || d.messages == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置通知消费者")
	}
	d.logger.Info("通知派发器启动", slog.Int("workers", d.workers))
	return d.consumer.Consume(ctx, d.workers, d.Handle)
}

// Handle 处理单条消息 ID。返回错误时队列会重投，因此只对可重试错误返回错误。
func (d *Dispatcher) Handle(ctx context.Context, messageID string) error {
	msg, err := d.messages.GetMessage(ctx, messageID)
	if err != nil {
		if stdErrors.Is(err, domain.ErrNotFound) {
			d.logger.Debug("跳过不存在的消息", slog.String("message_id", messageID))
			return nil
		}
		return err
	}
	if msg.DeliveredAt != nil {
		return nil
	}

	if domain.IsSystemSender(msg.SenderID) || d.router == nil {
		return d.deliver(ctx, msg)
	}

	routing, err := d.router.ProcessMessage(ctx, msg.ID)
	if err != nil {
		if stdErrors.Is(err, domain.ErrStateConflict) {
			// 已被其他消费者路由。
			return nil
		}
		d.metrics.Notification("route", "error")
		if xerrors.RetryableError(err) {
			d.logger.Warn("消息路由失败，等待重试", slog.String("message_id", msg.ID), slog.Any("error", err))
			return err
		}
		d.logger.Error("消息路由失败", slog.String("message_id", msg.ID), slog.Any("error", err))
		alerting.Emit(ctx, d.alerter, alerting.FromError("dispatcher", "route", msg.ID, err))
		return nil
	}
	d.metrics.Notification("route", string(routing.Outcome))
	if routing.Outcome != domain.RoutingRouted {
		return nil
	}
	return d.deliver(ctx, msg)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *domain.Message) error {
	if err := d.messages.MarkDelivered(ctx, msg.ID, d.now().UTC()); err != nil {
		d.metrics.Notification("deliver", "error")
		return err
	}
	d.metrics.Notification("deliver", "ok")
	logger.Audit().Info("message_delivered",
		slog.String("message_id", msg.ID),
		slog.String("type", string(msg.Type)),
		slog.String("sender", msg.SenderID),
		slog.Any("recipients", msg.RecipientIDs),
	)
	return nil
}
