package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
	"A2A-Chain/internal/observability/alerting"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/pkg/logger"
)

// RetryPolicy 描述指数退避参数。
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying 为任意 Ledger 增加限速与有界重试，重试耗尽后返回 LEDGER_FAILURE 并告警。
type Retrying struct {
	next    Ledger
	policy  RetryPolicy
	limiter *rate.Limiter
	alerter alerting.Dispatcher
	metrics *metrics.Registry
	logger  *slog.Logger
}

// RetryOption 定义可选配置。
type RetryOption func(*Retrying)

// WithRateLimit 限制每秒调用次数，perSecond 非正时不限速。
func WithRateLimit(perSecond float64, burst int) RetryOption {
	return func(r *Retrying) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAlerts 配置重试耗尽时的告警出口。
func WithAlerts(d alerting.Dispatcher) RetryOption {
	return func(r *Retrying) {
		r.alerter = d
	}
}

// WithMetrics 配置指标。
func WithMetrics(m *metrics.Registry) RetryOption {
	return func(r *Retrying) {
		r.metrics = m
	}
}

// NewRetrying 包装 next。
func NewRetrying(next Ledger, policy RetryPolicy, opts ...RetryOption) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	r := &Retrying{next: next, policy: policy, logger: logger.Named("ledger")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Deploy 实现 Ledger。
func (r *Retrying) Deploy(ctx context.Context, d Deployment) (Receipt, error) {
	return r.do(ctx, OpDeploy, d.EscrowID, func(ctx context.Context) (Receipt, error) {
		return r.next.Deploy(ctx, d)
	})
}

// Pay 实现 Ledger。
func (r *Retrying) Pay(ctx context.Context, p Payment) (Receipt, error) {
	return r.do(ctx, OpPay, p.EscrowID, func(ctx context.Context) (Receipt, error) {
		return r.next.Pay(ctx, p)
	})
}

// Confirm 实现 Confirmer。底层账本不支持查询时，其回执视为签发即确认。
func (r *Retrying) Confirm(ctx context.Context, reference string) (Status, error) {
	c, ok := r.next.(Confirmer)
	if !ok {
		return StatusConfirmed, nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	return c.Confirm(ctx, reference)
}

func (r *Retrying) do(ctx context.Context, op Operation, escrowID string, call func(context.Context) (Receipt, error)) (Receipt, error) {
	started := time.Now()
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.policy.MaxAttempts-1)), ctx)

	receipt, err := backoff.RetryNotifyWithData(func() (Receipt, error) {
		attempts++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return Receipt{}, backoff.Permanent(err)
			}
		}
		rc, err := call(ctx)
		if err != nil && !retryable(err) {
			return Receipt{}, backoff.Permanent(err)
		}
		return rc, err
	}, policy, func(err error, wait time.Duration) {
		r.logger.Warn("账本调用失败，准备重试",
			slog.String("operation", string(op)),
			slog.String("escrow_id", escrowID),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})

	if err == nil {
		r.metrics.LedgerCall(string(op), "success", time.Since(started))
		logger.Audit().Info("ledger_receipt",
			slog.String("operation", string(op)),
			slog.String("escrow_id", escrowID),
			slog.String("reference", receipt.Reference),
			slog.String("status", string(receipt.Status)),
		)
		return receipt, nil
	}

	r.metrics.LedgerCall(string(op), "failure", time.Since(started))
	if domain.IsCode(err, domain.CodeValidation) {
		return Receipt{}, err
	}
	wrapped := domain.Ledger(string(op), err)
	event := alerting.FromError("ledger", string(op), escrowID, wrapped)
	event.Attempts = attempts
	event.MaxAttempts = r.policy.MaxAttempts
	alerting.Emit(ctx, r.alerter, event)
	return Receipt{}, wrapped
}

// retryable 判断底层错误能否重试：携带统一错误码的按属性判断，上下文取消不重试，其余视为瞬时故障。
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := xerrors.From(err); ok {
		return xerrors.RetryableError(err)
	}
	return true
}
