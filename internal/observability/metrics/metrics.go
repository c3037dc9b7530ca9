// Package metrics exposes the daemon's Prometheus collectors. All recording
// methods are safe to call on a nil *Registry so components can treat metrics
// as optional.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "a2a"

// Registry 持有本进程的全部指标。
type Registry struct {
	reg *prometheus.Registry

	httpRequests      *prometheus.CounterVec
	httpErrors        *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
	escrowTransitions *prometheus.CounterVec
	roundsClosed      *prometheus.CounterVec
	votes             *prometheus.CounterVec
	ledgerCalls       *prometheus.CounterVec
	ledgerLatency     *prometheus.HistogramVec
	messagesRouted    *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	sweepExpired      *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		escrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escrow_transitions_total",
			Help: "Escrow state transitions by operation and resulting status.",
		}, []string{"operation", "status"}),
		roundsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "consensus_rounds_closed_total",
			Help: "Consensus rounds closed by terminal status.",
		}, []string{"status"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_total",
			Help: "Weighted votes accepted by kind.",
		}, []string{"kind"}),
		ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_calls_total",
			Help: "Ledger anchor calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ledger_call_duration_seconds",
			Help:    "Ledger anchor call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_routed_total",
			Help: "Messages processed by the router by outcome and priority.",
		}, []string{"outcome", "priority"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Outbox notifications by stage and outcome.",
		}, []string{"stage", "outcome"}),
		sweepExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_expired_total",
			Help: "Entities closed or confirmed by the periodic sweep.",
		}, []string{"kind"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpErrors, r.httpLatency,
		r.escrowTransitions, r.roundsClosed, r.votes,
		r.ledgerCalls, r.ledgerLatency,
		r.messagesRouted, r.notifications, r.sweepExpired,
	)
	return r
}

// Handler 以 Prometheus 文本格式暴露指标。
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer 返回底层注册表，便于测试读取。
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// EscrowTransition 记录托管状态迁移。
func (r *Registry) EscrowTransition(operation, status string) {
	if r == nil {
		return
	}
	r.escrowTransitions.WithLabelValues(operation, status).Inc()
}

// RoundClosed 记录共识轮次关闭。
func (r *Registry) RoundClosed(status string) {
	if r == nil {
		return
	}
	r.roundsClosed.WithLabelValues(status).Inc()
}

// VoteCast 记录一张已接受的选票。
func (r *Registry) VoteCast(kind string) {
	if r == nil {
		return
	}
	r.votes.WithLabelValues(kind).Inc()
}

// LedgerCall 记录一次账本调用。
func (r *Registry) LedgerCall(operation, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.ledgerCalls.WithLabelValues(operation, outcome).Inc()
	r.ledgerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// MessageRouted 记录消息路由结果。
func (r *Registry) MessageRouted(outcome, priority string) {
	if r == nil {
		return
	}
	r.messagesRouted.WithLabelValues(outcome, priority).Inc()
}

// Notification 记录通知发布或投递结果。
func (r *Registry) Notification(stage, outcome string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(stage, outcome).Inc()
}

// SweepExpired 记录过期扫描关闭的实体数量。
func (r *Registry) SweepExpired(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweepExpired.WithLabelValues(kind).Add(float64(n))
}
