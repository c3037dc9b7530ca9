package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"A2A-Chain/internal/agent"
	"A2A-Chain/internal/arbitration"
	"A2A-Chain/internal/domain"
	"A2A-Chain/internal/escrow"
	"A2A-Chain/internal/observability/metrics"
	"A2A-Chain/pkg/logger"
)

// EscrowService 是托管状态机对外暴露的操作。
type EscrowService interface {
	Create(ctx context.Context, req escrow.CreateRequest) (*domain.Escrow, error)
	ProcessMilestone(ctx context.Context, escrowID string, sub escrow.MilestoneSubmission) (*escrow.MilestoneResult, error)
	HandleDispute(ctx context.Context, escrowID string, req escrow.DisputeRequest) (*domain.Dispute, error)
	Complete(ctx context.Context, escrowID string) (*escrow.MilestoneResult, error)
	WithdrawDispute(ctx context.Context, disputeID, complainantID string) (*domain.Escrow, error)
	Escrow(ctx context.Context, id string) (*domain.Escrow, error)
	Dispute(ctx context.Context, id string) (*domain.Dispute, error)
}

// MessageInbox 保存外部提交的消息。
type MessageInbox interface {
	InsertMessage(ctx context.Context, msg *domain.Message) error
}

// MessageRouter 路由已保存的消息。
type MessageRouter interface {
	ProcessMessage(ctx context.Context, messageID string) (domain.RoutingMetadata, error)
}

// ConsensusService 是共识协调器对外暴露的操作。
type ConsensusService interface {
	Propose(ctx context.Context, proposal *domain.Proposal) (*domain.Round, error)
	ProcessProposal(ctx context.Context, proposalID string) (*domain.Round, error)
	CastVote(ctx context.Context, roundID, voterID string, approve bool) (*domain.Round, error)
	Round(ctx context.Context, id string) (*domain.Round, error)
}

// ArbitrationService 收集仲裁投票。
type ArbitrationService interface {
	CastVote(ctx context.Context, disputeID, arbitratorID string, decision domain.DisputeOutcome) (*arbitration.VoteResult, error)
}

// Directory 提供信誉查询。
type Directory interface {
	Agent(ctx context.Context, id string) (*domain.Agent, error)
	Reputation(ctx context.Context, a *domain.Agent) (agent.Reputation, error)
}

// Services 汇总 API 依赖的服务，未配置的服务对应的动作返回 503。
type Services struct {
	Escrow      EscrowService
	Inbox       MessageInbox
	Router      MessageRouter
	Consensus   ConsensusService
	Arbitration ArbitrationService
	Directory   Directory
	Health      func(ctx context.Context) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	svc             Services
	metrics         *metrics.Registry
	metricsPath     string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	handler         http.Handler
	logger          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 配置请求指标与 /metrics 端点。
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Server) { s.metrics = r }
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMetricsPath 修改指标端点路径。
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		if strings.HasPrefix(path, "/") {
			s.metricsPath = path
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		svc:             svc,
		metricsPath:     "/metrics",
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/escrow", s.handleEscrow)
		api.Post("/messages", s.handleMessages)
		api.Post("/consensus", s.handleConsensus)

		api.Get("/escrows/{id}", s.handleGetEscrow)
		api.Get("/rounds/{id}", s.handleGetRound)
		api.Get("/disputes/{id}", s.handleGetDispute)
		api.Get("/agents/{id}/reputation", s.handleGetReputation)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe 记录请求指标，标签使用路由模板而不是原始路径。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("请求失败",
				slog.String("path", pattern),
				slog.String("method", r.Method),
				slog.Int("status", rec.status))
		}
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health != nil {
		if err := s.svc.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
