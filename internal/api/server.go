package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MetaPilot/internal/agent"
	"MetaPilot/internal/decision"
	xerrors "MetaPilot/internal/errors"
	"MetaPilot/internal/operation"
	"MetaPilot/pkg/logger"
)

// Orchestrator 是 API 层依赖的编排能力。
type Orchestrator interface {
	ProcessTask(ctx context.Context, task map[string]any, agentType string) (decision.ExecutionResult, error)
	AutonomousOperation(ctx context.Context, req operation.Request) (*operation.Snapshot, error)
	GetOperationStatus(ctx context.Context, id string) (*operation.Snapshot, error)
	ListOperations(ctx context.Context, opts ...operation.ListOption) ([]*operation.Snapshot, error)
	CancelOperation(ctx context.Context, id string) (*operation.Snapshot, error)
	ProvideFeedback(ctx context.Context, id string, rating int, comments string) (bool, error)
	ListAgents() []agent.Info
}

// Submitter 把操作放入队列异步执行。
type Submitter interface {
	Submit(ctx context.Context, req operation.Request) (*operation.Snapshot, error)
}

// Metrics 记录请求指标并暴露 /metrics。
type Metrics interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	orch      Orchestrator
	submitter Submitter
	metrics   Metrics
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithSubmitter 启用异步提交，未配置时操作同步执行。
func WithSubmitter(s Submitter) Option {
	return func(srv *Server) { srv.submitter = s }
}

// WithMetrics 记录请求指标并挂载 /metrics。
func WithMetrics(m Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch Orchestrator, opts ...Option) *Server {
	s := &Server{addr: addr, orch: orch, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/tasks", s.handleProcessTask)
	mux.HandleFunc("POST /api/v1/operations", s.handleCreateOperation)
	mux.HandleFunc("GET /api/v1/operations", s.handleListOperations)
	mux.HandleFunc("GET /api/v1/operations/stats", s.handleOperationStats)
	mux.HandleFunc("GET /api/v1/operations/{id}", s.handleOperationStatus)
	mux.HandleFunc("POST /api/v1/operations/{id}/cancel", s.handleCancelOperation)
	mux.HandleFunc("POST /api/v1/operations/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "agents": len(s.orch.ListAgents())})
}

type processTaskRequest struct {
	AgentType string         `json:"agent_type"`
	Task      map[string]any `json:"task"`
}

func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	var req processTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.Task == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空"))
		return
	}
	result, err := s.orch.ProcessTask(r.Context(), req.Task, req.AgentType)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"result": result, "error": errorBody(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req operation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if s.submitter == nil || wait {
		snap, err := s.orch.AutonomousOperation(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	snap, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts []operation.ListOption
	if raw := q.Get("status"); raw != "" {
		var statuses []operation.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, operation.Status(part))
		}
		opts = append(opts, operation.WithStatuses(statuses...))
	}
	if v := q.Get("type"); v != "" {
		opts = append(opts, operation.WithType(v))
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts = append(opts, operation.WithLimit(n))
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts = append(opts, operation.WithOffset(n))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, operation.WithSortOrder(operation.SortByUpdatedAsc))
	}
	list, err := s.orch.ListOperations(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": list})
}

func (s *Server) handleOperationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := operation.CollectStats(r.Context(), s.orch.ListOperations)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.GetOperationStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.CancelOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

type feedbackRequest struct {
	Rating   int    `json:"rating"`
	Comments string `json:"comments"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	ok, err := s.orch.ProvideFeedback(r.Context(), r.PathValue("id"), req.Rating, req.Comments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.orch.ListAgents()})
}

// instrument 记录每个请求的路由模式、状态码与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// statusFor 把统一错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, xerrors.CodeAgentNotFound, operation.CodeOperationNotFound:
		return http.StatusNotFound
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation, operation.CodeOperationValidation:
		return http.StatusBadRequest
	case xerrors.CodeConflict, operation.CodeOperationConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case operation.CodeOperationPublish, xerrors.CodeQueueFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]any {
	body := map[string]any{"code": string(xerrors.CodeOf(err)), "message": err.Error()}
	if e, ok := xerrors.From(err); ok {
		body["message"] = e.Message()
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{"error": errorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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

var _ Submitter = (*operation.Service)(nil)
