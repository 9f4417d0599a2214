package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metapilot"

// Collector 汇总 HTTP、智能体与自主操作指标，同时实现 agent.Observer。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	agentTasks    *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec
	agentReward   *prometheus.HistogramVec

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSteps    *prometheus.CounterVec
}

// NewCollector 在独立 registry 上注册全部指标；reg 为 nil 时新建一个。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		agentTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tasks_total",
			Help:      "Tasks processed by agents.",
		}, []string{"agent_type", "status"}),
		agentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_task_duration_seconds",
			Help:      "Agent task duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent_type"}),
		agentReward: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_reward",
			Help:      "Rewards fed into agent learners.",
			Buckets:   []float64{-2, -1, -0.5, 0, 0.5, 1, 1.5, 2, 3},
		}, []string{"agent_type"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Autonomous operations by final status.",
		}, []string{"operation_type", "status"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Autonomous operation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"operation_type"}),
		operationSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_steps_total",
			Help:      "Executed operation steps by agent type and outcome.",
		}, []string{"agent_type", "status"}),
	}
}

// Registry 返回底层 registry。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// TaskFinished 实现 agent.Observer。
func (c *Collector) TaskFinished(agentType string, success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.agentTasks.WithLabelValues(agentType, outcome(success)).Inc()
	c.agentDuration.WithLabelValues(agentType).Observe(elapsed.Seconds())
}

// Rewarded 实现 agent.Observer。
func (c *Collector) Rewarded(agentType string, reward float64) {
	if c == nil {
		return
	}
	c.agentReward.WithLabelValues(agentType).Observe(reward)
}

// OperationFinished 记录一次终结的自主操作。
func (c *Collector) OperationFinished(operationType, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(operationType, status).Inc()
	c.operationDuration.WithLabelValues(operationType).Observe(elapsed.Seconds())
}

// StepFinished 记录一个计划步骤的结果。
func (c *Collector) StepFinished(agentType string, success bool) {
	if c == nil {
		return
	}
	c.operationSteps.WithLabelValues(agentType, outcome(success)).Inc()
}

// Handler exposes the registry in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
