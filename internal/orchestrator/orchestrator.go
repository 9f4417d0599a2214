package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"MetaPilot/internal/agent"
	"MetaPilot/internal/decision"
	xerrors "MetaPilot/internal/errors"
	"MetaPilot/internal/observability/alerting"
	"MetaPilot/internal/operation"
	"MetaPilot/pkg/logger"
)

// Metrics 接收操作与步骤的完成事件。
type Metrics interface {
	OperationFinished(operationType, status string, elapsed time.Duration)
	StepFinished(agentType string, success bool)
}

// Orchestrator 持有启动时构建的智能体注册表，之后只读。
type Orchestrator struct {
	agents   []*agent.Agent
	byID     map[string]*agent.Agent
	byType   map[agent.Type]*agent.Agent
	governor *agent.Agent

	store   operation.Store
	metrics Metrics
	alerter alerting.Dispatcher
	logger  *slog.Logger
	now     func() time.Time

	enforceMaxDuration bool
	defaultMaxDuration int
	defaultRisk        string

	mu     sync.Mutex
	active map[string]*atomic.Bool
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithStore 指定操作快照存储，默认使用内存存储。
func WithStore(store operation.Store) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.store = store
		}
	}
}

// WithMetrics 注册指标接收者。
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerter = d }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMaxDurationEnforcement 控制是否在步骤之间检查最长执行时间。
func WithMaxDurationEnforcement(enforce bool) Option {
	return func(o *Orchestrator) { o.enforceMaxDuration = enforce }
}

// WithDefaults 设置请求未填写时使用的风险偏好与最长时长。
func WithDefaults(riskTolerance string, maxDurationSeconds int) Option {
	return func(o *Orchestrator) {
		if riskTolerance != "" {
			o.defaultRisk = riskTolerance
		}
		if maxDurationSeconds > 0 {
			o.defaultMaxDuration = maxDurationSeconds
		}
	}
}

// WithClock 替换时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 构建编排器。agents 中必须恰好有一个 Governor，ID 不能重复；
// 同类型的多个智能体按注册顺序，第一个承接按类型路由的任务。
func New(agents []*agent.Agent, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		byID:               make(map[string]*agent.Agent, len(agents)),
		byType:             make(map[agent.Type]*agent.Agent, len(agents)),
		store:              operation.NewMemoryStore(),
		logger:             logger.Named("orchestrator"),
		now:                time.Now,
		enforceMaxDuration: true,
		defaultMaxDuration: 3600,
		defaultRisk:        "medium",
		active:             make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	for _, a := range agents {
		if a == nil {
			continue
		}
		if _, dup := o.byID[a.ID()]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("重复的智能体 ID: %s", a.ID()))
		}
		if a.Type() == agent.TypeGovernor {
			if o.governor != nil {
				return nil, xerrors.New(xerrors.CodeConflict, "只能注册一个 Governor")
			}
			o.governor = a
		}
		o.agents = append(o.agents, a)
		o.byID[a.ID()] = a
		if _, ok := o.byType[a.Type()]; !ok {
			o.byType[a.Type()] = a
		}
	}
	if o.governor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未注册 Governor")
	}
	if binder, ok := o.governor.Behavior().(interface{ BindRoster(agent.Roster) }); ok {
		binder.BindRoster(roster{o: o})
	}
	return o, nil
}

// ListAgents 按注册顺序返回全部智能体信息。
func (o *Orchestrator) ListAgents() []agent.Info {
	out := make([]agent.Info, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a.Info())
	}
	return out
}

// Agent 按 ID 或类型查找智能体。
func (o *Orchestrator) Agent(key string) (*agent.Agent, bool) {
	if a, ok := o.byID[key]; ok {
		return a, true
	}
	a, ok := o.byType[agent.Type(key)]
	return a, ok
}

// ProcessTask 把任务交给指定类型（或 ID）的智能体；agentType 为空时交给 Governor 分类委派。
// 找不到智能体时返回失败结果以及 AGENT_NOT_FOUND 错误。
func (o *Orchestrator) ProcessTask(ctx context.Context, task map[string]any, agentType string) (decision.ExecutionResult, error) {
	target := o.governor
	if key := strings.TrimSpace(agentType); key != "" {
		a, ok := o.Agent(key)
		if !ok {
			err := xerrors.New(xerrors.CodeAgentNotFound, fmt.Sprintf("agent not found: %s", key))
			return decision.Failed(err.Error(), nil), err
		}
		target = a
	}
	return target.ProcessTask(ctx, task), nil
}

// GetOperationStatus 从快照存储读取操作状态，不访问运行中的上下文。
func (o *Orchestrator) GetOperationStatus(ctx context.Context, id string) (*operation.Snapshot, error) {
	return o.store.Get(ctx, id)
}

// ListOperations 分页列出操作快照。
func (o *Orchestrator) ListOperations(ctx context.Context, opts ...operation.ListOption) ([]*operation.Snapshot, error) {
	return o.store.List(ctx, operation.BuildListOptions(opts))
}

// roster 把注册表暴露给 Governor 用于委派，成员不含 Governor 自身。
type roster struct {
	o *Orchestrator
}

func (r roster) Members() []agent.Info {
	out := make([]agent.Info, 0, len(r.o.agents))
	for _, a := range r.o.agents {
		if a.Type() == agent.TypeGovernor {
			continue
		}
		out = append(out, a.Info())
	}
	return out
}

func (r roster) Dispatch(ctx context.Context, agentID string, task map[string]any) (decision.ExecutionResult, error) {
	a, ok := r.o.byID[agentID]
	if !ok || a.Type() == agent.TypeGovernor {
		return decision.ExecutionResult{}, xerrors.New(xerrors.CodeAgentNotFound, fmt.Sprintf("agent not found: %s", agentID))
	}
	return a.ProcessTask(ctx, task), nil
}
