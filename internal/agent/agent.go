package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"MetaPilot/internal/decision"
	xerrors "MetaPilot/internal/errors"
	"MetaPilot/internal/learning"
	"MetaPilot/internal/memory"
	"MetaPilot/pkg/logger"
)

// Type 是智能体的逻辑类型，编排器按类型路由任务。
type Type string

const (
	TypeGovernor           Type = "governor"
	TypeDeFi               Type = "defi"
	TypeNFT                Type = "nft"
	TypeDAO                Type = "dao"
	TypeCrossChain         Type = "cross_chain"
	TypeMarketIntelligence Type = "market_intelligence"
	TypeRisk               Type = "risk"
)

// Info 是智能体对外暴露的身份信息。
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Type         Type     `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// Behavior 是各类智能体的分析与执行逻辑。Execute 遇到未知动作时应返回空操作成功结果。
type Behavior interface {
	Analyze(ctx context.Context, data map[string]any) (decision.Decision, error)
	Execute(ctx context.Context, d decision.Decision) (decision.ExecutionResult, error)
}

// Observer 接收任务完成与学习奖励事件，通常由指标模块实现。
type Observer interface {
	TaskFinished(agentType string, success bool, elapsed time.Duration)
	Rewarded(agentType string, reward float64)
}

// Agent 把 Behavior 与独占的经验记忆、学习器组合起来，
// 并提供统一的 ProcessTask 流程。同一智能体上的任务串行执行。
type Agent struct {
	info     Info
	behavior Behavior
	memory   *memory.Memory
	learner  *learning.Learner
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastDecision *decision.Decision
}

// Option 定义 Agent 的可选配置。
type Option func(*Agent)

// WithID 覆盖默认的稳定 ID。
func WithID(id string) Option {
	return func(a *Agent) {
		if id != "" {
			a.info.ID = id
		}
	}
}

// WithMemory 指定经验记忆。
func WithMemory(m *memory.Memory) Option {
	return func(a *Agent) { a.memory = m }
}

// WithLearner 指定学习器。学习器的 agent ID 必须与智能体一致。
func WithLearner(l *learning.Learner) Option {
	return func(a *Agent) { a.learner = l }
}

// WithObserver 注册任务事件观察者。
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.logger = log
		}
	}
}

// StableID 根据名称生成跨重启不变的 ID，使学习模型文件可以按 ID 复用。
func StableID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("metapilot/agent/"+name)).String()
}

// New 创建智能体。未指定记忆或学习器时使用默认实现。
func New(info Info, behavior Behavior, opts ...Option) *Agent {
	if info.ID == "" {
		info.ID = StableID(info.Name)
	}
	a := &Agent{info: info, behavior: behavior, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.logger == nil {
		a.logger = logger.Named("agent").With(slog.String("agent", a.info.Name), slog.String("agent_id", a.info.ID))
	}
	if a.memory == nil {
		a.memory = memory.New(a.info.ID, memory.WithLogger(a.logger))
	}
	if a.learner == nil {
		a.learner = learning.New(a.info.ID, learning.WithLogger(a.logger))
	}
	return a
}

// Info 返回身份信息的副本。
func (a *Agent) Info() Info {
	info := a.info
	info.Capabilities = append([]string(nil), a.info.Capabilities...)
	return info
}

// ID 返回智能体 ID。
func (a *Agent) ID() string { return a.info.ID }

// Type 返回智能体类型。
func (a *Agent) Type() Type { return a.info.Type }

// Behavior 返回智能体的分析与执行实现。
func (a *Agent) Behavior() Behavior { return a.behavior }

// Learner 返回智能体的学习器。
func (a *Agent) Learner() *learning.Learner { return a.learner }

// Memory 返回智能体的经验记忆。
func (a *Agent) Memory() *memory.Memory { return a.memory }

// LastDecision 返回最近一次分析得到的决策。
func (a *Agent) LastDecision() (decision.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastDecision == nil {
		return decision.Decision{}, false
	}
	return *a.lastDecision, true
}

// ProcessTask 依次执行：保存任务、分析、保存决策、登记待学习决策、执行、保存结果、学习。
// analyze/execute 的错误与 panic 只在这里捕获并转换为失败结果，学习步骤总会执行。
func (a *Agent) ProcessTask(ctx context.Context, task map[string]any) decision.ExecutionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.now()
	log := a.logger.With(slog.String("task_type", decision.String(task, "type")))
	state := learning.State(task)

	a.remember(ctx, map[string]any{"stage": "task", "task": task})

	d, err := a.safeAnalyze(ctx, task)
	var result decision.ExecutionResult
	if err != nil {
		log.Warn("任务分析失败", slog.Any("error", err))
		d = decision.Fallback("analysis_failed", err)
		result = decision.Failed(err.Error(), nil)
	}
	a.lastDecision = &d
	a.remember(ctx, map[string]any{"stage": "decision", "decision": d})
	a.learner.RecordDecision(state, d)

	if err == nil {
		result, err = a.safeExecute(ctx, d)
		if err != nil {
			log.Warn("决策执行失败", slog.String("action", d.Action), slog.Any("error", err))
			result = decision.Failed(err.Error(), nil)
		}
	}

	a.remember(ctx, map[string]any{
		"stage":    "result",
		"input":    task,
		"decision": d,
		"result":   result,
	})

	reward, learned := a.learner.LearnFromResult(result, nil)
	if learned && a.observer != nil {
		a.observer.Rewarded(string(a.info.Type), reward)
	}
	if a.observer != nil {
		a.observer.TaskFinished(string(a.info.Type), result.Success, a.now().Sub(start))
	}
	log.Info("任务处理完成",
		slog.String("action", d.Action),
		slog.Bool("success", result.Success),
		slog.Float64("reward", reward),
	)
	return result
}

// Analyze 在智能体锁内调用 Behavior.Analyze，并把 panic 转换为错误。
// 编排器用它完成规划与总结，这两步不经过完整的任务流程。
func (a *Agent) Analyze(ctx context.Context, data map[string]any) (decision.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.safeAnalyze(ctx, data)
	if err != nil {
		return decision.Decision{}, err
	}
	a.lastDecision = &d
	return d, nil
}

// Recall 按输入检索相似的历史经验。
func (a *Agent) Recall(ctx context.Context, data map[string]any, limit int) ([]memory.SearchResult, error) {
	return a.memory.SearchSimilar(ctx, data, limit)
}

// LearnFromFeedback 把外部反馈写入学习器，返回使用的奖励值。
func (a *Agent) LearnFromFeedback(feedback map[string]any, state learning.State, action string) float64 {
	reward := a.learner.LearnFromFeedback(feedback, state, action)
	if a.observer != nil {
		a.observer.Rewarded(string(a.info.Type), reward)
	}
	return reward
}

// SaveModel 把学习器写入模型目录。
func (a *Agent) SaveModel(dir string) error {
	return a.learner.SaveModel(learning.ModelPath(dir, a.info.ID))
}

// LoadModel 从模型目录恢复学习器。
func (a *Agent) LoadModel(dir string) error {
	return a.learner.LoadModel(learning.ModelPath(dir, a.info.ID))
}

func (a *Agent) remember(ctx context.Context, data map[string]any) {
	if _, err := a.memory.Store(ctx, data); err != nil {
		a.logger.Warn("写入经验失败", slog.String("stage", decision.String(data, "stage")), slog.Any("error", err))
	}
}

func (a *Agent) safeAnalyze(ctx context.Context, data map[string]any) (d decision.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = a.panicError("analyze", r)
		}
	}()
	d, err = a.behavior.Analyze(ctx, data)
	if err != nil {
		return decision.Decision{}, a.taskError("analyze", err)
	}
	return d, nil
}

func (a *Agent) safeExecute(ctx context.Context, d decision.Decision) (result decision.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = a.panicError("execute", r)
		}
	}()
	result, err = a.behavior.Execute(ctx, d)
	if err != nil {
		return decision.ExecutionResult{}, a.taskError("execute", err)
	}
	return result, nil
}

func (a *Agent) taskError(phase string, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeTaskFailed, err, phase+" failed",
		xerrors.WithMetadata("agent", a.info.Name))
}

func (a *Agent) panicError(phase string, r any) error {
	a.logger.Error("智能体发生 panic",
		slog.String("phase", phase),
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())),
	)
	return xerrors.New(xerrors.CodeTaskFailed, fmt.Sprintf("%s panicked: %v", phase, r),
		xerrors.WithMetadata("agent", a.info.Name))
}
