package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"MetaPilot/internal/decision"
	"MetaPilot/pkg/logger"
)

const (
	// DefaultLearningRate 是 α 的默认值。
	DefaultLearningRate = 0.1
	// DefaultDiscountFactor 是 γ 的默认值。
	DefaultDiscountFactor = 0.9
	// DefaultExplorationRate 是 ε-greedy 的默认探索概率。
	DefaultExplorationRate = 0.1
)

// State 是学习器观察到的任务状态，通常就是任务输入。
type State map[string]any

// Learner 为单个智能体维护 Q 表。不同智能体之间不共享。
type Learner struct {
	agentID        string
	learningRate   float64
	discountFactor float64

	mu      sync.Mutex
	qTable  map[string]map[string]float64
	pending *pendingDecision
	rng     *rand.Rand
	logger  *slog.Logger
	now     func() time.Time
}

type pendingDecision struct {
	stateKey string
	action   string
}

// Option 定义 Learner 的可选配置。
type Option func(*Learner)

// WithLearningRate 设置 α，非正值被忽略。
func WithLearningRate(alpha float64) Option {
	return func(l *Learner) {
		if alpha > 0 {
			l.learningRate = alpha
		}
	}
}

// WithDiscountFactor 设置 γ，取值范围 [0,1]。
func WithDiscountFactor(gamma float64) Option {
	return func(l *Learner) {
		if gamma >= 0 && gamma <= 1 {
			l.discountFactor = gamma
		}
	}
}

// WithRand 注入随机源，测试中用于固定探索序列。
func WithRand(rng *rand.Rand) Option {
	return func(l *Learner) {
		if rng != nil {
			l.rng = rng
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Learner) {
		if log != nil {
			l.logger = log
		}
	}
}

// New 创建一个学习器。
func New(agentID string, opts ...Option) *Learner {
	l := &Learner{
		agentID:        agentID,
		learningRate:   DefaultLearningRate,
		discountFactor: DefaultDiscountFactor,
		qTable:         make(map[string]map[string]float64),
		rng:            rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = logger.Named("learning").With(slog.String("agent_id", agentID))
	}
	return l
}

// AgentID 返回所属智能体。
func (l *Learner) AgentID() string { return l.agentID }

// LearningRate 返回当前 α。
func (l *Learner) LearningRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.learningRate
}

// DiscountFactor 返回当前 γ。
func (l *Learner) DiscountFactor() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discountFactor
}

// stateFeatures 是状态键的规范投影，字段顺序固定。
type stateFeatures struct {
	Type        *string  `json:"type,omitempty"`
	ContextKeys []string `json:"context_keys,omitempty"`
	ContextSize *int     `json:"context_size,omitempty"`
	HasContext  bool     `json:"has_context,omitempty"`
	ParamKeys   []string `json:"param_keys,omitempty"`
}

func (f stateFeatures) empty() bool {
	return f.Type == nil && f.ContextKeys == nil && f.ContextSize == nil && !f.HasContext && f.ParamKeys == nil
}

// StateKey 把状态编码为定长键：只取声明类型、上下文形状和排序后的参数名。
// 没有任何特征时退回对完整状态做哈希。
func StateKey(state State) string {
	var f stateFeatures
	if t, ok := state["type"]; ok {
		s := toKeyString(t)
		f.Type = &s
	}
	if ctx, ok := state["context"]; ok {
		switch c := ctx.(type) {
		case map[string]any:
			f.ContextKeys = sortedKeys(c)
		case []any:
			n := len(c)
			f.ContextSize = &n
		case []map[string]any:
			n := len(c)
			f.ContextSize = &n
		default:
			f.HasContext = true
		}
	}
	if params, ok := state["parameters"].(map[string]any); ok {
		f.ParamKeys = sortedKeys(params)
	}

	prefix := "f:"
	var payload []byte
	if f.empty() {
		prefix = "s:"
		payload, _ = json.Marshal(map[string]any(state))
	} else {
		payload, _ = json.Marshal(f)
	}
	sum := sha256.Sum256(payload)
	return prefix + hex.EncodeToString(sum[:16])
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toKeyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

// cell 返回 Q 值，缺失时物化为 0。调用方需持有锁。
func (l *Learner) cell(stateKey, action string) float64 {
	row := l.qTable[stateKey]
	if row == nil {
		row = make(map[string]float64)
		l.qTable[stateKey] = row
	}
	value, ok := row[action]
	if !ok {
		row[action] = 0
	}
	return value
}

// GetQValue 返回 (state, action) 的 Q 值。
func (l *Learner) GetQValue(state State, action string) float64 {
	key := StateKey(state)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cell(key, action)
}

// UpdateQValue 应用一次 Q-learning 更新。nextState 为空或未见过时未来项为 0。
func (l *Learner) UpdateQValue(state State, action string, reward float64, nextState State) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.update(StateKey(state), action, reward, nextState)
}

func (l *Learner) update(stateKey, action string, reward float64, nextState State) float64 {
	current := l.cell(stateKey, action)

	maxNext := 0.0
	if len(nextState) > 0 {
		if row, ok := l.qTable[StateKey(nextState)]; ok && len(row) > 0 {
			maxNext = math.Inf(-1)
			for _, v := range row {
				maxNext = math.Max(maxNext, v)
			}
		}
	}

	updated := current + l.learningRate*(reward+l.discountFactor*maxNext-current)
	l.qTable[stateKey][action] = updated
	l.logger.Debug("Q 值已更新",
		slog.String("state", stateKey),
		slog.String("action", action),
		slog.Float64("old", current),
		slog.Float64("new", updated),
	)
	return updated
}

// SelectAction 以 ε-greedy 策略选择动作，最大 Q 值并列时随机打破。
func (l *Learner) SelectAction(state State, available []string, explorationRate float64) string {
	if len(available) == 0 {
		return ""
	}
	key := StateKey(state)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rng.Float64() < explorationRate {
		return available[l.rng.IntN(len(available))]
	}

	best := math.Inf(-1)
	var candidates []string
	for _, action := range available {
		q := l.cell(key, action)
		switch {
		case q > best:
			best = q
			candidates = candidates[:0]
			candidates = append(candidates, action)
		case q == best:
			candidates = append(candidates, action)
		}
	}
	return candidates[l.rng.IntN(len(candidates))]
}

// RecordDecision 保存待学习的 (state, action)，覆盖之前未消费的记录。
func (l *Learner) RecordDecision(state State, d decision.Decision) {
	key := StateKey(state)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = &pendingDecision{stateKey: key, action: d.Action}
}

// LearnFromResult 根据执行结果计算奖励并更新一次 Q 值，然后清除待学习记录。
// 没有记录时只输出告警，返回 false。
func (l *Learner) LearnFromResult(result decision.ExecutionResult, nextState State) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending == nil {
		l.logger.Warn("没有待学习的决策，跳过结果学习")
		return 0, false
	}
	pending := l.pending
	l.pending = nil

	reward := Reward(result)
	l.update(pending.stateKey, pending.action, reward, nextState)
	l.logger.Info("已从执行结果学习",
		slog.String("action", pending.action),
		slog.Float64("reward", reward),
	)
	return reward, true
}

// LearnFromFeedback 用显式反馈更新 Q 值，不涉及下一状态。
func (l *Learner) LearnFromFeedback(feedback map[string]any, state State, action string) float64 {
	reward := FeedbackReward(feedback)
	l.UpdateQValue(state, action, reward, nil)
	l.logger.Info("已从反馈学习", slog.String("action", action), slog.Float64("reward", reward))
	return reward
}

// HasPending 判断是否存在未消费的决策记录。
func (l *Learner) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

// Size 返回 Q 表中的状态数量。
func (l *Learner) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.qTable)
}

// Reward 根据执行结果计算奖励。
func Reward(result decision.ExecutionResult) float64 {
	reward := -1.0
	if result.Success {
		reward = 1.0
	}
	if len(result.Output) > 0 {
		reward += math.Min(0.5, float64(len(result.Output))*0.1)
		if profit, ok := decision.Number(result.Output, "profit"); ok {
			reward += math.Min(1.0, profit*0.1)
		}
		if savings, ok := decision.Number(result.Output, "savings"); ok {
			reward += math.Min(0.5, savings*0.05)
		}
	}
	if result.Error != "" {
		reward -= 1.0
	}
	return reward
}

// FeedbackReward 依次读取 reward、rating(1-5)、positive 字段，都缺失时为 0。
func FeedbackReward(feedback map[string]any) float64 {
	if v, ok := decision.Number(feedback, "reward"); ok {
		return v
	}
	if rating, ok := decision.Number(feedback, "rating"); ok {
		return RatingReward(rating)
	}
	if positive, ok := feedback["positive"].(bool); ok {
		if positive {
			return 1.0
		}
		return -1.0
	}
	return 0.0
}

// RatingReward 把 1-5 的评分映射到 [-1,1]。
func RatingReward(rating float64) float64 {
	return (rating - 3) / 2
}
