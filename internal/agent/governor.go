package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"MetaPilot/internal/decision"
	"MetaPilot/internal/knowledge"
	"MetaPilot/internal/llm"
	"MetaPilot/internal/web3"
	"MetaPilot/pkg/logger"
)

// Governor 的分析请求类型。
const (
	RequestPlanOperation      = "autonomous_operation"
	RequestSummarizeOperation = "summarize_operation"
)

// Governor 的动作集合。
const (
	ActionDelegateTasks      = "delegate_tasks"
	ActionPlanOperation      = "plan_operation"
	ActionSummarizeOperation = "summarize_operation"
)

// TaskType 是关键字分类的结果。
type TaskType string

const (
	TaskDeFi       TaskType = "defi"
	TaskNFT        TaskType = "nft"
	TaskDAO        TaskType = "dao"
	TaskCrossChain TaskType = "cross_chain"
	TaskGeneral    TaskType = "general"
)

// classificationRules 按顺序匹配，先命中者生效。
var classificationRules = []struct {
	taskType TaskType
	phrases  []string
}{
	{TaskDeFi, []string{"defi", "yield", "liquidity", "swap"}},
	{TaskNFT, []string{"nft", "collection", "floor price"}},
	{TaskDAO, []string{"dao", "governance", "proposal", "vote"}},
	{TaskCrossChain, []string{"bridge", "cross chain"}},
}

// specialistFor 把任务类型映射到负责的专家智能体类型。
var specialistFor = map[TaskType]Type{
	TaskDeFi:       TypeDeFi,
	TaskNFT:        TypeNFT,
	TaskDAO:        TypeDAO,
	TaskCrossChain: TypeCrossChain,
}

// delegatedActions 是 Governor 委派时为每类智能体标注的动作。
var delegatedActions = map[Type]string{
	TypeDeFi:               "analyze_defi_opportunity",
	TypeNFT:                "analyze_nft_market",
	TypeDAO:                "analyze_governance_proposal",
	TypeCrossChain:         "analyze_cross_chain_opportunity",
	TypeMarketIntelligence: "analyze_market_data",
	TypeRisk:               "assess_risk",
}

// Classify 按关键字把任务归类。键名和字符串值都参与匹配。
func Classify(task map[string]any) TaskType {
	text := keywordText(task)
	for _, rule := range classificationRules {
		for _, phrase := range rule.phrases {
			if containsPhrase(text, phrase) {
				return rule.taskType
			}
		}
	}
	return TaskGeneral
}

// Candidate 是排序后的候选智能体。
type Candidate struct {
	AgentID  string `json:"agent_id"`
	Type     Type   `json:"agent_type"`
	Priority int    `json:"priority"`
	Action   string `json:"action"`
}

// Rank 返回候选智能体：领域专家优先级 1，市场情报 2，风控 3，同优先级按注册顺序。
func Rank(taskType TaskType, members []Info) []Candidate {
	specialist, hasSpecialist := specialistFor[taskType]
	out := make([]Candidate, 0, len(members))
	for _, m := range members {
		priority := 0
		switch {
		case hasSpecialist && m.Type == specialist:
			priority = 1
		case m.Type == TypeMarketIntelligence:
			priority = 2
		case m.Type == TypeRisk:
			priority = 3
		default:
			continue
		}
		out = append(out, Candidate{AgentID: m.ID, Type: m.Type, Priority: priority, Action: delegatedActions[m.Type]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Roster 是 Governor 可以委派的智能体集合，由编排器提供。
type Roster interface {
	Members() []Info
	Dispatch(ctx context.Context, agentID string, task map[string]any) (decision.ExecutionResult, error)
}

// ChainSource 提供规划阶段的链上上下文。
type ChainSource interface {
	DefaultSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// GovernorConfig 描述 Governor 的可选协作者。
type GovernorConfig struct {
	LLM       llm.Client
	Knowledge knowledge.Provider
	Chain     ChainSource
	Logger    *slog.Logger
}

// Governor 负责任务分类委派、自主操作规划与总结。
type Governor struct {
	llm       llm.Client
	knowledge knowledge.Provider
	chain     ChainSource
	logger    *slog.Logger

	mu     sync.RWMutex
	roster Roster
}

// GovernorInfo 返回 Governor 的身份信息。
func GovernorInfo() Info {
	return Info{
		Name: "Governor",
		Role: "Task Coordination and Delegation",
		Type: TypeGovernor,
		Capabilities: []string{
			"task_delegation",
			"operation_planning",
			"result_aggregation",
			"agent_coordination",
		},
	}
}

// NewGovernor 创建 Governor 行为。
func NewGovernor(cfg GovernorConfig) *Governor {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("governor")
	}
	return &Governor{llm: cfg.LLM, knowledge: cfg.Knowledge, chain: cfg.Chain, logger: log}
}

// BindRoster 绑定可委派的智能体集合，编排器在注册表建好后调用一次。
func (g *Governor) BindRoster(r Roster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roster = r
}

func (g *Governor) members() []Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.roster == nil {
		return nil
	}
	return g.roster.Members()
}

// Analyze 根据请求类型生成委派、规划或总结决策。
func (g *Governor) Analyze(ctx context.Context, data map[string]any) (decision.Decision, error) {
	switch decision.String(data, "type") {
	case RequestPlanOperation:
		return g.plan(ctx, data), nil
	case RequestSummarizeOperation:
		return g.summarize(ctx, data), nil
	default:
		return g.delegate(data), nil
	}
}

func (g *Governor) delegate(data map[string]any) decision.Decision {
	taskType := Classify(data)
	candidates := Rank(taskType, g.members())
	tasks := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		tasks = append(tasks, map[string]any{
			"agent_id":   c.AgentID,
			"agent_type": string(c.Type),
			"action":     c.Action,
			"priority":   c.Priority,
		})
	}
	return decision.New(ActionDelegateTasks, map[string]any{
		"task_type": string(taskType),
		"tasks":     tasks,
		"task":      data,
	}, 0.9, "Task analyzed and delegated to appropriate specialized agents").WithExpectedReturn(0.8)
}

// plan 生成自主操作的步骤。调用方在 parameters.plan 中给出步骤时直接采用。
func (g *Governor) plan(ctx context.Context, data map[string]any) decision.Decision {
	opType := decision.String(data, "operation_type")
	params := decision.Map(data, "parameters")
	tolerance := strings.ToLower(decision.String(data, "risk_tolerance"))
	if tolerance == "" {
		tolerance = "medium"
	}

	planContext := map[string]any{"risk_tolerance": tolerance}
	if g.chain != nil {
		snapshot, err := g.chain.DefaultSnapshot(ctx)
		if err != nil {
			g.logger.Warn("获取链上快照失败，规划继续", slog.Any("error", err))
			planContext["chain_error"] = err.Error()
		} else {
			planContext["chain"] = map[string]any{
				"chain":         snapshot.Chain,
				"chain_id":      snapshot.ChainID,
				"block_number":  snapshot.BlockNumber,
				"gas_price_wei": snapshot.GasPriceWei,
			}
		}
	}

	if provided := decision.Maps(params, "plan"); len(provided) > 0 {
		steps := make([]map[string]any, 0, len(provided))
		for _, step := range provided {
			steps = append(steps, normalizeStep(step))
		}
		return decision.New(ActionPlanOperation, map[string]any{
			"plan":      steps,
			"task_type": string(Classify(map[string]any{"operation_type": opType})),
			"context":   planContext,
		}, 0.9, "Caller supplied plan accepted")
	}

	taskType := Classify(map[string]any{"operation_type": opType, "parameters": params})
	stepParams := make(map[string]any, len(params)+1)
	for k, v := range params {
		stepParams[k] = v
	}
	stepParams["risk_tolerance"] = tolerance

	steps := []map[string]any{
		planStep(TypeMarketIntelligence, "market_analysis", stepParams, false),
		planStep(TypeRisk, "risk_assessment", stepParams, tolerance == "low"),
	}
	if specialist, ok := specialistFor[taskType]; ok {
		steps = append(steps, planStep(specialist, "strategy_execution", stepParams, true))
	}
	steps = g.available(steps)

	return decision.New(ActionPlanOperation, map[string]any{
		"plan":      steps,
		"task_type": string(taskType),
		"context":   planContext,
	}, 0.85, fmt.Sprintf("Planned %d steps for %s operation", len(steps), taskType))
}

// available 在已绑定注册表时剔除不存在的智能体类型。
func (g *Governor) available(steps []map[string]any) []map[string]any {
	members := g.members()
	if len(members) == 0 {
		return steps
	}
	present := make(map[Type]bool, len(members))
	for _, m := range members {
		present[m.Type] = true
	}
	out := steps[:0]
	for _, s := range steps {
		if present[Type(decision.String(s, "agent_type"))] {
			out = append(out, s)
		}
	}
	return out
}

func planStep(agentType Type, stepType string, params map[string]any, critical bool) map[string]any {
	return map[string]any{
		"agent_type": string(agentType),
		"step_type":  stepType,
		"parameters": params,
		"critical":   critical,
	}
}

func normalizeStep(step map[string]any) map[string]any {
	params := decision.Map(step, "parameters")
	if params == nil {
		params = map[string]any{}
	}
	critical, _ := step["critical"].(bool)
	stepType := decision.String(step, "step_type")
	if stepType == "" {
		stepType = "custom"
	}
	return map[string]any{
		"agent_type": decision.String(step, "agent_type"),
		"step_type":  stepType,
		"parameters": params,
		"critical":   critical,
	}
}

func (g *Governor) summarize(ctx context.Context, data map[string]any) decision.Decision {
	opType := decision.String(data, "operation_type")
	steps := decision.Maps(data, "steps")
	errs := stringList(data["errors"])

	succeeded := 0
	for _, s := range steps {
		if ok, _ := s["success"].(bool); ok {
			succeeded++
		}
	}
	rate := 0.0
	if len(steps) > 0 {
		rate = float64(succeeded) / float64(len(steps))
	}

	summary := map[string]any{
		"operation_id":     decision.String(data, "operation_id"),
		"operation_type":   opType,
		"total_steps":      len(steps),
		"successful_steps": succeeded,
		"failed_steps":     len(steps) - succeeded,
		"success_rate":     round(rate, 4),
		"error_count":      len(errs),
	}

	var references []string
	if g.knowledge != nil {
		for _, snippet := range g.knowledge.Query(opType, strings.Join(errs, " ")) {
			references = append(references, snippet.Title)
		}
	}
	summary["knowledge"] = references

	prompt := fmt.Sprintf("Operation %s (%s) finished %d of %d steps successfully. Errors: %s. Give one sentence of guidance.",
		decision.String(data, "operation_id"), opType, succeeded, len(steps), strings.Join(errs, "; "))
	summary["insight"] = llm.Insight(ctx, g.llm, llm.Request{
		System:      "You summarise Web3 automation runs for operators.",
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   128,
	}, g.logger)

	return decision.New(ActionSummarizeOperation, map[string]any{"summary": summary}, 0.9,
		"Operation results aggregated")
}

// Execute 执行委派；规划与总结决策原样返回参数。
func (g *Governor) Execute(ctx context.Context, d decision.Decision) (decision.ExecutionResult, error) {
	switch d.Action {
	case ActionDelegateTasks:
		return g.dispatch(ctx, d), nil
	case ActionPlanOperation, ActionSummarizeOperation:
		return decision.Succeeded(d.Parameters), nil
	default:
		return decision.Succeeded(map[string]any{"message": "no operation for action " + d.Action}), nil
	}
}

func (g *Governor) dispatch(ctx context.Context, d decision.Decision) decision.ExecutionResult {
	g.mu.RLock()
	roster := g.roster
	g.mu.RUnlock()

	task := decision.Map(d.Parameters, "task")
	tasks := decision.Maps(d.Parameters, "tasks")
	results := make([]map[string]any, 0, len(tasks))
	succeeded := 0
	for _, t := range tasks {
		entry := map[string]any{
			"agent_id":   t["agent_id"],
			"agent_type": t["agent_type"],
			"action":     t["action"],
		}
		var res decision.ExecutionResult
		if roster == nil {
			res = decision.Failed("no agents available for delegation", nil)
		} else {
			delegated := make(map[string]any, len(task)+2)
			for k, v := range task {
				delegated[k] = v
			}
			delegated["delegated_action"] = t["action"]
			delegated["delegated_by"] = string(TypeGovernor)
			var err error
			res, err = roster.Dispatch(ctx, decision.String(t, "agent_id"), delegated)
			if err != nil {
				res = decision.Failed(err.Error(), nil)
			}
		}
		if res.Success {
			succeeded++
		}
		entry["success"] = res.Success
		entry["output"] = res.Output
		if res.Error != "" {
			entry["error"] = res.Error
		}
		results = append(results, entry)
	}

	rate := 0.0
	if len(results) > 0 {
		rate = float64(succeeded) / float64(len(results))
	}
	output := map[string]any{
		"task_type": d.Parameters["task_type"],
		"results":   results,
		"summary": map[string]any{
			"total_tasks":      len(results),
			"successful_tasks": succeeded,
			"success_rate":     round(rate, 4),
		},
	}
	if succeeded == len(results) {
		return decision.Succeeded(output)
	}
	return decision.Failed(fmt.Sprintf("%d of %d delegated tasks failed", len(results)-succeeded, len(results)), output)
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var _ Behavior = (*Governor)(nil)
