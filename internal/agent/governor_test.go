package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"MetaPilot/internal/decision"
	"MetaPilot/internal/knowledge"
	"MetaPilot/internal/llm"
	"MetaPilot/internal/web3"
	"MetaPilot/pkg/logger"
)

type stubRoster struct {
	members []Info
	fail    map[string]bool

	mu    sync.Mutex
	calls []map[string]any
}

func (r *stubRoster) Members() []Info { return r.members }

func (r *stubRoster) Dispatch(_ context.Context, agentID string, task map[string]any) (decision.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, task)
	if r.fail[agentID] {
		return decision.Failed("specialist failed", nil), nil
	}
	return decision.Succeeded(map[string]any{"agent_id": agentID}), nil
}

type stubChain struct {
	snapshot web3.ChainSnapshot
	err      error
}

func (s stubChain) DefaultSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return s.snapshot, s.err
}

type stubLLM struct {
	text string
	err  error
}

func (s stubLLM) Generate(context.Context, llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text}, nil
}

func fullRoster() []Info {
	infos := []Info{GovernorInfo(), DeFiInfo(), NFTInfo(), DAOInfo(), CrossChainInfo(), MarketIntelligenceInfo(), RiskInfo()}
	for i := range infos {
		infos[i].ID = StableID(infos[i].Name)
	}
	return infos
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		task map[string]any
		want TaskType
	}{
		{"defi keyword", map[string]any{"type": "yield_farming"}, TaskDeFi},
		{"liquidity in params", map[string]any{"type": "analyze", "parameters": map[string]any{"goal": "add liquidity"}}, TaskDeFi},
		{"nft", map[string]any{"type": "nft_valuation"}, TaskNFT},
		{"floor price phrase", map[string]any{"parameters": map[string]any{"note": "check floor-price"}}, TaskNFT},
		{"dao vote", map[string]any{"type": "cast votes"}, TaskDAO},
		{"bridge", map[string]any{"type": "bridge_assets"}, TaskCrossChain},
		{"cross chain hyphen", map[string]any{"type": "cross-chain transfer"}, TaskCrossChain},
		{"defi wins over nft", map[string]any{"type": "defi", "parameters": map[string]any{"nft": true}}, TaskDeFi},
		{"no partial words", map[string]any{"type": "daoist swapping"}, TaskGeneral},
		{"general", map[string]any{"type": "portfolio_review"}, TaskGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.task); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRankOrdersBySpecialistThenRegistration(t *testing.T) {
	members := []Info{
		{ID: "risk", Type: TypeRisk},
		{ID: "market-1", Type: TypeMarketIntelligence},
		{ID: "gov", Type: TypeGovernor},
		{ID: "defi", Type: TypeDeFi},
		{ID: "market-2", Type: TypeMarketIntelligence},
		{ID: "nft", Type: TypeNFT},
	}
	got := Rank(TaskDeFi, members)
	want := []string{"defi", "market-1", "market-2", "risk"}
	if len(got) != len(want) {
		t.Fatalf("unexpected candidates %+v", got)
	}
	for i, id := range want {
		if got[i].AgentID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].AgentID, id)
		}
	}
	if got[0].Priority != 1 || got[0].Action != "analyze_defi_opportunity" {
		t.Fatalf("specialist candidate wrong: %+v", got[0])
	}

	general := Rank(TaskGeneral, members)
	if len(general) != 3 || general[0].Type != TypeMarketIntelligence {
		t.Fatalf("general tasks go to market intelligence then risk: %+v", general)
	}
}

func TestGovernorDelegatesThroughRoster(t *testing.T) {
	roster := &stubRoster{members: fullRoster()}
	g := NewGovernor(GovernorConfig{Logger: logger.Discard()})
	g.BindRoster(roster)

	task := map[string]any{"type": "defi_yield", "parameters": map[string]any{"apy": 12}}
	d, err := g.Analyze(context.Background(), task)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if d.Action != ActionDelegateTasks || d.Confidence != 0.9 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if decision.String(d.Parameters, "task_type") != string(TaskDeFi) {
		t.Fatalf("unexpected task type %v", d.Parameters["task_type"])
	}

	result, err := g.Execute(context.Background(), d)
	if err != nil || !result.Success {
		t.Fatalf("delegation should succeed: %+v %v", result, err)
	}
	if len(roster.calls) != 3 {
		t.Fatalf("expected defi, market and risk dispatches, got %d", len(roster.calls))
	}
	first := roster.calls[0]
	if first["delegated_action"] != "analyze_defi_opportunity" || first["delegated_by"] != string(TypeGovernor) {
		t.Fatalf("delegated task missing routing fields: %+v", first)
	}
	if _, ok := task["delegated_action"]; ok {
		t.Fatalf("original task must not be mutated")
	}
	summary := decision.Map(result.Output, "summary")
	if decision.NumberOr(summary, "success_rate", 0) != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGovernorDelegationReportsPartialFailure(t *testing.T) {
	roster := &stubRoster{members: fullRoster(), fail: map[string]bool{StableID("Risk_Specialist"): true}}
	g := NewGovernor(GovernorConfig{Logger: logger.Discard()})
	g.BindRoster(roster)

	d, _ := g.Analyze(context.Background(), map[string]any{"type": "nft floor"})
	result, _ := g.Execute(context.Background(), d)
	if result.Success {
		t.Fatalf("a failed delegate should fail the delegation")
	}
	summary := decision.Map(result.Output, "summary")
	if decision.NumberOr(summary, "successful_tasks", -1) != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGovernorPlanDefaults(t *testing.T) {
	g := NewGovernor(GovernorConfig{
		Logger: logger.Discard(),
		Chain:  stubChain{snapshot: web3.ChainSnapshot{Chain: "ethereum", ChainID: "1", BlockNumber: "42"}},
	})
	g.BindRoster(&stubRoster{members: fullRoster()})

	d, err := g.Analyze(context.Background(), map[string]any{
		"type":           RequestPlanOperation,
		"operation_type": "yield_optimization",
		"parameters":     map[string]any{"amount": 1000},
		"risk_tolerance": "low",
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	plan := decision.Maps(d.Parameters, "plan")
	if len(plan) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(plan))
	}
	wantTypes := []Type{TypeMarketIntelligence, TypeRisk, TypeDeFi}
	wantCritical := []bool{false, true, true}
	for i, step := range plan {
		if Type(decision.String(step, "agent_type")) != wantTypes[i] {
			t.Fatalf("step %d agent = %v", i, step["agent_type"])
		}
		if step["critical"] != wantCritical[i] {
			t.Fatalf("step %d critical = %v", i, step["critical"])
		}
	}
	ctxInfo := decision.Map(d.Parameters, "context")
	if decision.Map(ctxInfo, "chain") == nil {
		t.Fatalf("chain snapshot should be in plan context: %+v", ctxInfo)
	}
}

func TestGovernorPlanGeneralWithoutSpecialist(t *testing.T) {
	g := NewGovernor(GovernorConfig{Logger: logger.Discard(), Chain: stubChain{err: errors.New("rpc down")}})
	g.BindRoster(&stubRoster{members: fullRoster()})

	d, _ := g.Analyze(context.Background(), map[string]any{
		"type":           RequestPlanOperation,
		"operation_type": "portfolio_review",
	})
	plan := decision.Maps(d.Parameters, "plan")
	if len(plan) != 2 {
		t.Fatalf("general operations get market and risk steps only, got %d", len(plan))
	}
	if plan[1]["critical"] != false {
		t.Fatalf("risk step is only critical for low tolerance")
	}
	if decision.String(decision.Map(d.Parameters, "context"), "chain_error") == "" {
		t.Fatalf("chain failure should be recorded in the plan context")
	}
}

func TestGovernorPlanUsesSuppliedSteps(t *testing.T) {
	g := NewGovernor(GovernorConfig{Logger: logger.Discard()})
	d, _ := g.Analyze(context.Background(), map[string]any{
		"type":           RequestPlanOperation,
		"operation_type": "custom",
		"parameters": map[string]any{"plan": []any{
			map[string]any{"agent_type": "defi", "step_type": "scan"},
			map[string]any{"agent_type": "risk", "critical": true, "parameters": map[string]any{"x": 1}},
		}},
	})
	plan := decision.Maps(d.Parameters, "plan")
	if len(plan) != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan[1]["step_type"] != "custom" || plan[1]["critical"] != true {
		t.Fatalf("step not normalized: %+v", plan[1])
	}
}

func TestGovernorSummarize(t *testing.T) {
	kb := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "Yield checklist", Keywords: []string{"yield"}},
		{Title: "NFT guide", Keywords: []string{"nft"}},
	}, 3)

	cases := []struct {
		name        string
		client      llm.Client
		wantInsight string
	}{
		{"with insight", stubLLM{text: "Rebalance weekly."}, "Rebalance weekly."},
		{"provider failure", stubLLM{err: errors.New("quota")}, llm.NoInsight},
		{"no client", nil, llm.NoInsight},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGovernor(GovernorConfig{Logger: logger.Discard(), LLM: tc.client, Knowledge: kb})
			d, err := g.Analyze(context.Background(), map[string]any{
				"type":           RequestSummarizeOperation,
				"operation_id":   "op-1",
				"operation_type": "yield_optimization",
				"steps": []any{
					map[string]any{"success": true},
					map[string]any{"success": false},
				},
				"errors": []any{"step 2 failed"},
			})
			if err != nil {
				t.Fatalf("summarize: %v", err)
			}
			summary := decision.Map(d.Parameters, "summary")
			if decision.NumberOr(summary, "success_rate", 0) != 0.5 || decision.NumberOr(summary, "error_count", 0) != 1 {
				t.Fatalf("unexpected summary %+v", summary)
			}
			if summary["insight"] != tc.wantInsight {
				t.Fatalf("insight = %v, want %s", summary["insight"], tc.wantInsight)
			}
			refs := stringList(summary["knowledge"])
			if len(refs) != 1 || refs[0] != "Yield checklist" {
				t.Fatalf("unexpected knowledge references %v", refs)
			}
		})
	}
}
