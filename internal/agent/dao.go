package agent

import (
	"context"
	"math"
	"sort"

	"MetaPilot/internal/decision"
)

// DAO 动作。
const (
	ActionVoteOnProposal    = "vote_on_proposal"
	ActionDelegateVotes     = "delegate_votes"
	ActionTreasuryRebalance = "treasury_rebalance"
	ActionCreateProposal    = "create_proposal"
	ActionAnalyzeDAO        = "analyze_dao"
)

// 国库再平衡的目标配置（百分比）与触发阈值。
var (
	targetTreasuryAllocation = map[string]float64{
		"stable":            30,
		"governance_tokens": 20,
		"defi_yield":        30,
		"other":             20,
	}
	treasuryConcentrationLimit = 60.0
	rebalanceBand              = 5.0
)

// DAO 分析提案、治理代币与国库，给出投票、委托或再平衡建议。
type DAO struct{}

// DAOInfo 返回 DAO 智能体的身份信息。
func DAOInfo() Info {
	return Info{
		Name: "DAO_Specialist",
		Role: "DAO Governance Operations",
		Type: TypeDAO,
		Capabilities: []string{
			"proposal_analysis",
			"voting_recommendations",
			"treasury_management",
			"governance_participation",
			"delegate_optimization",
		},
	}
}

// Analyze 按优先级选择动作：高置信投票 > 国库再平衡 > 委托投票 > 创建提案 > 仅分析。
func (DAO) Analyze(_ context.Context, data map[string]any) (decision.Decision, error) {
	in := inputs(data)

	recommendations := map[string]any{}
	confident := map[string]any{}
	for _, p := range decision.Maps(in, "proposals") {
		id := decision.String(p, "id")
		if id == "" {
			id = decision.String(p, "title")
		}
		if id == "" {
			continue
		}
		support := clamp(decision.NumberOr(p, "support", 0.5), 0, 1)
		risk := clamp(decision.NumberOr(p, "risk_score", 0), 0, 1)
		vote := "against"
		if support >= 0.5 && risk < 0.7 {
			vote = "for"
		}
		confidence := round(0.6+0.35*math.Abs(support-0.5)*2, 4)
		rec := map[string]any{"vote": vote, "confidence": confidence, "support": support, "risk_score": risk}
		recommendations[id] = rec
		if vote == "for" && confidence > 0.8 {
			confident[id] = rec
		}
	}
	if len(confident) > 0 {
		return decision.New(ActionVoteOnProposal, map[string]any{"proposals": confident}, 0.9,
			"High-confidence voting recommendations for open proposals").WithExpectedReturn(0.05), nil
	}

	if treasury := decision.Map(in, "treasury"); treasury != nil {
		allocation, total := treasuryAllocation(decision.Maps(treasury, "assets"))
		for _, pct := range allocation {
			if pct > treasuryConcentrationLimit {
				current := make(map[string]any, len(allocation))
				for kind, v := range allocation {
					current[kind] = v
				}
				return decision.New(ActionTreasuryRebalance, map[string]any{
					"total_value":        total,
					"current_allocation": current,
					"target_allocation":  targetTreasuryAllocation,
				}, 0.85, "Treasury concentration exceeds limit, rebalancing recommended").WithExpectedReturn(0.07), nil
			}
		}
	}

	if token := decision.Map(in, "governance_token"); token != nil {
		if participation, ok := decision.Number(token, "participation_rate"); ok && participation < 0.2 {
			return decision.New(ActionDelegateVotes, map[string]any{
				"target_delegates":   stringList(token["delegates"]),
				"participation_rate": participation,
			}, 0.75, "Low participation, delegating to active delegates").WithExpectedReturn(0.03), nil
		}
	}

	if draft := decision.Map(in, "draft_proposal"); draft != nil && decision.String(draft, "title") != "" {
		return decision.New(ActionCreateProposal, map[string]any{"proposal": draft}, 0.7,
			"Draft proposal ready for submission").WithExpectedReturn(0), nil
	}

	return decision.New(ActionAnalyzeDAO, map[string]any{"proposals_summary": recommendations}, 0.7,
		"DAO analysis completed, no high-priority action").WithExpectedReturn(0), nil
}

// Execute 模拟治理动作。
func (DAO) Execute(_ context.Context, d decision.Decision) (decision.ExecutionResult, error) {
	switch d.Action {
	case ActionVoteOnProposal:
		votes := map[string]any{}
		for id, rec := range decision.Map(d.Parameters, "proposals") {
			r, _ := rec.(map[string]any)
			votes[id] = map[string]any{"voted": true, "vote": decision.String(r, "vote")}
		}
		return decision.Succeeded(map[string]any{"votes": votes, "simulated": true}), nil
	case ActionDelegateVotes:
		delegates := stringList(d.Parameters["target_delegates"])
		if len(delegates) == 0 {
			return decision.Failed("no delegates supplied", nil), nil
		}
		return decision.Succeeded(map[string]any{"delegations": delegates, "simulated": true}), nil
	case ActionTreasuryRebalance:
		current := decision.Map(d.Parameters, "current_allocation")
		trades := rebalanceTrades(current, targetTreasuryAllocation)
		return decision.Succeeded(map[string]any{"trades": trades, "simulated": true}), nil
	case ActionCreateProposal:
		proposal := decision.Map(d.Parameters, "proposal")
		return decision.Succeeded(map[string]any{
			"title":     decision.String(proposal, "title"),
			"status":    "submitted",
			"simulated": true,
		}), nil
	default:
		return decision.Succeeded(map[string]any{"message": "Analysis completed", "details": d.Parameters}), nil
	}
}

// treasuryAllocation 按资产类别汇总占比（百分比）。
func treasuryAllocation(assets []map[string]any) (map[string]float64, float64) {
	sums := map[string]float64{}
	total := 0.0
	for _, a := range assets {
		kind := decision.String(a, "type")
		if kind == "" {
			kind = "unknown"
		}
		v := decision.NumberOr(a, "value", 0)
		sums[kind] += v
		total += v
	}
	out := make(map[string]float64, len(sums))
	for kind, v := range sums {
		pct := 0.0
		if total > 0 {
			pct = v / total * 100
		}
		out[kind] = round(pct, 2)
	}
	return out, total
}

// rebalanceTrades 只对偏离超过 rebalanceBand 的类别生成调整，按类别名排序。
func rebalanceTrades(current map[string]any, target map[string]float64) []map[string]any {
	kinds := make([]string, 0, len(target))
	for k := range target {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	trades := make([]map[string]any, 0, len(kinds))
	for _, kind := range kinds {
		have := decision.NumberOr(current, kind, 0)
		want := target[kind]
		if math.Abs(have-want) <= rebalanceBand {
			continue
		}
		direction := "buy"
		if have > want {
			direction = "sell"
		}
		trades = append(trades, map[string]any{
			"asset_type":        kind,
			"direction":         direction,
			"amount_percentage": round(math.Abs(have-want), 2),
		})
	}
	return trades
}

var _ Behavior = DAO{}
