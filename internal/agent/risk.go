package agent

import (
	"context"
	"math"
	"sort"

	"MetaPilot/internal/decision"
)

// Risk 动作。
const (
	ActionIssueRiskWarning             = "issue_risk_warning"
	ActionRecommendPortfolioAdjustment = "recommend_portfolio_adjustment"
	ActionImplementRiskControls        = "implement_risk_controls"
	ActionProvideRiskAssessment        = "provide_risk_assessment"
)

// 漏洞严重度对应的合约风险分。
var vulnerabilitySeverity = map[string]float64{
	"low":      5,
	"medium":   15,
	"high":     30,
	"critical": 50,
}

// 协议风险因子权重，缺失的因子按 0.5 计。
var protocolRiskWeights = map[string]float64{
	"smart_contract_risk": 0.3,
	"centralization_risk": 0.2,
	"liquidity_risk":      0.2,
	"oracle_risk":         0.15,
	"governance_risk":     0.15,
}

// Risk 评估合约、协议、市场与组合风险，超出容忍度时给出预警或调整建议。
type Risk struct{}

// RiskInfo 返回风险智能体的身份信息。
func RiskInfo() Info {
	return Info{
		Name: "Risk_Specialist",
		Role: "Risk Assessment and Management",
		Type: TypeRisk,
		Capabilities: []string{
			"smart_contract_risk_analysis",
			"protocol_risk_assessment",
			"market_risk_evaluation",
			"portfolio_risk_management",
			"risk_mitigation_strategies",
		},
	}
}

// Analyze 依次计算各维度风险分（0-100），与风险偏好对应的阈值比较。
func (Risk) Analyze(_ context.Context, data map[string]any) (decision.Decision, error) {
	in := inputs(data)
	tolerance := riskTolerance(data)
	threshold := map[string]float64{"low": 30, "medium": 50, "high": 70}[tolerance]
	if threshold == 0 {
		threshold = 50
	}

	contracts := map[string]any{}
	var worstContract string
	worstContractScore := -1.0
	for _, c := range decision.Maps(in, "contracts") {
		address := decision.String(c, "address")
		if address == "" {
			continue
		}
		score := contractRiskScore(c)
		contracts[address] = map[string]any{"score": score, "level": riskLevel(score)}
		if score > worstContractScore {
			worstContract, worstContractScore = address, score
		}
	}

	protocols := map[string]any{}
	protocolMax := 0.0
	for _, p := range decision.Maps(in, "protocols") {
		name := decision.String(p, "name")
		if name == "" {
			continue
		}
		score := protocolRiskScore(decision.Map(p, "risk_factors"))
		protocols[name] = map[string]any{"score": score, "level": riskLevel(score)}
		protocolMax = math.Max(protocolMax, score)
	}

	market, hasMarket := marketRiskScore(decision.Map(in, "market_data"))
	positions := decision.Maps(decision.Map(in, "portfolio"), "positions")
	concentration, largest := portfolioConcentration(positions)

	assessment := map[string]any{
		"risk_tolerance": tolerance,
		"threshold":      threshold,
		"contracts":      contracts,
		"protocols":      protocols,
	}
	if hasMarket {
		assessment["market_risk"] = market
	}
	if len(positions) > 0 {
		assessment["portfolio_concentration"] = round(concentration, 2)
	}

	overall := math.Max(math.Max(worstContractScore, protocolMax), market)
	assessment["overall_risk"] = round(math.Max(overall, 0), 2)
	assessment["overall_level"] = riskLevel(math.Max(overall, 0))

	switch {
	case worstContractScore >= 80:
		return decision.New(ActionImplementRiskControls, map[string]any{
			"controls":   []string{"pause_interactions", "revoke_approvals"},
			"contract":   worstContract,
			"assessment": assessment,
		}, 0.9, "Critical contract risk detected, applying controls").WithExpectedReturn(0), nil
	case overall > threshold:
		return decision.New(ActionIssueRiskWarning, map[string]any{
			"risk_score": round(overall, 2),
			"level":      riskLevel(overall),
			"assessment": assessment,
		}, 0.85, "Risk exceeds tolerance threshold").WithExpectedReturn(0), nil
	case concentration > 50:
		return decision.New(ActionRecommendPortfolioAdjustment, map[string]any{
			"asset":             largest,
			"concentration":     round(concentration, 2),
			"target_max_weight": 30.0,
			"assessment":        assessment,
		}, 0.8, "Portfolio concentration above 50%, diversification recommended").WithExpectedReturn(0.02), nil
	default:
		return decision.New(ActionProvideRiskAssessment, map[string]any{"assessment": assessment}, 0.75,
			"Risk within tolerance").WithExpectedReturn(0), nil
	}
}

// Execute 模拟风控动作。
func (Risk) Execute(_ context.Context, d decision.Decision) (decision.ExecutionResult, error) {
	switch d.Action {
	case ActionImplementRiskControls:
		return decision.Succeeded(map[string]any{
			"controls_applied": stringList(d.Parameters["controls"]),
			"contract":         d.Parameters["contract"],
			"simulated":        true,
		}), nil
	case ActionIssueRiskWarning:
		return decision.Succeeded(map[string]any{
			"warning_issued": true,
			"risk_score":     d.Parameters["risk_score"],
			"level":          d.Parameters["level"],
		}), nil
	case ActionRecommendPortfolioAdjustment:
		return decision.Succeeded(map[string]any{
			"recommendation": map[string]any{
				"reduce":            d.Parameters["asset"],
				"target_max_weight": d.Parameters["target_max_weight"],
			},
		}), nil
	case ActionProvideRiskAssessment:
		return decision.Succeeded(map[string]any{"assessment": d.Parameters["assessment"]}), nil
	default:
		return decision.Succeeded(map[string]any{"message": "no operation for action " + d.Action}), nil
	}
}

// contractRiskScore 累加漏洞严重度，未审计额外加 20，上限 100。
func contractRiskScore(c map[string]any) float64 {
	score := 0.0
	for _, v := range decision.Maps(c, "vulnerabilities") {
		score += vulnerabilitySeverity[decision.String(v, "severity")]
	}
	if audited, ok := c["audited"].(bool); !ok || !audited {
		score += 20
	}
	return math.Min(score, 100)
}

// protocolRiskScore 对 [0,1] 的风险因子加权，换算到 0-100。
func protocolRiskScore(factors map[string]any) float64 {
	score := 0.0
	for factor, weight := range protocolRiskWeights {
		score += clamp(decision.NumberOr(factors, factor, 0.5), 0, 1) * weight
	}
	return round(score*100, 2)
}

// marketRiskScore 由波动率、相关性与流动性合成，无数据时返回 false。
func marketRiskScore(market map[string]any) (float64, bool) {
	if len(market) == 0 {
		return 0, false
	}
	volatility := clamp(decision.NumberOr(market, "volatility", 0.5), 0, 1)
	correlation := clamp(decision.NumberOr(market, "correlation", 0.5), 0, 1)
	liquidity := clamp(decision.NumberOr(market, "liquidity", 0.5), 0, 1)
	return round((0.5*volatility+0.2*correlation+0.3*(1-liquidity))*100, 2), true
}

// portfolioConcentration 返回最大持仓占比（百分比）与对应资产。
func portfolioConcentration(positions []map[string]any) (float64, string) {
	total := 0.0
	values := map[string]float64{}
	for _, p := range positions {
		v := decision.NumberOr(p, "value", 0)
		values[decision.String(p, "asset")] += v
		total += v
	}
	if total <= 0 {
		return 0, ""
	}
	assets := make([]string, 0, len(values))
	for a := range values {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	largest, share := "", 0.0
	for _, a := range assets {
		if pct := values[a] / total * 100; pct > share {
			largest, share = a, pct
		}
	}
	return share, largest
}

func riskLevel(score float64) string {
	switch {
	case score >= 80:
		return "critical"
	case score >= 60:
		return "high"
	case score >= 30:
		return "medium"
	default:
		return "low"
	}
}

var _ Behavior = Risk{}
