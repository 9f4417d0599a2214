package agent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"MetaPilot/internal/decision"
)

// DeFi 动作。
const (
	ActionExecuteDeFiStrategy = "execute_defi_strategy"
	ActionNoAction            = "no_action"
)

// DeFi 在 Uniswap 做市与 Aave/Compound 借贷之间按风险调整收益选择策略。
type DeFi struct{}

// DeFiInfo 返回 DeFi 智能体的身份信息。
func DeFiInfo() Info {
	return Info{
		Name: "DeFi_Specialist",
		Role: "DeFi Operations",
		Type: TypeDeFi,
		Capabilities: []string{
			"yield_farming_optimization",
			"liquidity_provision_strategies",
			"arbitrage_detection",
			"impermanent_loss_analysis",
			"gas_optimization",
		},
	}
}

type yieldOpportunity struct {
	Protocol     string
	Kind         string
	Address      string
	APY          float64
	TVL          float64
	Tokens       []string
	Score        float64
	Risk         defiRisk
	RiskAdjusted float64
}

type defiRisk struct {
	ImpermanentLoss float64
	SmartContract   float64
	Liquidity       float64
}

func (r defiRisk) total() float64 {
	return (r.ImpermanentLoss + r.SmartContract + r.Liquidity) / 3
}

// Analyze 扫描收益机会并选出风险调整后收益最高的一项。
func (DeFi) Analyze(_ context.Context, data map[string]any) (decision.Decision, error) {
	in := inputs(data)
	tolerance := riskTolerance(data)

	var opportunities []yieldOpportunity
	for _, pool := range decision.Maps(decision.Map(in, "uniswap"), "pools") {
		apy := decision.NumberOr(pool, "apy", 0)
		if apy <= 5 {
			continue
		}
		opportunities = append(opportunities, yieldOpportunity{
			Protocol: "uniswap",
			Kind:     "liquidity_provision",
			Address:  decision.String(pool, "address"),
			APY:      apy,
			TVL:      decision.NumberOr(pool, "tvl", 0),
			Tokens:   stringList(pool["tokens"]),
		})
	}
	for _, protocol := range []string{"aave", "compound"} {
		for _, market := range decision.Maps(decision.Map(in, protocol), "markets") {
			apy := decision.NumberOr(market, "supply_apy", 0)
			if apy <= 3 {
				continue
			}
			opportunities = append(opportunities, yieldOpportunity{
				Protocol: protocol,
				Kind:     "lending",
				Address:  decision.String(market, "address"),
				APY:      apy,
				TVL:      decision.NumberOr(market, "tvl", 0),
			})
		}
	}

	maxRisk := map[string]float64{"low": 0.3, "medium": 0.5, "high": 1}[tolerance]
	if maxRisk == 0 {
		maxRisk = 0.5
	}
	viable := opportunities[:0]
	for _, o := range opportunities {
		o.Score = opportunityScore(o.APY, o.TVL)
		o.Risk = defiRisk{
			ImpermanentLoss: impermanentLossRisk(o),
			SmartContract:   smartContractRisk(o.Protocol),
			Liquidity:       liquidityRisk(o.TVL),
		}
		if o.Risk.total() > maxRisk {
			continue
		}
		o.RiskAdjusted = o.APY * (1 - o.Risk.total())
		viable = append(viable, o)
	}

	if len(viable) == 0 {
		return decision.New(ActionNoAction, map[string]any{
			"reason":         "No viable opportunities found",
			"scanned":        len(opportunities),
			"risk_tolerance": tolerance,
		}, 0.5, "No yield opportunity passed the risk filter").WithExpectedReturn(0), nil
	}

	sort.SliceStable(viable, func(i, j int) bool { return viable[i].RiskAdjusted > viable[j].RiskAdjusted })
	best := viable[0]
	strategy := best.Kind + "_" + best.Protocol
	return decision.New(ActionExecuteDeFiStrategy, map[string]any{
		"strategy":             strategy,
		"protocol":             best.Protocol,
		"type":                 best.Kind,
		"address":              best.Address,
		"apy":                  best.APY,
		"tvl":                  best.TVL,
		"score":                round(best.Score, 4),
		"risk_adjusted_return": round(best.RiskAdjusted, 4),
		"risk": map[string]any{
			"impermanent_loss_risk": best.Risk.ImpermanentLoss,
			"smart_contract_risk":   best.Risk.SmartContract,
			"liquidity_risk":        best.Risk.Liquidity,
			"total_risk":            round(best.Risk.total(), 4),
		},
		"alternatives": len(viable) - 1,
	}, 0.7+0.3*(1-best.Risk.total()),
		fmt.Sprintf("Selected %s %s with %.2f%% APY and favorable risk profile", best.Protocol, best.Kind, best.APY),
	).WithExpectedReturn(round(best.RiskAdjusted/100, 4)), nil
}

// Execute 模拟提交策略，不签名也不广播交易。
func (DeFi) Execute(_ context.Context, d decision.Decision) (decision.ExecutionResult, error) {
	switch d.Action {
	case ActionExecuteDeFiStrategy:
		strategy := decision.String(d.Parameters, "strategy")
		protocol := decision.String(d.Parameters, "protocol")
		var gas int
		var message string
		switch {
		case strings.HasPrefix(strategy, "liquidity_provision") && protocol == "uniswap":
			gas, message = 150000, "Liquidity provision to Uniswap pool prepared"
		case strings.HasPrefix(strategy, "lending") && (protocol == "aave" || protocol == "compound"):
			gas, message = 120000, "Deposit into "+protocol+" prepared"
		default:
			return decision.Failed("unsupported strategy "+strategy+" on "+protocol, nil), nil
		}
		return decision.Succeeded(map[string]any{
			"strategy":      strategy,
			"protocol":      protocol,
			"estimated_gas": gas,
			"expected_apy":  d.Parameters["risk_adjusted_return"],
			"message":       message,
			"simulated":     true,
		}), nil
	case ActionNoAction:
		return decision.Succeeded(map[string]any{"message": "No DeFi action taken"}), nil
	default:
		return decision.Succeeded(map[string]any{"message": "no operation for action " + d.Action}), nil
	}
}

// opportunityScore 以 APY 为主、TVL 为辅，TVL 以 10 亿封顶。
func opportunityScore(apy, tvl float64) float64 {
	return 0.7*(apy/100) + 0.3*math.Min(tvl/1_000_000_000, 1)
}

func impermanentLossRisk(o yieldOpportunity) float64 {
	if o.Kind != "liquidity_provision" {
		return 0
	}
	if len(o.Tokens) == 2 {
		for _, token := range o.Tokens {
			if strings.Contains(strings.ToUpper(token), "USD") {
				return 0.2
			}
		}
		return 0.5
	}
	return 0.3
}

func smartContractRisk(protocol string) float64 {
	switch protocol {
	case "uniswap":
		return 0.1
	case "aave", "compound":
		return 0.15
	default:
		return 0.5
	}
}

func liquidityRisk(tvl float64) float64 {
	switch {
	case tvl > 100_000_000:
		return 0.1
	case tvl > 10_000_000:
		return 0.3
	case tvl > 1_000_000:
		return 0.5
	default:
		return 0.8
	}
}

var _ Behavior = DeFi{}
