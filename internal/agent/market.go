package agent

import (
	"context"
	"fmt"
	"math"
	"sort"

	"MetaPilot/internal/decision"
)

// MarketIntelligence 动作。
const (
	ActionSendAlert      = "send_alert"
	ActionPredictPrice   = "predict_price"
	ActionGenerateReport = "generate_report"
)

// MarketIntelligence 汇总价格、社交与链上信号，生成预警、预测或报告。
type MarketIntelligence struct{}

// MarketIntelligenceInfo 返回市场情报智能体的身份信息。
func MarketIntelligenceInfo() Info {
	return Info{
		Name: "Market_Intelligence",
		Role: "Market Analysis and Intelligence",
		Type: TypeMarketIntelligence,
		Capabilities: []string{
			"trend_analysis",
			"sentiment_analysis",
			"on_chain_analytics",
			"price_prediction",
			"market_reporting",
		},
	}
}

type assetTrend struct {
	Asset     string
	Change    float64
	Direction string
}

// Analyze 计算每个资产的涨跌幅，再叠加情绪与链上信号得到综合得分。
func (MarketIntelligence) Analyze(_ context.Context, data map[string]any) (decision.Decision, error) {
	in := inputs(data)

	trends := priceTrends(decision.Map(in, "price_history"))
	sentiment := clamp(decision.NumberOr(decision.Map(in, "social_data"), "sentiment_score", 0), -1, 1)
	onChain := decision.Map(in, "on_chain_data")
	activity := onChainActivity(onChain)

	var strongest *assetTrend
	for i := range trends {
		if strongest == nil || math.Abs(trends[i].Change) > math.Abs(strongest.Change) {
			strongest = &trends[i]
		}
	}

	signals := map[string]any{
		"sentiment":        sentiment,
		"on_chain_signal":  round(activity, 4),
		"assets_evaluated": len(trends),
	}

	if strongest != nil {
		magnitude := math.Abs(strongest.Change)
		alertConfidence := clamp(0.5+magnitude*2+math.Abs(sentiment)*0.1, 0, 0.95)
		if magnitude > 0.1 && alertConfidence > 0.75 {
			return decision.New(ActionSendAlert, map[string]any{
				"asset":          strongest.Asset,
				"change_percent": round(strongest.Change*100, 2),
				"direction":      strongest.Direction,
				"signals":        signals,
				"severity":       alertSeverity(magnitude),
			}, alertConfidence,
				fmt.Sprintf("%s moved %.1f%%, alerting subscribers", strongest.Asset, strongest.Change*100),
			).WithExpectedReturn(0), nil
		}

		score := 0.6*strongest.Change + 0.25*sentiment*0.1 + 0.15*activity*0.1
		predicted := clamp(score, -0.3, 0.3)
		if math.Abs(predicted) > 0.01 {
			return decision.New(ActionPredictPrice, map[string]any{
				"asset":            strongest.Asset,
				"predicted_change": round(predicted, 4),
				"direction":        direction(predicted),
				"horizon":          "24h",
				"signals":          signals,
			}, 0.6+math.Min(0.2, math.Abs(predicted)),
				fmt.Sprintf("Predicted %s move for %s", direction(predicted), strongest.Asset),
			).WithExpectedReturn(round(math.Abs(predicted), 4)), nil
		}
	}

	report := make([]map[string]any, 0, len(trends))
	for _, t := range trends {
		report = append(report, map[string]any{
			"asset":          t.Asset,
			"change_percent": round(t.Change*100, 2),
			"direction":      t.Direction,
		})
	}
	return decision.New(ActionGenerateReport, map[string]any{
		"trends":  report,
		"signals": signals,
	}, 0.7, "Market conditions stable, periodic report generated").WithExpectedReturn(0), nil
}

// Execute 模拟通知、预测入库与报告生成。
func (MarketIntelligence) Execute(_ context.Context, d decision.Decision) (decision.ExecutionResult, error) {
	switch d.Action {
	case ActionSendAlert:
		asset := decision.String(d.Parameters, "asset")
		if asset == "" {
			return decision.Failed("alert without asset", nil), nil
		}
		return decision.Succeeded(map[string]any{
			"alert_sent": true,
			"asset":      asset,
			"severity":   d.Parameters["severity"],
			"message":    fmt.Sprintf("%s %s %v%%", asset, decision.String(d.Parameters, "direction"), d.Parameters["change_percent"]),
		}), nil
	case ActionPredictPrice:
		return decision.Succeeded(map[string]any{
			"asset":            d.Parameters["asset"],
			"predicted_change": d.Parameters["predicted_change"],
			"horizon":          d.Parameters["horizon"],
			"recorded":         true,
		}), nil
	case ActionGenerateReport:
		return decision.Succeeded(map[string]any{
			"report": map[string]any{
				"trends":  d.Parameters["trends"],
				"signals": d.Parameters["signals"],
			},
		}), nil
	default:
		return decision.Succeeded(map[string]any{"message": "no operation for action " + d.Action}), nil
	}
}

// priceTrends 读取 {asset: {current, previous}}，按资产名排序返回。
func priceTrends(history map[string]any) []assetTrend {
	assets := make([]string, 0, len(history))
	for asset := range history {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]assetTrend, 0, len(assets))
	for _, asset := range assets {
		entry, _ := history[asset].(map[string]any)
		change := relativeChange(entry, "current", "previous")
		out = append(out, assetTrend{Asset: asset, Change: change, Direction: direction(change)})
	}
	return out
}

// onChainActivity 活跃地址增长为正信号，巨鲸流出为负信号，结果限制在 [-1,1]。
func onChainActivity(onChain map[string]any) float64 {
	if onChain == nil {
		return 0
	}
	growth := relativeChange(onChain, "active_addresses", "active_addresses_previous")
	whales := 0.0
	for _, m := range decision.Maps(onChain, "whale_movements") {
		switch decision.String(m, "direction") {
		case "inflow":
			whales += 0.1
		case "outflow":
			whales -= 0.1
		}
	}
	return clamp(growth+whales, -1, 1)
}

func direction(change float64) string {
	switch {
	case change > 0:
		return "up"
	case change < 0:
		return "down"
	default:
		return "flat"
	}
}

func alertSeverity(magnitude float64) string {
	switch {
	case magnitude > 0.3:
		return "critical"
	case magnitude > 0.2:
		return "high"
	default:
		return "medium"
	}
}

var _ Behavior = MarketIntelligence{}
