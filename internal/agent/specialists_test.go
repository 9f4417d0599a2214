package agent

import (
	"context"
	"errors"
	"testing"

	"MetaPilot/internal/decision"
	"MetaPilot/internal/web3/provider"
)

func analyze(t *testing.T, b Behavior, data map[string]any) decision.Decision {
	t.Helper()
	d, err := b.Analyze(context.Background(), data)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	return d
}

func execute(t *testing.T, b Behavior, d decision.Decision) decision.ExecutionResult {
	t.Helper()
	res, err := b.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func TestUnknownActionsAreNoOps(t *testing.T) {
	behaviors := map[string]Behavior{
		"governor":   NewGovernor(GovernorConfig{}),
		"defi":       DeFi{},
		"nft":        NFT{},
		"dao":        DAO{},
		"crosschain": NewCrossChain(nil),
		"market":     MarketIntelligence{},
		"risk":       Risk{},
	}
	for name, b := range behaviors {
		t.Run(name, func(t *testing.T) {
			res := execute(t, b, decision.New("does_not_exist", nil, 0.5, ""))
			if !res.Success {
				t.Fatalf("unknown action should succeed as a no-op: %+v", res)
			}
		})
	}
}

func TestDeFiSelectsBestRiskAdjustedOpportunity(t *testing.T) {
	data := map[string]any{
		"type": "defi",
		"parameters": map[string]any{
			"uniswap": map[string]any{"pools": []any{
				map[string]any{"address": "0xpool", "apy": 12.0, "tvl": 500_000_000.0, "tokens": []any{"ETH", "USDC"}},
				map[string]any{"address": "0xlow", "apy": 4.0, "tvl": 900_000_000.0},
			}},
			"aave": map[string]any{"markets": []any{
				map[string]any{"address": "0xaave", "supply_apy": 6.0, "tvl": 2_000_000_000.0},
			}},
		},
	}
	d := analyze(t, DeFi{}, data)
	if d.Action != ActionExecuteDeFiStrategy {
		t.Fatalf("unexpected action %s", d.Action)
	}
	if d.Parameters["strategy"] != "liquidity_provision_uniswap" || d.Parameters["address"] != "0xpool" {
		t.Fatalf("unexpected pick %+v", d.Parameters)
	}
	if d.ExpectedReturn == nil || *d.ExpectedReturn <= 0 {
		t.Fatalf("expected return should be positive")
	}
	res := execute(t, DeFi{}, d)
	if !res.Success || res.Output["estimated_gas"] != 150000 {
		t.Fatalf("unexpected execution %+v", res)
	}
}

func TestDeFiRespectsLowTolerance(t *testing.T) {
	data := map[string]any{
		"risk_tolerance": "low",
		"uniswap": map[string]any{"pools": []any{
			map[string]any{"address": "0xsmall", "apy": 40.0, "tvl": 500_000.0, "tokens": []any{"PEPE", "WETH"}},
		}},
	}
	d := analyze(t, DeFi{}, data)
	if d.Action != ActionNoAction {
		t.Fatalf("risky pool must be filtered, got %s", d.Action)
	}
	if res := execute(t, DeFi{}, d); !res.Success {
		t.Fatalf("no_action should succeed")
	}
}

func TestNFTStrategies(t *testing.T) {
	rising := map[string]any{
		"address": "0xrise", "floor_price": 1.2, "floor_price_24h_ago": 1.0,
		"volume_24h": 200.0, "volume_previous_24h": 100.0,
	}
	falling := map[string]any{
		"address": "0xfall", "floor_price": 0.7, "floor_price_24h_ago": 1.0,
		"volume_24h": 50.0, "volume_previous_24h": 100.0,
	}
	rare := map[string]any{
		"id":         "rare-1",
		"collection": map[string]any{"floor_price": 1.0},
		"traits":     []any{map[string]any{"rarity": 0.01}, map[string]any{"rarity": 0.05}},
	}

	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{"buy undervalued", map[string]any{"collections": []any{rising}, "nfts": []any{rare}}, NFTStrategyBuyUndervalued},
		{"sell before drop", map[string]any{"collections": []any{rising, falling}}, NFTStrategySellBeforeDrop},
		{"buy floor", map[string]any{"collections": []any{rising}}, NFTStrategyBuyFloor},
		{"hold", map[string]any{"collections": []any{map[string]any{"address": "0xflat", "floor_price": 1.0, "floor_price_24h_ago": 1.0}}}, NFTStrategyHold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := analyze(t, NFT{}, tc.data)
			if d.Action != ActionExecuteNFTStrategy || d.Parameters["type"] != tc.want {
				t.Fatalf("got %s/%v, want %s", d.Action, d.Parameters["type"], tc.want)
			}
			if res := execute(t, NFT{}, d); !res.Success {
				t.Fatalf("execution failed: %+v", res)
			}
		})
	}

	if d := analyze(t, NFT{}, map[string]any{}); d.Action != ActionNoAction {
		t.Fatalf("empty input should produce no_action, got %s", d.Action)
	}
}

func TestDAODecisions(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{
			"confident vote",
			map[string]any{"proposals": []any{map[string]any{"id": "p1", "support": 0.95, "risk_score": 0.1}}},
			ActionVoteOnProposal,
		},
		{
			"treasury concentration",
			map[string]any{"treasury": map[string]any{"assets": []any{
				map[string]any{"type": "governance_tokens", "value": 700.0},
				map[string]any{"type": "stable", "value": 300.0},
			}}},
			ActionTreasuryRebalance,
		},
		{
			"low participation",
			map[string]any{"governance_token": map[string]any{"participation_rate": 0.1, "delegates": []any{"0xdel"}}},
			ActionDelegateVotes,
		},
		{
			"draft proposal",
			map[string]any{"draft_proposal": map[string]any{"title": "Fund grants"}},
			ActionCreateProposal,
		},
		{
			"nothing actionable",
			map[string]any{"proposals": []any{map[string]any{"id": "p2", "support": 0.55}}},
			ActionAnalyzeDAO,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := analyze(t, DAO{}, tc.data)
			if d.Action != tc.want {
				t.Fatalf("action = %s, want %s", d.Action, tc.want)
			}
			if res := execute(t, DAO{}, d); !res.Success {
				t.Fatalf("execution failed: %+v", res)
			}
		})
	}
}

func TestDAORebalanceTrades(t *testing.T) {
	trades := rebalanceTrades(map[string]any{"governance_tokens": 70.0, "stable": 30.0}, targetTreasuryAllocation)
	byType := map[string]string{}
	for _, tr := range trades {
		byType[decision.String(tr, "asset_type")] = decision.String(tr, "direction")
	}
	if byType["governance_tokens"] != "sell" || byType["defi_yield"] != "buy" {
		t.Fatalf("unexpected trades %+v", trades)
	}
	if _, ok := byType["stable"]; ok {
		t.Fatalf("stable is on target and should not trade")
	}
}

func TestDAOTreasuryRebalanceFromAssets(t *testing.T) {
	d := analyze(t, DAO{}, map[string]any{"treasury": map[string]any{"assets": []any{
		map[string]any{"type": "governance_tokens", "value": 700.0},
		map[string]any{"type": "stable", "value": 300.0},
	}}})
	if d.Action != ActionTreasuryRebalance {
		t.Fatalf("action = %s, want %s", d.Action, ActionTreasuryRebalance)
	}
	current := decision.Map(d.Parameters, "current_allocation")
	if pct := decision.NumberOr(current, "governance_tokens", 0); pct != 70 {
		t.Fatalf("governance_tokens allocation = %v, want 70", pct)
	}
	res := execute(t, DAO{}, d)
	trades := decision.Maps(res.Output, "trades")
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %+v", trades)
	}
	for _, tr := range trades {
		if decision.String(tr, "asset_type") == "governance_tokens" {
			if decision.String(tr, "direction") != "sell" || decision.NumberOr(tr, "amount_percentage", 0) != 50 {
				t.Fatalf("unexpected governance trade %+v", tr)
			}
		}
	}
}

type stubGasOracle struct {
	quotes map[string]provider.GasQuote
	err    error
}

func (s stubGasOracle) GasQuotes(context.Context) (map[string]provider.GasQuote, error) {
	return s.quotes, s.err
}

func TestCrossChainArbitrage(t *testing.T) {
	c := NewCrossChain(nil)
	d := analyze(t, c, map[string]any{"prices": map[string]any{
		"ethereum": map[string]any{"USDC": 1.00},
		"polygon":  map[string]any{"USDC": 1.06},
	}})
	if d.Action != ActionExecuteArbitrage {
		t.Fatalf("expected arbitrage, got %s", d.Action)
	}
	if d.Parameters["source_chain"] != "ethereum" || d.Parameters["target_chain"] != "polygon" {
		t.Fatalf("wrong direction %+v", d.Parameters)
	}
	res := execute(t, c, d)
	if profit, ok := decision.Number(res.Output, "profit"); !ok || profit <= 0 {
		t.Fatalf("arbitrage output should carry profit: %+v", res.Output)
	}
}

func TestCrossChainBridgeSelection(t *testing.T) {
	c := NewCrossChain(nil)
	d := analyze(t, c, map[string]any{"bridges": []any{
		map[string]any{"id": "unsafe", "security_score": 0.5, "fee_percent": 0.01, "time_minutes": 1.0},
		map[string]any{"id": "slow", "security_score": 0.9, "fee_percent": 0.1, "time_minutes": 60.0},
		map[string]any{"id": "fast", "security_score": 0.9, "fee_percent": 0.1, "time_minutes": 5.0},
	}})
	if d.Action != ActionBridgeAssets || d.Parameters["bridge_id"] != "fast" {
		t.Fatalf("unexpected bridge decision %+v", d)
	}
	if res := execute(t, c, d); !res.Success {
		t.Fatalf("bridge execution failed")
	}
}

func TestCrossChainGasFromOracle(t *testing.T) {
	oracle := stubGasOracle{quotes: map[string]provider.GasQuote{
		"ethereum": {CurrentGwei: 40, AverageGwei: 20},
		"polygon":  {CurrentGwei: 30, AverageGwei: 28},
	}}
	c := NewCrossChain(oracle)
	d := analyze(t, c, map[string]any{"type": "transfer"})
	if d.Action != ActionOptimizeTransaction || d.Parameters["target_chain"] != "polygon" {
		t.Fatalf("unexpected gas decision %+v", d)
	}
	res := execute(t, c, d)
	if _, ok := decision.Number(res.Output, "savings"); !ok {
		t.Fatalf("optimize output should carry savings: %+v", res.Output)
	}
}

func TestCrossChainWaitsWhenGasHigh(t *testing.T) {
	c := NewCrossChain(stubGasOracle{err: errors.New("rpc down")})
	d := analyze(t, c, map[string]any{"gas_fees": map[string]any{
		"ethereum": map[string]any{"current_gas_price": 50.0, "historical_average": 20.0},
	}})
	if d.Action != ActionAnalyzeCrossChain {
		t.Fatalf("high gas should not route a transaction, got %s", d.Action)
	}

	d = analyze(t, c, map[string]any{"type": "transfer"})
	if d.Action != ActionAnalyzeCrossChain {
		t.Fatalf("oracle failure should degrade to analysis, got %s", d.Action)
	}
}

func TestMarketIntelligenceDecisions(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{"alert on big move", map[string]any{"price_history": map[string]any{"ETH": map[string]any{"current": 2300.0, "previous": 2000.0}}}, ActionSendAlert},
		{"predict on moderate move", map[string]any{"price_history": map[string]any{"ETH": map[string]any{"current": 2100.0, "previous": 2000.0}}}, ActionPredictPrice},
		{"report when flat", map[string]any{"price_history": map[string]any{"ETH": map[string]any{"current": 2000.0, "previous": 2000.0}}}, ActionGenerateReport},
		{"report without data", map[string]any{}, ActionGenerateReport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := analyze(t, MarketIntelligence{}, tc.data)
			if d.Action != tc.want {
				t.Fatalf("action = %s, want %s", d.Action, tc.want)
			}
			if res := execute(t, MarketIntelligence{}, d); !res.Success {
				t.Fatalf("execution failed: %+v", res)
			}
		})
	}
}

func TestRiskDecisions(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want string
	}{
		{
			"critical contract",
			map[string]any{"contracts": []any{map[string]any{"address": "0xbad", "audited": false, "vulnerabilities": []any{
				map[string]any{"severity": "critical"}, map[string]any{"severity": "high"},
			}}}},
			ActionImplementRiskControls,
		},
		{
			"market above low tolerance",
			map[string]any{"risk_tolerance": "low", "market_data": map[string]any{"volatility": 0.8, "correlation": 0.5, "liquidity": 0.4}},
			ActionIssueRiskWarning,
		},
		{
			"concentrated portfolio",
			map[string]any{"risk_tolerance": "high", "portfolio": map[string]any{"positions": []any{
				map[string]any{"asset": "ETH", "value": 800.0},
				map[string]any{"asset": "USDC", "value": 200.0},
			}}},
			ActionRecommendPortfolioAdjustment,
		},
		{
			"within tolerance",
			map[string]any{"contracts": []any{map[string]any{"address": "0xok", "audited": true}}},
			ActionProvideRiskAssessment,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := analyze(t, Risk{}, tc.data)
			if d.Action != tc.want {
				t.Fatalf("action = %s, want %s", d.Action, tc.want)
			}
			if res := execute(t, Risk{}, d); !res.Success {
				t.Fatalf("execution failed: %+v", res)
			}
		})
	}
}

func TestContractRiskScore(t *testing.T) {
	unaudited := contractRiskScore(map[string]any{"vulnerabilities": []any{map[string]any{"severity": "medium"}}})
	if unaudited != 35 {
		t.Fatalf("medium + unaudited = %f, want 35", unaudited)
	}
	capped := contractRiskScore(map[string]any{"vulnerabilities": []any{
		map[string]any{"severity": "critical"}, map[string]any{"severity": "critical"}, map[string]any{"severity": "critical"},
	}})
	if capped != 100 {
		t.Fatalf("score should cap at 100, got %f", capped)
	}
}
