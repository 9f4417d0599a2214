package agent

import (
	"context"
	"fmt"
	"math"
	"sort"

	"MetaPilot/internal/decision"
)

// NFT 动作与策略。
const (
	ActionExecuteNFTStrategy = "execute_nft_strategy"

	NFTStrategyBuyUndervalued = "buy_undervalued"
	NFTStrategySellBeforeDrop = "sell_before_drop"
	NFTStrategyBuyFloor       = "buy_floor"
	NFTStrategyHold           = "hold"
)

// NFT 根据地板价趋势预测与稀有度估值选择交易策略。
type NFT struct{}

// NFTInfo 返回 NFT 智能体的身份信息。
func NFTInfo() Info {
	return Info{
		Name: "NFT_Specialist",
		Role: "NFT Market Operations",
		Type: TypeNFT,
		Capabilities: []string{
			"floor_price_prediction",
			"rarity_analysis",
			"collection_trend_analysis",
			"valuation",
		},
	}
}

type floorPrediction struct {
	Address         string
	CurrentFloor    float64
	PredictedFloor  float64
	PredictedChange float64
	TrendScore      float64
}

// Analyze 预测各系列地板价，并结合稀有度估值给出策略。
func (NFT) Analyze(_ context.Context, data map[string]any) (decision.Decision, error) {
	in := inputs(data)
	collections := decision.Maps(in, "collections")
	nfts := decision.Maps(in, "nfts")
	if len(collections) == 0 && len(nfts) == 0 {
		return decision.New(ActionNoAction, map[string]any{"reason": "No collection data supplied"},
			0.5, "Nothing to evaluate"), nil
	}

	predictions := make([]floorPrediction, 0, len(collections))
	for _, c := range collections {
		address := decision.String(c, "address")
		if address == "" {
			continue
		}
		volume := relativeChange(c, "volume_24h", "volume_previous_24h")
		floor := relativeChange(c, "floor_price", "floor_price_24h_ago")
		sales := relativeChange(c, "sales_24h", "sales_previous_24h")
		sentiment := socialSentiment(c)

		change := clamp(0.5*floor+0.3*volume+0.2*sentiment, -0.5, 0.5)
		current := decision.NumberOr(c, "floor_price", 0)
		predictions = append(predictions, floorPrediction{
			Address:         address,
			CurrentFloor:    current,
			PredictedFloor:  current * (1 + change),
			PredictedChange: change,
			TrendScore:      0.3*volume + 0.3*floor + 0.2*sales + 0.2*sentiment,
		})
	}

	var undervalued []string
	for _, n := range nfts {
		id := decision.String(n, "id")
		if id == "" {
			continue
		}
		floor := decision.NumberOr(decision.Map(n, "collection"), "floor_price", 0)
		if floor <= 0 {
			continue
		}
		if valueFromRarity(rarityScore(decision.Maps(n, "traits")), floor)/floor > 1.5 {
			undervalued = append(undervalued, id)
		}
	}
	sort.Strings(undervalued)

	var rising, falling []floorPrediction
	for _, p := range predictions {
		switch {
		case p.PredictedChange > 0.05:
			rising = append(rising, p)
		case p.PredictedChange < -0.05:
			falling = append(falling, p)
		}
	}
	sort.SliceStable(rising, func(i, j int) bool { return rising[i].PredictedChange > rising[j].PredictedChange })
	sort.SliceStable(falling, func(i, j int) bool { return falling[i].PredictedChange < falling[j].PredictedChange })

	strategy := NFTStrategyHold
	var target *floorPrediction
	targets := []string{}
	switch {
	case len(rising) > 0 && len(undervalued) > 0:
		strategy, target, targets = NFTStrategyBuyUndervalued, &rising[0], undervalued
	case len(falling) > 0:
		strategy, target = NFTStrategySellBeforeDrop, &falling[0]
	case len(rising) > 0:
		strategy, target = NFTStrategyBuyFloor, &rising[0]
	}

	params := map[string]any{
		"type":        strategy,
		"target_nfts": targets,
	}
	expected := 0.0
	if target != nil {
		params["target_collection"] = target.Address
		params["current_floor"] = target.CurrentFloor
		params["predicted_floor"] = round(target.PredictedFloor, 6)
		params["predicted_change"] = round(target.PredictedChange, 4)
		if strategy == NFTStrategySellBeforeDrop {
			expected = math.Max(0, -target.PredictedChange)
		} else {
			expected = math.Max(0, target.PredictedChange)
		}
	}
	confidence := 0.7
	if target != nil {
		confidence = 0.6 + 0.4*(1-math.Abs(target.PredictedChange))
	}
	return decision.New(ActionExecuteNFTStrategy, params, confidence,
		fmt.Sprintf("Selected %s strategy based on floor price predictions and collection trends", strategy),
	).WithExpectedReturn(round(expected, 4)), nil
}

// Execute 模拟下单，hold 视为成功的空操作。
func (NFT) Execute(_ context.Context, d decision.Decision) (decision.ExecutionResult, error) {
	switch d.Action {
	case ActionExecuteNFTStrategy:
		strategy := decision.String(d.Parameters, "type")
		messages := map[string]string{
			NFTStrategyBuyUndervalued: "Bids placed on undervalued NFTs",
			NFTStrategySellBeforeDrop: "Listings created ahead of predicted floor drop",
			NFTStrategyBuyFloor:       "Bids placed on floor NFTs in rising collection",
			NFTStrategyHold:           "Holding current positions",
		}
		message, ok := messages[strategy]
		if !ok {
			return decision.Failed("unsupported strategy type "+strategy, nil), nil
		}
		return decision.Succeeded(map[string]any{
			"strategy":          strategy,
			"target_collection": d.Parameters["target_collection"],
			"target_nfts":       d.Parameters["target_nfts"],
			"message":           message,
			"simulated":         true,
		}), nil
	case ActionNoAction:
		return decision.Succeeded(map[string]any{"message": "No NFT action taken"}), nil
	default:
		return decision.Succeeded(map[string]any{"message": "no operation for action " + d.Action}), nil
	}
}

func relativeChange(values map[string]any, currentKey, previousKey string) float64 {
	previous := decision.NumberOr(values, previousKey, 0)
	if previous == 0 {
		return 0
	}
	return (decision.NumberOr(values, currentKey, 0) - previous) / previous
}

// socialSentiment 把提及量（1000 封顶）与正面比例合成到 [-1,1]。
func socialSentiment(c map[string]any) float64 {
	mentions := math.Min(decision.NumberOr(c, "social_mentions_24h", 0)/1000, 1)
	positive := decision.NumberOr(c, "positive_sentiment_percentage", 50)
	return mentions * (positive - 50) / 50
}

// rarityScore 是各特征 (1 - 占比) 的平均值，占比缺省 0.5。
func rarityScore(traits []map[string]any) float64 {
	if len(traits) == 0 {
		return 0
	}
	score := 0.0
	for _, t := range traits {
		score += 1 - decision.NumberOr(t, "rarity", 0.5)
	}
	return score / float64(len(traits))
}

func valueFromRarity(score, floor float64) float64 {
	switch {
	case score > 0.8:
		return floor * 5
	case score > 0.6:
		return floor * 3
	case score > 0.4:
		return floor * 2
	case score > 0.2:
		return floor * 1.5
	default:
		return floor
	}
}

var _ Behavior = NFT{}
