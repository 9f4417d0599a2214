package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot summarises network state for agent context and reporting.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	GasPriceWei string `json:"gas_price_wei"`
	Notes       string `json:"notes,omitempty"`
}

// Client is the read-only view of a chain that agents consume. Signing and
// broadcasting transactions are out of scope.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	Close()
}

// GweiFromWei 把 wei 转换为 gwei 浮点数，用于与人工输入的 gas 价格比较。
func GweiFromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}
