package provider

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"MetaPilot/internal/config"
	"MetaPilot/internal/web3"
)

type stubChain struct {
	gasWei *big.Int
	err    error
	closed bool
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if s.err != nil {
		return web3.ChainSnapshot{}, s.err
	}
	return web3.ChainSnapshot{ChainID: "0x1", GasPriceWei: s.gasWei.String()}, nil
}

func (s *stubChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.gasWei, nil
}

func (s *stubChain) Balance(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }

func (s *stubChain) Close() { s.closed = true }

func TestGasQuotesSkipsFailingChains(t *testing.T) {
	eth := &stubChain{gasWei: big.NewInt(30_000_000_000)}
	bad := &stubChain{err: errors.New("rpc down")}
	poly := &stubChain{gasWei: big.NewInt(50_000_000_000)}

	reg, err := NewRegistryWithClients("", map[string]web3.Client{"ethereum": eth, "bsc": bad, "polygon": poly},
		map[string]float64{"ethereum": 20})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	quotes, err := reg.GasQuotes(context.Background())
	if err != nil {
		t.Fatalf("gas quotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected two quotes, got %+v", quotes)
	}
	if q := quotes["ethereum"]; q.CurrentGwei != 30 || q.AverageGwei != 20 {
		t.Fatalf("unexpected ethereum quote: %+v", q)
	}
	if q := quotes["polygon"]; q.AverageGwei != q.CurrentGwei {
		t.Fatalf("missing average should fall back to current: %+v", q)
	}

	// 默认链按名称排序取第一个。
	client, err := reg.DefaultClient()
	if err != nil || client != bad {
		t.Fatalf("expected bsc as default chain, got %v %v", client, err)
	}
	reg.Close()
	if !eth.closed || !poly.closed {
		t.Fatalf("clients should be closed")
	}
}

func TestGasQuotesAllFailing(t *testing.T) {
	reg, err := NewRegistryWithClients("a", map[string]web3.Client{"a": &stubChain{err: errors.New("x")}}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := reg.GasQuotes(context.Background()); err == nil {
		t.Fatalf("expected error when every chain fails")
	}
}

func TestNewRegistryValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  solana:\n    type: svm\n    rpc_url: http://127.0.0.1:1\n"), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatalf("expected unsupported chain type error")
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
	if _, err := NewRegistryWithClients("missing", map[string]web3.Client{"a": &stubChain{}}, nil); err == nil {
		t.Fatalf("expected unknown default chain error")
	}
}
