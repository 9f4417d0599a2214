package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"MetaPilot/internal/config"
	"MetaPilot/internal/web3"
	"MetaPilot/internal/web3/ethereum"
	"MetaPilot/pkg/logger"
)

// GasQuote 是单条链的当前 gas 价格与参考均价，单位 gwei。
type GasQuote struct {
	CurrentGwei float64 `json:"current_gas_price"`
	AverageGwei float64 `json:"historical_average"`
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	averages     map[string]float64
	logger       *slog.Logger
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	averages := make(map[string]float64)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:   name,
				RPCURL: chain.RPCURL,
				Notes:  chain.Description,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
			if chain.AverageGasGwei > 0 {
				averages[name] = chain.AverageGasGwei
			}
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return NewRegistryWithClients(cfg.DefaultChain, clients, averages)
}

// NewRegistryWithClients 使用已构造的客户端创建注册表。
func NewRegistryWithClients(defaultChain string, clients map[string]web3.Client, averages map[string]float64) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链客户端")
	}
	if defaultChain == "" {
		defaultChain = sortedNames(clients)[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	if averages == nil {
		averages = map[string]float64{}
	}
	return &Registry{
		defaultChain: defaultChain,
		clients:      clients,
		averages:     averages,
		logger:       logger.Named("web3"),
	}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// DefaultSnapshot 读取默认链的快照。
func (r *Registry) DefaultSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	client, err := r.DefaultClient()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return client.FetchChainSnapshot(ctx)
}

// GasQuotes 查询所有链的 gas 价格。单条链失败时跳过并记录日志。
// 未配置均价的链以当前价格作为均价。
func (r *Registry) GasQuotes(ctx context.Context) (map[string]GasQuote, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	quotes := make(map[string]GasQuote, len(r.clients))
	var lastErr error
	for _, name := range sortedNames(r.clients) {
		price, err := r.clients[name].SuggestGasPrice(ctx)
		if err != nil {
			lastErr = err
			r.logger.Warn("查询 gas 价格失败", slog.String("chain", name), slog.Any("error", err))
			continue
		}
		current := web3.GweiFromWei(price)
		average, ok := r.averages[name]
		if !ok {
			average = current
		}
		quotes[name] = GasQuote{CurrentGwei: current, AverageGwei: average}
	}
	if len(quotes) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return quotes, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

func sortedNames(clients map[string]web3.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
