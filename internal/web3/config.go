package web3

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "MetaPilot/internal/errors"
)

// ChainDefinitions 是链配置文件的根结构：
//
//	chains:
//	  ethereum:
//	    rpc_url: https://...
//	    average_gas_gwei: 30
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述一条链的端点。AverageGasGwei 是跨链 gas 时机判断的参考均价。
type ChainDefinition struct {
	Type           string  `yaml:"type"`
	RPCURL         string  `yaml:"rpc_url"`
	Description    string  `yaml:"description"`
	AverageGasGwei float64 `yaml:"average_gas_gwei"`
}

// LoadChainDefinitions 读取链配置。路径为空时返回空集合；缺少 rpc_url 的链视为配置错误。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取链配置失败",
			xerrors.WithMetadata("path", path))
	}
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链配置失败",
			xerrors.WithMetadata("path", path))
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, xerrors.New(xerrors.CodeInvalidArgument, "链缺少 rpc_url",
				xerrors.WithMetadata("chain", name))
		}
	}
	return defs, nil
}
