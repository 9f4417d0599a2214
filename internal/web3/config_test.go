package web3

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "MetaPilot/internal/errors"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func TestLoadChainDefinitions(t *testing.T) {
	path := writeChains(t, `
chains:
  ethereum:
    rpc_url: http://127.0.0.1:8545
    average_gas_gwei: 30
  polygon:
    type: evm
    rpc_url: http://127.0.0.1:8546
`)
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 || defs.Chains["ethereum"].AverageGasGwei != 30 {
		t.Fatalf("unexpected definitions %+v", defs)
	}
}

func TestLoadChainDefinitionsErrors(t *testing.T) {
	empty, err := LoadChainDefinitions("  ")
	if err != nil || empty.Chains == nil || len(empty.Chains) != 0 {
		t.Fatalf("empty path should yield an empty set: %+v %v", empty, err)
	}

	_, err = LoadChainDefinitions(writeChains(t, "chains:\n  ethereum:\n    description: no endpoint\n"))
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("missing rpc_url should be rejected, got %v", err)
	}

	_, err = LoadChainDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("missing file should fail initialization, got %v", err)
	}
}
