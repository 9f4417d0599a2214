package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metapilot.yaml")
	content := `
server:
  address: ":9090"
learning:
  learning_rate: 0.2
  model_dir: models
queue:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Learning.LearningRate != 0.2 || cfg.Learning.DiscountFactor != 0.9 {
		t.Fatalf("unexpected learning config: %+v", cfg.Learning)
	}
	if cfg.Learning.ModelDir != filepath.Join(dir, "models") {
		t.Fatalf("model dir not resolved: %s", cfg.Learning.ModelDir)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Address == "" {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimension != 128 {
		t.Fatalf("unexpected embedding defaults: %+v", cfg.Embedding)
	}
	if cfg.Orchestrator.EnforceMaxDuration == nil || !*cfg.Orchestrator.EnforceMaxDuration {
		t.Fatalf("max duration should be enforced by default")
	}
}

func TestLoadJSONKeepsExplicitFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metapilot.json")
	content := `{"orchestrator":{"enforce_max_duration":false},"llm":{"provider":"openai","api_key_env":"MP_TEST_KEY"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MP_TEST_KEY", " sk-test ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if *cfg.Orchestrator.EnforceMaxDuration {
		t.Fatalf("explicit false was overwritten")
	}
	if cfg.LLM.ResolveAPIKey() != "sk-test" {
		t.Fatalf("unexpected api key: %q", cfg.LLM.ResolveAPIKey())
	}
	if cfg.LLM.Timeout().Seconds() != 30 {
		t.Fatalf("unexpected timeout: %s", cfg.LLM.Timeout())
	}
}

func TestLoadFromEnvWithoutFile(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
