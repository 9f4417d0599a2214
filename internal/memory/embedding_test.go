package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "MetaPilot/internal/errors"
)

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	first, err := e.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, _ := e.Embed(context.Background(), []string{"hello"})
	if len(first) != 2 || len(first[0]) != DefaultDimension {
		t.Fatalf("unexpected shape: %d x %d", len(first), len(first[0]))
	}
	for i := range first[0] {
		if first[0][i] != second[0][i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
		if first[0][i] < 0 || first[0][i] > 1 {
			t.Fatalf("component out of range: %v", first[0][i])
		}
	}
	// 16 字节摘要循环填充。
	if first[0][0] != first[0][16] || first[0][5] != first[0][117] {
		t.Fatalf("digest should repeat every 16 components")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			// 逆序返回，验证按 index 重排。
			idx := len(req.Input) - 1 - i
			data[i] = map[string]any{"object": "embedding", "index": idx, "embedding": []float32{float32(idx), 1, 0}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "embed-small", Dimension: 3, RatePerSecond: 100})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	vectors, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if gotModel != "embed-small" {
		t.Fatalf("unexpected model: %s", gotModel)
	}
	if vectors[0][0] != 0 || vectors[1][0] != 1 {
		t.Fatalf("vectors not ordered by index: %+v", vectors)
	}

	bad, _ := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Dimension: 8})
	if _, err := bad.Embed(context.Background(), []string{"a"}); xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("dimension mismatch should be a provider failure, got %v", err)
	}
}

func TestOpenAIEmbedderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
