package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryMatchesKeywordsAndTags(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "LP", Keywords: []string{"yield farming"}},
		{Title: "Bridges", Tags: []string{"cross chain"}},
		{Title: "General"},
	}, 5)

	got := p.Query("yield_farming", "")
	if len(got) != 2 || got[0].Title != "LP" || got[1].Title != "General" {
		t.Fatalf("unexpected results: %+v", got)
	}
	got = p.Query("portfolio", "move funds cross_chain")
	if len(got) != 2 || got[0].Title != "Bridges" {
		t.Fatalf("unexpected results: %+v", got)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	p := NewStaticProvider([]Snippet{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}}, 0)
	if got := p.Query("any", ""); len(got) != 3 {
		t.Fatalf("default limit should be 3, got %d", len(got))
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("x", "") != nil {
		t.Fatalf("nil provider should return nil")
	}
}

func TestLoadStaticProviderYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.yaml")
	content := "- title: Gas\n  content: 在低峰期提交交易\n  keywords: [gas]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(path, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Query("gas_optimization", ""); len(got) != 1 || got[0].Content == "" {
		t.Fatalf("unexpected results: %+v", got)
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
