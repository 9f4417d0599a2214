package decision

import (
	"errors"
	"testing"
)

func TestNewClampsConfidence(t *testing.T) {
	if d := New("x", nil, 1.7, ""); d.Confidence != 1 || d.Parameters == nil {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d := New("x", nil, -0.2, ""); d.Confidence != 0 {
		t.Fatalf("unexpected confidence: %v", d.Confidence)
	}
	d := New("x", nil, 0.5, "").WithExpectedReturn(0.12)
	if d.ExpectedReturn == nil || *d.ExpectedReturn != 0.12 {
		t.Fatalf("expected return missing")
	}
}

func TestFallbackIsLowConfidence(t *testing.T) {
	d := Fallback("analyze_dao", errors.New("boom"))
	if d.Confidence > 0.2 || d.Action != "analyze_dao" {
		t.Fatalf("unexpected fallback: %+v", d)
	}
}

func TestFailedAlwaysCarriesError(t *testing.T) {
	r := Failed("  ", nil)
	if r.Success || r.Error == "" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestAccessors(t *testing.T) {
	values := map[string]any{
		"apy":    12,
		"tvl":    3.5e8,
		"name":   "uniswap",
		"nested": map[string]any{"a": 1},
		"items":  []any{map[string]any{"b": 2}, "skip"},
	}
	if v, ok := Number(values, "apy"); !ok || v != 12 {
		t.Fatalf("int not converted: %v", v)
	}
	if NumberOr(values, "missing", 7) != 7 {
		t.Fatalf("fallback not used")
	}
	if String(values, "name") != "uniswap" || String(values, "apy") != "" {
		t.Fatalf("string accessor wrong")
	}
	if Map(values, "nested")["a"] != 1 {
		t.Fatalf("map accessor wrong")
	}
	if got := Maps(values, "items"); len(got) != 1 {
		t.Fatalf("maps accessor wrong: %+v", got)
	}
}
