package memory

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func vectorOf(n int) *rapid.Generator[[]float32] {
	return rapid.SliceOfN(rapid.Float32Range(-100, 100), n, n)
}

func TestCosineSimilarityProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(rt, "n")
		a := vectorOf(n).Draw(rt, "a")
		b := vectorOf(n).Draw(rt, "b")

		ab := CosineSimilarity(a, b)
		if ab != CosineSimilarity(b, a) {
			rt.Fatalf("similarity not symmetric")
		}
		if ab < -1 || ab > 1 {
			rt.Fatalf("similarity out of range: %v", ab)
		}

		nonZero := false
		for _, v := range a {
			if v != 0 {
				nonZero = true
				break
			}
		}
		if nonZero && math.Abs(CosineSimilarity(a, a)-1) > 1e-9 {
			rt.Fatalf("self similarity should be 1, got %v", CosineSimilarity(a, a))
		}
	})
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 2}); got != 0 {
		t.Fatalf("zero vector should give 0, got %v", got)
	}
	if got := CosineSimilarity([]float32{1}, []float32{1, 2}); got != 0 {
		t.Fatalf("dimension mismatch should give 0, got %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); got != -1 {
		t.Fatalf("opposite vectors should give -1, got %v", got)
	}
}
