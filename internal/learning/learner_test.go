package learning

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"

	"MetaPilot/internal/decision"
	xerrors "MetaPilot/internal/errors"
	"MetaPilot/pkg/logger"
)

func newTestLearner(id string, opts ...Option) *Learner {
	base := []Option{WithLogger(logger.Discard()), WithRand(rand.New(rand.NewPCG(1, 2)))}
	return New(id, append(base, opts...)...)
}

func TestStateKeyIgnoresValuesAndOrder(t *testing.T) {
	a := State{"type": "defi", "parameters": map[string]any{"apy": 10, "pool": "x"}, "context": map[string]any{"user": 1}}
	b := State{"parameters": map[string]any{"pool": "y", "apy": 99}, "context": map[string]any{"user": 2}, "type": "defi"}
	if StateKey(a) != StateKey(b) {
		t.Fatalf("same shape should share a key")
	}
	c := State{"type": "defi", "parameters": map[string]any{"apy": 10}}
	if StateKey(a) == StateKey(c) {
		t.Fatalf("different parameter names should not collide")
	}
	list := State{"type": "defi", "context": []any{1, 2}}
	scalar := State{"type": "defi", "context": "note"}
	if StateKey(list) == StateKey(scalar) {
		t.Fatalf("context shapes should differ")
	}
}

func TestStateKeyFallsBackToFullState(t *testing.T) {
	a := State{"operation_id": "op-1"}
	b := State{"operation_id": "op-2"}
	if StateKey(a) == StateKey(b) {
		t.Fatalf("featureless states should hash their content")
	}
	if len(StateKey(a)) != len(StateKey(State{"type": "x"})) {
		t.Fatalf("keys should be bounded to the same length")
	}
}

func TestGetQValueMaterializesZero(t *testing.T) {
	l := newTestLearner("agent-1")
	if got := l.GetQValue(State{"type": "nft"}, "hold"); got != 0 {
		t.Fatalf("unexpected q value: %v", got)
	}
	if l.Size() != 1 {
		t.Fatalf("unseen pair should materialize, size=%d", l.Size())
	}
}

func TestUpdateUsesNextStateMax(t *testing.T) {
	l := newTestLearner("agent-1")
	s1 := State{"type": "a"}
	s2 := State{"type": "b"}
	l.UpdateQValue(s2, "x", 10, nil) // Q(s2,x)=1
	got := l.UpdateQValue(s1, "y", 0, s2)
	want := 0.1 * (0 + 0.9*1.0)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("got %v want %v", got, want)
	}
	unseen := l.UpdateQValue(State{"type": "c"}, "y", 1, State{"type": "never"})
	if math.Abs(unseen-0.1) > 1e-12 {
		t.Fatalf("unseen next state should contribute 0, got %v", unseen)
	}
}

func TestRepeatedUpdatesConvergeGeometrically(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		alpha := rapid.Float64Range(0.01, 0.99).Draw(rt, "alpha")
		reward := rapid.Float64Range(-5, 5).Draw(rt, "reward")
		q0 := rapid.Float64Range(-5, 5).Draw(rt, "q0")
		n := rapid.IntRange(1, 40).Draw(rt, "n")

		l := newTestLearner("agent-p", WithLearningRate(alpha))
		state := State{"type": "prop"}
		if err := l.Restore(Model{AgentID: "agent-p", QTable: map[string]map[string]float64{StateKey(state): {"act": q0}}}); err != nil {
			rt.Fatalf("restore: %v", err)
		}
		var q float64
		for i := 0; i < n; i++ {
			q = l.UpdateQValue(state, "act", reward, nil)
		}
		want := math.Abs(q0-reward) * math.Pow(1-alpha, float64(n))
		if diff := math.Abs(math.Abs(q-reward) - want); diff > 1e-9 {
			rt.Fatalf("|Qn-r|=%v want %v", math.Abs(q-reward), want)
		}
	})
}

func TestSelectActionExplorationRate(t *testing.T) {
	l := newTestLearner("agent-e")
	state := State{"type": "explore"}
	actions := []string{"greedy", "b", "c", "d"}
	l.UpdateQValue(state, "greedy", 5, nil)

	const draws = 10000
	const p = 0.3
	nonGreedy := 0
	for i := 0; i < draws; i++ {
		if l.SelectAction(state, actions, p) != "greedy" {
			nonGreedy++
		}
	}
	// 探索时仍有 1/len 的概率选中最优动作。
	want := p * float64(len(actions)-1) / float64(len(actions))
	got := float64(nonGreedy) / draws
	if math.Abs(got-want) > 0.02 {
		t.Fatalf("non-greedy fraction %v, want about %v", got, want)
	}
}

func TestSelectActionBreaksTiesRandomly(t *testing.T) {
	l := newTestLearner("agent-t")
	seen := map[string]int{}
	for i := 0; i < 400; i++ {
		seen[l.SelectAction(State{"type": "tie"}, []string{"a", "b"}, 0)]++
	}
	if seen["a"] == 0 || seen["b"] == 0 {
		t.Fatalf("ties should be broken randomly: %+v", seen)
	}
	if l.SelectAction(State{}, nil, 0) != "" {
		t.Fatalf("empty action set should return empty action")
	}
}

func TestTwoPhaseLearning(t *testing.T) {
	l := newTestLearner("agent-2")
	if _, ok := l.LearnFromResult(decision.Succeeded(nil), nil); ok {
		t.Fatalf("learning without a record should be a no-op")
	}
	if l.Size() != 0 {
		t.Fatalf("no-op must not touch the table")
	}

	state := State{"type": "defi"}
	l.RecordDecision(state, decision.New("execute_defi_strategy", nil, 0.8, ""))
	reward, ok := l.LearnFromResult(decision.Succeeded(map[string]any{"profit": 2}), nil)
	if !ok {
		t.Fatalf("expected learning to happen")
	}
	// 1 + 0.1(一个输出字段) + 0.2(profit)
	if math.Abs(reward-1.3) > 1e-12 {
		t.Fatalf("unexpected reward %v", reward)
	}
	if got := l.GetQValue(state, "execute_defi_strategy"); math.Abs(got-0.13) > 1e-12 {
		t.Fatalf("unexpected q value %v", got)
	}
	if l.HasPending() {
		t.Fatalf("pending pair should be cleared")
	}
	if _, ok := l.LearnFromResult(decision.Succeeded(nil), nil); ok {
		t.Fatalf("second learn should be a no-op")
	}
}

func TestRewardComponents(t *testing.T) {
	cases := []struct {
		name   string
		result decision.ExecutionResult
		want   float64
	}{
		{"bare success", decision.Succeeded(nil), 1},
		{"failure with error", decision.Failed("boom", nil), -2},
		{"rich output capped", decision.Succeeded(map[string]any{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}), 1.5},
		{"profit capped", decision.Succeeded(map[string]any{"profit": 50.0}), 1 + 0.1 + 1},
		{"savings", decision.Succeeded(map[string]any{"savings": 4}), 1 + 0.1 + 0.2},
		{"non numeric profit ignored", decision.Succeeded(map[string]any{"profit": "lots"}), 1.1},
	}
	for _, tc := range cases {
		if got := Reward(tc.result); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFeedbackRewardPrecedence(t *testing.T) {
	cases := []struct {
		feedback map[string]any
		want     float64
	}{
		{map[string]any{"reward": 0.7, "rating": 1}, 0.7},
		{map[string]any{"rating": 5}, 1},
		{map[string]any{"rating": 1.0}, -1},
		{map[string]any{"rating": 3}, 0},
		{map[string]any{"positive": false}, -1},
		{map[string]any{"positive": true}, 1},
		{map[string]any{"comments": "meh"}, 0},
		{nil, 0},
	}
	for _, tc := range cases {
		if got := FeedbackReward(tc.feedback); got != tc.want {
			t.Fatalf("feedback %+v: got %v want %v", tc.feedback, got, tc.want)
		}
	}
}

func TestSaveAndLoadModel(t *testing.T) {
	dir := t.TempDir()
	path := ModelPath(dir, "agent-m")

	src := newTestLearner("agent-m", WithLearningRate(0.3), WithDiscountFactor(0.5))
	src.UpdateQValue(State{"type": "dao"}, "vote_on_proposal", 1, nil)
	if err := src.SaveModel(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}

	dst := newTestLearner("agent-m")
	if err := dst.LoadModel(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dst.LearningRate() != 0.3 || dst.DiscountFactor() != 0.5 {
		t.Fatalf("parameters not restored: %v %v", dst.LearningRate(), dst.DiscountFactor())
	}
	if got := dst.GetQValue(State{"type": "dao"}, "vote_on_proposal"); math.Abs(got-0.3) > 1e-12 {
		t.Fatalf("unexpected q value after load: %v", got)
	}
}

func TestLoadModelFailsClosedOnMismatch(t *testing.T) {
	dir := t.TempDir()
	other := newTestLearner("other")
	other.UpdateQValue(State{"type": "x"}, "a", 1, nil)
	path := filepath.Join(dir, "other.json")
	if err := other.SaveModel(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	l := newTestLearner("mine")
	l.UpdateQValue(State{"type": "y"}, "b", 1, nil)
	before := l.Snapshot().QTable

	err := l.LoadModel(path)
	if xerrors.CodeOf(err) != CodeModelMismatch {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	after := l.Snapshot().QTable
	if len(after) != len(before) || after[StateKey(State{"type": "y"})]["b"] != before[StateKey(State{"type": "y"})]["b"] {
		t.Fatalf("table changed after failed load")
	}
}
