package resolve

import (
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"
)

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(2 * time.Second)
)

func TestLatestWins(t *testing.T) {
	r := New(nil)

	out, err := r.Resolve(
		Candidate{Value: "old", AppliedAt: t0},
		Candidate{Value: "new", AppliedAt: t1},
		StrategyLatestWins, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if out.Value != "new" {
		t.Fatalf("expected new, got %v", out.Value)
	}

	// 到达顺序不影响结果：旧值时间戳更新时保旧值
	out, err = r.Resolve(
		Candidate{Value: "old", AppliedAt: t1},
		Candidate{Value: "new", AppliedAt: t0},
		StrategyLatestWins, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if out.Value != "old" {
		t.Fatalf("expected old, got %v", out.Value)
	}
}

func TestPlatformPriorityWebBeatsDiscord(t *testing.T) {
	r := New([]string{"web", "discord"})

	// discord 先写 3，web 后写 5 → web 赢
	out, err := r.Resolve(
		Candidate{Value: float64(3), Platform: "discord", AppliedAt: t0},
		Candidate{Value: float64(5), Platform: "web", AppliedAt: t1},
		StrategyPlatformPriority, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if out.Value != float64(5) {
		t.Fatalf("expected 5, got %v", out.Value)
	}

	// 顺序反过来：web 先写 5，discord 后写 3 → 仍然是 5
	out, err = r.Resolve(
		Candidate{Value: float64(5), Platform: "web", AppliedAt: t0},
		Candidate{Value: float64(3), Platform: "discord", AppliedAt: t1},
		StrategyPlatformPriority, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if out.Value != float64(5) {
		t.Fatalf("expected 5 regardless of arrival order, got %v", out.Value)
	}
}

func TestPlatformPriorityTieFallsBackToLatest(t *testing.T) {
	r := New([]string{"web", "discord"})
	out, err := r.Resolve(
		Candidate{Value: "a", Platform: "web", AppliedAt: t0},
		Candidate{Value: "b", Platform: "web", AppliedAt: t1},
		StrategyPlatformPriority, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if out.Value != "b" {
		t.Fatalf("expected latest value b, got %v", out.Value)
	}
}

func TestPlatformPriorityUnknownPlatformRanksLast(t *testing.T) {
	r := New([]string{"web"})
	out, err := r.Resolve(
		Candidate{Value: "listed", Platform: "web", AppliedAt: t0},
		Candidate{Value: "unlisted", Platform: "kiosk", AppliedAt: t1},
		StrategyPlatformPriority, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if out.Value != "listed" {
		t.Fatalf("expected listed platform to win, got %v", out.Value)
	}
}

func TestMergeUnion(t *testing.T) {
	r := New(nil)
	out, err := r.Resolve(
		Candidate{Value: []any{"a", "b"}, AppliedAt: t0},
		Candidate{Value: []any{"b", "c"}, AppliedAt: t1},
		StrategyMerge, PolicyUnion)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	got := out.Value.([]any)
	strs := make([]string, len(got))
	for i, v := range got {
		strs[i] = v.(string)
	}
	sort.Strings(strs)
	if !reflect.DeepEqual(strs, []string{"a", "b", "c"}) {
		t.Fatalf("expected set {a,b,c}, got %v", strs)
	}
}

func TestMergeSumAndMax(t *testing.T) {
	r := New(nil)

	out, err := r.Resolve(
		Candidate{Value: float64(3), AppliedAt: t0},
		Candidate{Value: float64(4), AppliedAt: t1},
		StrategyMerge, PolicySum)
	if err != nil {
		t.Fatalf("sum error: %v", err)
	}
	if out.Value != float64(7) {
		t.Fatalf("expected 7, got %v", out.Value)
	}

	out, err = r.Resolve(
		Candidate{Value: float64(9), AppliedAt: t0},
		Candidate{Value: float64(4), AppliedAt: t1},
		StrategyMerge, PolicyMax)
	if err != nil {
		t.Fatalf("max error: %v", err)
	}
	if out.Value != float64(9) {
		t.Fatalf("expected 9, got %v", out.Value)
	}
}

func TestMergeShallowObject(t *testing.T) {
	r := New(nil)
	out, err := r.Resolve(
		Candidate{Value: map[string]any{"a": 1, "b": 1}, AppliedAt: t0},
		Candidate{Value: map[string]any{"b": 2, "c": 2}, AppliedAt: t1},
		StrategyMerge, PolicyShallowMerge)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	want := map[string]any{"a": 1, "b": 2, "c": 2}
	if !reflect.DeepEqual(out.Value, want) {
		t.Fatalf("expected %v, got %v", want, out.Value)
	}
}

func TestMergeRequiresExplicitPolicy(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve(
		Candidate{Value: float64(1), AppliedAt: t0},
		Candidate{Value: float64(2), AppliedAt: t1},
		StrategyMerge, PolicyNone)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestMergePolicyTypeMismatch(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve(
		Candidate{Value: "not a number", AppliedAt: t0},
		Candidate{Value: float64(2), AppliedAt: t1},
		StrategyMerge, PolicySum)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	_, err = r.Resolve(
		Candidate{Value: []any{"a"}, AppliedAt: t0},
		Candidate{Value: "not a list", AppliedAt: t1},
		StrategyMerge, PolicyUnion)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestUserChoiceDefersAndKeepsOld(t *testing.T) {
	r := New(nil)
	out, err := r.Resolve(
		Candidate{Value: "old", AppliedAt: t0},
		Candidate{Value: "new", AppliedAt: t1},
		StrategyUserChoice, PolicyNone)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if !out.Deferred {
		t.Fatalf("expected deferred outcome")
	}
	if out.Value != "old" {
		t.Fatalf("old value must stay authoritative, got %v", out.Value)
	}
}

func TestUnknownStrategy(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve(Candidate{}, Candidate{}, Strategy("chaos"), PolicyNone)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestResolutionIsDeterministic(t *testing.T) {
	r := New([]string{"web", "discord"})
	old := Candidate{Value: []any{"x", "y"}, Platform: "discord", AppliedAt: t0}
	incoming := Candidate{Value: []any{"y", "z"}, Platform: "web", AppliedAt: t1}
	for _, tc := range []struct {
		strategy Strategy
		policy   FieldPolicy
	}{
		{StrategyLatestWins, PolicyNone},
		{StrategyPlatformPriority, PolicyNone},
		{StrategyMerge, PolicyUnion},
	} {
		first, err := r.Resolve(old, incoming, tc.strategy, tc.policy)
		if err != nil {
			t.Fatalf("%s: %v", tc.strategy, err)
		}
		second, err := r.Resolve(old, incoming, tc.strategy, tc.policy)
		if err != nil {
			t.Fatalf("%s: %v", tc.strategy, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("%s: outcomes differ between runs: %v vs %v", tc.strategy, first, second)
		}
	}
}
