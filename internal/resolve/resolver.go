package resolve

import (
	"errors"
	"reflect"
	"time"
)

// 解决并发写冲突的纯函数层：没有 I/O，给定相同的候选值和时间戳，结果必须一致。

type Strategy string

const (
	StrategyLatestWins       Strategy = "latest-wins"
	StrategyPlatformPriority Strategy = "platform-priority"
	StrategyMerge            Strategy = "merge"
	StrategyUserChoice       Strategy = "user-choice"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyLatestWins, StrategyPlatformPriority, StrategyMerge, StrategyUserChoice:
		return true
	}
	return false
}

// FieldPolicy selects how a merge combines two values. It is always chosen
// explicitly in config, never inferred from the value shapes.
type FieldPolicy string

const (
	PolicyNone         FieldPolicy = ""
	PolicySum          FieldPolicy = "sum"
	PolicyMax          FieldPolicy = "max"
	PolicyUnion        FieldPolicy = "union"
	PolicyShallowMerge FieldPolicy = "shallow-merge"
)

var ErrUnsupported = errors.New("CONFLICT_RESOLUTION_FAILED")

// Candidate is one side of a conflicting pair. AppliedAt comes from the
// change record, not from the clock at resolution time.
type Candidate struct {
	Value     any
	Platform  string
	AppliedAt time.Time
}

// Outcome carries the winning value, or marks the pair as deferred for
// out-of-band adjudication (user-choice).
type Outcome struct {
	Value    any
	Deferred bool
}

type Resolver struct {
	// 平台优先级，下标越小优先级越高
	platformOrder []string
}

func New(platformOrder []string) *Resolver {
	return &Resolver{platformOrder: platformOrder}
}

// Resolve picks a winner between the currently applied value (old) and the
// incoming write (new). It is only ever called with a conflicting pair.
func (r *Resolver) Resolve(old, incoming Candidate, strategy Strategy, policy FieldPolicy) (Outcome, error) {
	switch strategy {
	case StrategyLatestWins:
		return Outcome{Value: latestWins(old, incoming)}, nil
	case StrategyPlatformPriority:
		return Outcome{Value: r.platformPriority(old, incoming)}, nil
	case StrategyMerge:
		v, err := merge(old.Value, incoming.Value, policy)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Value: v}, nil
	case StrategyUserChoice:
		// 旧值保持权威，冲突对交给业务层裁决
		return Outcome{Value: old.Value, Deferred: true}, nil
	default:
		return Outcome{}, ErrUnsupported
	}
}

func latestWins(old, incoming Candidate) any {
	if incoming.AppliedAt.Before(old.AppliedAt) {
		return old.Value
	}
	return incoming.Value
}

func (r *Resolver) platformPriority(old, incoming Candidate) any {
	oldRank := r.rank(old.Platform)
	newRank := r.rank(incoming.Platform)
	switch {
	case newRank < oldRank:
		return incoming.Value
	case oldRank < newRank:
		return old.Value
	default:
		return latestWins(old, incoming)
	}
}

// rank: smaller is higher priority; unknown platforms rank below all listed.
func (r *Resolver) rank(platform string) int {
	for i, p := range r.platformOrder {
		if p == platform {
			return i
		}
	}
	return len(r.platformOrder)
}

func merge(old, incoming any, policy FieldPolicy) (any, error) {
	switch policy {
	case PolicySum:
		a, aok := toFloat(old)
		b, bok := toFloat(incoming)
		if !aok || !bok {
			return nil, ErrUnsupported
		}
		return a + b, nil
	case PolicyMax:
		a, aok := toFloat(old)
		b, bok := toFloat(incoming)
		if !aok || !bok {
			return nil, ErrUnsupported
		}
		if a > b {
			return a, nil
		}
		return b, nil
	case PolicyUnion:
		a, aok := old.([]any)
		b, bok := incoming.([]any)
		if !aok || !bok {
			return nil, ErrUnsupported
		}
		return union(a, b), nil
	case PolicyShallowMerge:
		a, aok := old.(map[string]any)
		b, bok := incoming.(map[string]any)
		if !aok || !bok {
			return nil, ErrUnsupported
		}
		out := make(map[string]any, len(a)+len(b))
		for k, v := range a {
			out[k] = v
		}
		for k, v := range b {
			out[k] = v
		}
		return out, nil
	default:
		// merge 策略必须显式配置 policy
		return nil, ErrUnsupported
	}
}

// union keeps the old slice's order and appends incoming elements that are not
// already present by value equality.
func union(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	for _, v := range b {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
