package session

import (
	"errors"
	"reflect"
	"testing"
)

func TestChecksumDependsOnlyOnPayload(t *testing.T) {
	a := map[string]any{"score": float64(10), "tags": []any{"x"}}
	b := map[string]any{"tags": []any{"x"}, "score": float64(10)}
	if Checksum(a) != Checksum(b) {
		t.Fatalf("identical payloads must hash identically")
	}

	c := map[string]any{"score": float64(11), "tags": []any{"x"}}
	if Checksum(a) == Checksum(c) {
		t.Fatalf("different payloads must not collide trivially")
	}
}

func TestSetPathCreatesIntermediateObjects(t *testing.T) {
	payload := map[string]any{}
	if err := setPath(payload, "player.stats.hp", float64(100)); err != nil {
		t.Fatalf("setPath error: %v", err)
	}
	v, ok := getPath(payload, "player.stats.hp")
	if !ok || v != float64(100) {
		t.Fatalf("expected 100 at player.stats.hp, got %v (ok=%t)", v, ok)
	}
}

func TestSetPathRejectsScalarIntermediate(t *testing.T) {
	payload := map[string]any{"player": "not an object"}
	err := setPath(payload, "player.hp", float64(1))
	if !errors.Is(err, ErrBadField) {
		t.Fatalf("expected ErrBadField, got %v", err)
	}
}

func TestGetPathMissing(t *testing.T) {
	payload := map[string]any{"a": map[string]any{"b": float64(1)}}
	if _, ok := getPath(payload, "a.c"); ok {
		t.Fatalf("expected miss for a.c")
	}
	if _, ok := getPath(payload, "a.b.c"); ok {
		t.Fatalf("expected miss when walking through a scalar")
	}
}

func TestClonePayloadDetaches(t *testing.T) {
	orig := map[string]any{
		"nested": map[string]any{"v": float64(1)},
		"list":   []any{"a"},
	}
	clone := clonePayload(orig)
	clone["nested"].(map[string]any)["v"] = float64(2)
	clone["list"] = append(clone["list"].([]any), "b")

	if orig["nested"].(map[string]any)["v"] != float64(1) {
		t.Fatalf("clone mutation leaked into original map")
	}
	if !reflect.DeepEqual(orig["list"], []any{"a"}) {
		t.Fatalf("clone mutation leaked into original list")
	}
}
