package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"
)

// 需要本地 redis；不可用时跳过
func testRedisStore(t *testing.T) Store {
	t.Helper()
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()
	key := SessionKey(uuid.NewString())

	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%t err=%v", ok, err)
	}

	blob := []byte(`{"session":{"id":"x"}}`)
	if err := s.SetWithTTL(ctx, key, blob, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%t err=%v", ok, err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("blob mismatch: %s", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, key); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestRedisStoreClampsNegativeTTL(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()
	key := SessionKey(uuid.NewString())
	defer s.Delete(ctx, key)

	// 过期时间已过的会话：负 TTL 收敛为不过期，由清扫器负责驱逐
	if err := s.SetWithTTL(ctx, key, []byte("x"), -time.Minute); err != nil {
		t.Fatalf("negative ttl must not error: %v", err)
	}
	if _, ok, err := s.Get(ctx, key); err != nil || !ok {
		t.Fatalf("expected hit, got ok=%t err=%v", ok, err)
	}
}

func TestSessionKeyShape(t *testing.T) {
	if got := SessionKey("abc"); got != "sync:session:{abc}" {
		t.Fatalf("unexpected key shape: %s", got)
	}
}
