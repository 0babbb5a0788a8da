package quota

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"
)

const redisAddrEnv = "GEONOTES_TEST_REDIS_ADDR"

func newTestRedisStore(t *testing.T) *RedisCounterStore {
	t.Helper()
	addr := os.Getenv(redisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", redisAddrEnv)
	}
	client := OpenRedis(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	prefix := fmt.Sprintf("geonotes:test:%d:", time.Now().UnixNano())
	store, err := NewRedisCounterStore(client, prefix)
	if err != nil {
		t.Fatalf("failed to construct redis store: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
	})
	return store
}

func TestRedisCounterStoreAdmitsAndClamps(t *testing.T) {
	store := newTestRedisStore(t)
	enforcer := mustEnforcer(t, store, 1)
	ctx := context.Background()

	first, err := enforcer.TryAdmitPrivate(ctx, "u1")
	if err != nil || !first.Admitted {
		t.Fatalf("expected first admission: %+v %v", first, err)
	}
	second, err := enforcer.TryAdmitPrivate(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected admission error: %v", err)
	}
	if second.Admitted {
		t.Fatalf("expected second admission to be denied")
	}

	if _, clamped, err := store.Decrement(ctx, "u1"); err != nil || clamped {
		t.Fatalf("expected regular decrement, clamped=%v err=%v", clamped, err)
	}
	if _, clamped, err := store.Decrement(ctx, "u1"); err != nil || !clamped {
		t.Fatalf("expected clamped decrement, clamped=%v err=%v", clamped, err)
	}
	count, err := store.Count(ctx, "u1")
	if err != nil || count != 0 {
		t.Fatalf("expected zero count, got %d %v", count, err)
	}
}

func TestRedisCounterStoreReset(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Reset(ctx, "u1", 4); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	count, err := store.Count(ctx, "u1")
	if err != nil || count != 4 {
		t.Fatalf("expected count 4, got %d %v", count, err)
	}
	if err := store.Reset(ctx, "u1", -3); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	if count, _ := store.Count(ctx, "u1"); count != 0 {
		t.Fatalf("negative reset must clamp to zero, got %d", count)
	}
}

func TestNewRedisCounterStoreRequiresClient(t *testing.T) {
	if _, err := NewRedisCounterStore(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisCounterStoreListsOwners(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	for _, owner := range []string{"u1", "u2"} {
		if err := store.Reset(ctx, owner, 1); err != nil {
			t.Fatalf("unexpected reset error: %v", err)
		}
	}
	owners, err := store.Owners(ctx)
	if err != nil {
		t.Fatalf("unexpected owners error: %v", err)
	}
	sort.Strings(owners)
	if len(owners) != 2 || owners[0] != "u1" || owners[1] != "u2" {
		t.Fatalf("unexpected owners %v", owners)
	}
}
