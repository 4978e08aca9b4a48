package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLock(client, "tick", time.Minute)
	b := NewRedisLock(client, "tick", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v; want true", ok, err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire error: %v", err)
	}
	if ok {
		t.Error("second holder must not acquire a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release error: %v", err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("acquire after release = %v, %v; want true", ok, err)
	}
}

func TestRedisLockReleaseOnlyOwnToken(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLock(client, "tick", time.Minute)
	b := NewRedisLock(client, "tick", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("setup acquire failed")
	}

	// b never held the lock; its release must be a no-op.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("foreign release error: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Error("lock should still be held by a after b's release")
	}
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := NewRedisLock(client, "tick", 5*time.Second)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("setup acquire failed")
	}

	mr.FastForward(6 * time.Second)

	b := NewRedisLock(client, "tick", 5*time.Second)
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("lock should be free after TTL expiry")
	}
}

func TestNewPicksBackend(t *testing.T) {
	client := newTestRedis(t)
	if _, ok := New(client, nil, "tick", time.Minute).(*RedisLock); !ok {
		t.Error("redis client should select the redis backend")
	}
	if _, ok := New(nil, nil, "tick", time.Minute).(*AdvisoryLock); !ok {
		t.Error("nil redis client should fall back to advisory locks")
	}
}
