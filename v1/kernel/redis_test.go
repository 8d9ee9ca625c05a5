package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mjaeckle/go-ksync/v1/ticks"
)

func newRedisKernel(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	k := NewRedis(client, nil, opts...)
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return k, mr, context.Background()
}

func TestRedisTryLockUnlock(t *testing.T) {
	k, _, ctx := newRedisKernel(t)

	h, err := k.Create(ctx, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := k.TryLock(ctx, h, "a", 0)
	if err != nil || !ok {
		t.Fatalf("trylock: ok %v err %v", ok, err)
	}
	if ok, err := k.TryLock(ctx, h, "b", 0); err != nil || ok {
		t.Fatalf("expected lock held, ok %v err %v", ok, err)
	}
	if err := k.Unlock(ctx, h, "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, err := k.TryLock(ctx, h, "b", 0); err != nil || !ok {
		t.Fatalf("expected re-acquire, ok %v err %v", ok, err)
	}
}

func TestRedisUnlockTokenSafety(t *testing.T) {
	k, _, ctx := newRedisKernel(t)
	h, _ := k.Create(ctx, false)

	_, _ = k.TryLock(ctx, h, "a", 0)
	if err := k.Unlock(ctx, h, "b"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("unlock with wrong token: %v, want ErrNotHeld", err)
	}
	// The holder's token still releases.
	if err := k.Unlock(ctx, h, "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestRedisRecursiveCounting(t *testing.T) {
	k, _, ctx := newRedisKernel(t)
	h, _ := k.Create(ctx, true)

	for i := 0; i < 3; i++ {
		if ok, err := k.TryLock(ctx, h, "a", 0); err != nil || !ok {
			t.Fatalf("lock %d: ok %v err %v", i, ok, err)
		}
	}
	if ok, _ := k.TryLock(ctx, h, "b", 0); ok {
		t.Fatal("b acquired a held recursive lock")
	}
	for i := 0; i < 2; i++ {
		if err := k.Unlock(ctx, h, "a"); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
		if ok, _ := k.TryLock(ctx, h, "b", 0); ok {
			t.Fatalf("b acquired after %d of 3 unlocks", i+1)
		}
	}
	if err := k.Unlock(ctx, h, "a"); err != nil {
		t.Fatalf("final unlock: %v", err)
	}
	if ok, err := k.TryLock(ctx, h, "b", 0); err != nil || !ok {
		t.Fatalf("b should acquire after full release, ok %v err %v", ok, err)
	}

	if err := k.Unlock(ctx, h, "a"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("unlock by past holder: %v, want ErrNotHeld", err)
	}
}

func TestRedisHolder(t *testing.T) {
	k, _, ctx := newRedisKernel(t)

	for _, recursive := range []bool{false, true} {
		h, _ := k.Create(ctx, recursive)
		if owner, err := k.Holder(ctx, h); err != nil || owner != "" {
			t.Fatalf("recursive=%v free holder = %q err %v", recursive, owner, err)
		}
		_, _ = k.TryLock(ctx, h, "a", 0)
		if owner, err := k.Holder(ctx, h); err != nil || owner != "a" {
			t.Fatalf("recursive=%v holder = %q err %v", recursive, owner, err)
		}
	}
}

func TestRedisBlockedWaiterWokenByUnlock(t *testing.T) {
	k, _, ctx := newRedisKernel(t)
	h, _ := k.Create(ctx, false)
	_, _ = k.TryLock(ctx, h, "a", 0)

	acquired := make(chan struct{})
	go func() {
		ok, err := k.TryLock(ctx, h, "b", k.MaxDelay())
		if err != nil || !ok {
			t.Errorf("blocking trylock: ok %v err %v", ok, err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while still held")
	case <-time.After(20 * time.Millisecond):
	}
	if err := k.Unlock(ctx, h, "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by unlock")
	}
}

func TestRedisTimeoutExpiry(t *testing.T) {
	k, _, ctx := newRedisKernel(t)
	h, _ := k.Create(ctx, false)
	_, _ = k.TryLock(ctx, h, "a", 0)

	start := time.Now()
	ok, err := k.TryLock(ctx, h, "b", 10)
	if err != nil || ok {
		t.Fatalf("bounded trylock on held lock: ok %v err %v", ok, err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}
}

func TestRedisTTLFreesAbandonedLock(t *testing.T) {
	k, mr, ctx := newRedisKernel(t, WithTTL(50*time.Millisecond))
	h, _ := k.Create(ctx, false)

	if ok, _ := k.TryLock(ctx, h, "a", 0); !ok {
		t.Fatal("trylock failed")
	}
	mr.FastForward(100 * time.Millisecond)
	if ok, err := k.TryLock(ctx, h, "b", 0); err != nil || !ok {
		t.Fatalf("lock should have expired, ok %v err %v", ok, err)
	}
}

func TestRedisAttachSharesLock(t *testing.T) {
	k1, mr, ctx := newRedisKernel(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	k2 := NewRedis(client, nil)

	h, _ := k1.Create(ctx, false)
	k2.Attach(h, false)

	if ok, _ := k1.TryLock(ctx, h, "a", 0); !ok {
		t.Fatal("k1 trylock failed")
	}
	if ok, err := k2.TryLock(ctx, h, "b", 0); err != nil || ok {
		t.Fatalf("k2 should see the lock held, ok %v err %v", ok, err)
	}
	if err := k1.Unlock(ctx, h, "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, err := k2.TryLock(ctx, h, "b", 0); err != nil || !ok {
		t.Fatalf("k2 should acquire, ok %v err %v", ok, err)
	}
}

func TestRedisUnknownHandle(t *testing.T) {
	k, _, ctx := newRedisKernel(t)
	if _, err := k.TryLock(ctx, "nope", "a", 0); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("trylock: %v, want ErrUnknownHandle", err)
	}
	if err := k.Destroy(ctx, "nope"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("destroy: %v, want ErrUnknownHandle", err)
	}
}

func TestRedisMaxDelaySentinel(t *testing.T) {
	k, _, _ := newRedisKernel(t)
	if k.MaxDelay() != ticks.MaxDelay {
		t.Fatalf("MaxDelay = %d", k.MaxDelay())
	}
}
