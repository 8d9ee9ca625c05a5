package mutex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mjaeckle/go-ksync/v1/kernel"
)

func newMutex(t *testing.T) (*Mutex, kernel.Kernel, context.Context) {
	t.Helper()
	k := kernel.NewLocal(nil)
	ctx := context.Background()
	m, err := New(ctx, k)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, k, ctx
}

func TestMutexLockUnlock(t *testing.T) {
	m, _, ctx := newMutex(t)

	if !m.IsValid() {
		t.Fatal("fresh mutex should be valid")
	}
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if locked, err := m.IsLocked(ctx); err != nil || !locked {
		t.Fatalf("IsLocked = %v err %v, want true", locked, err)
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if locked, err := m.IsLocked(ctx); err != nil || locked {
		t.Fatalf("IsLocked = %v err %v, want false", locked, err)
	}
}

func TestMutexTryLockZeroEqualsTryLock(t *testing.T) {
	m, _, ctx := newMutex(t)

	ok, err := m.TryLockFor(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("TryLockFor(0) on free mutex: ok %v err %v", ok, err)
	}
	// Held now: both forms must report false without blocking.
	other := Attach(m.k, m.Handle())
	start := time.Now()
	if ok, err := other.TryLock(ctx); err != nil || ok {
		t.Fatalf("TryLock on held mutex: ok %v err %v", ok, err)
	}
	if ok, err := other.TryLockFor(ctx, 0); err != nil || ok {
		t.Fatalf("TryLockFor(0) on held mutex: ok %v err %v", ok, err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("non-blocking attempts blocked")
	}
}

func TestMutexContention(t *testing.T) {
	m, k, ctx := newMutex(t)
	other := Attach(k, m.Handle())

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		if err := other.Lock(ctx); err != nil {
			t.Errorf("other lock: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second owner acquired a held mutex")
	case <-time.After(20 * time.Millisecond):
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	if err := other.Unlock(ctx); err != nil {
		t.Fatalf("other unlock: %v", err)
	}
}

func TestMutexNonRecursiveSelfRetryFails(t *testing.T) {
	m, _, ctx := newMutex(t)

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ok, err := m.TryLock(ctx); err != nil || ok {
		t.Fatalf("second TryLock by holder: ok %v err %v, want false", ok, err)
	}
	if ok, err := m.TryLockFor(ctx, 10); err != nil || ok {
		t.Fatalf("bounded self retry: ok %v err %v, want timeout", ok, err)
	}
}

func TestMutexUnlockWhenNotHolder(t *testing.T) {
	m, k, ctx := newMutex(t)
	other := Attach(k, m.Handle())

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := other.Unlock(ctx); !errors.Is(err, kernel.ErrNotHeld) {
		t.Fatalf("unlock by non-holder: %v, want ErrNotHeld", err)
	}
}

func TestMutexClose(t *testing.T) {
	k := kernel.NewLocal(nil)
	ctx := context.Background()
	m, err := New(ctx, k)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.IsValid() {
		t.Fatal("closed mutex should be invalid")
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if err := m.Lock(ctx); !errors.Is(err, ErrInvalid) {
		t.Fatalf("lock after close: %v, want ErrInvalid", err)
	}
	if _, err := m.TryLock(ctx); !errors.Is(err, ErrInvalid) {
		t.Fatalf("trylock after close: %v, want ErrInvalid", err)
	}
	if err := m.Unlock(ctx); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unlock after close: %v, want ErrInvalid", err)
	}
	if _, err := m.IsLocked(ctx); !errors.Is(err, ErrInvalid) {
		t.Fatalf("islocked after close: %v, want ErrInvalid", err)
	}
}

func TestMutexLockCancellation(t *testing.T) {
	m, k, ctx := newMutex(t)
	other := Attach(k, m.Handle())

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := other.Lock(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("lock on cancelled ctx: %v, want DeadlineExceeded", err)
	}
}
