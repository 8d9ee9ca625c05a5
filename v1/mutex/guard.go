package mutex

import (
	"context"

	"github.com/mjaeckle/go-ksync/v1/ticks"
)

// Guard holds a mutex for the duration of a scope. Construct it with one of
// the NewGuard variants and release with `defer g.Close()`; Close releases
// at most once and a guard that never acquired performs no release call.
//
// A guard tracks at most one outstanding lock: locking while it already
// owns the mutex is a no-op, so a guard never stacks acquisitions even on a
// RecursiveMutex. A Guard is not safe for concurrent use.
type Guard struct {
	noCopy noCopy

	m    Lockable
	owns bool
}

// NewGuard locks m and returns a guard owning it. It does not return
// before the mutex is held; on error no lock is held and no guard is
// returned.
func NewGuard(ctx context.Context, m Lockable) (*Guard, error) {
	g := &Guard{m: m}
	if err := g.Lock(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// NewDeferredGuard returns a guard holding m without locking it. Lock,
// TryLock or TryLockFor acquire it later.
func NewDeferredGuard(m Lockable) *Guard {
	return &Guard{m: m}
}

// NewTryGuard attempts to lock m without blocking and returns the guard
// either way; check OwnsLock for the outcome.
func NewTryGuard(ctx context.Context, m Lockable) (*Guard, error) {
	g := &Guard{m: m}
	if _, err := g.TryLock(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// NewTimedGuard attempts to lock m, blocking up to timeout ticks, and
// returns the guard either way; check OwnsLock for the outcome.
func NewTimedGuard(ctx context.Context, m Lockable, timeout ticks.Ticks) (*Guard, error) {
	g := &Guard{m: m}
	if _, err := g.TryLockFor(ctx, timeout); err != nil {
		return nil, err
	}
	return g, nil
}

// Lock blocks until the guard owns the mutex. A no-op when it already does.
func (g *Guard) Lock(ctx context.Context) error {
	if g.owns {
		return nil
	}
	if err := g.m.Lock(ctx); err != nil {
		return err
	}
	g.owns = true
	return nil
}

// TryLock attempts to take the mutex without blocking and reports whether
// the guard owns it afterwards.
func (g *Guard) TryLock(ctx context.Context) (bool, error) {
	if g.owns {
		return true, nil
	}
	ok, err := g.m.TryLock(ctx)
	if err != nil {
		return false, err
	}
	g.owns = ok
	return ok, nil
}

// TryLockFor attempts to take the mutex, blocking up to timeout ticks, and
// reports whether the guard owns it afterwards.
func (g *Guard) TryLockFor(ctx context.Context, timeout ticks.Ticks) (bool, error) {
	if g.owns {
		return true, nil
	}
	ok, err := g.m.TryLockFor(ctx, timeout)
	if err != nil {
		return false, err
	}
	g.owns = ok
	return ok, nil
}

// Unlock releases the mutex if the guard owns it; otherwise it is a no-op.
func (g *Guard) Unlock(ctx context.Context) error {
	if !g.owns {
		return nil
	}
	g.owns = false
	return g.m.Unlock(ctx)
}

// OwnsLock reports whether the guard currently owns the mutex.
func (g *Guard) OwnsLock() bool { return g.owns }

// Close releases the mutex if owned. It exists so a guard can be bound to
// a scope with defer.
func (g *Guard) Close() error {
	return g.Unlock(context.Background())
}
