package kernel

import (
	"context"
	"sync"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mjaeckle/go-ksync/v1/bus"
	"github.com/mjaeckle/go-ksync/v1/ticks"
)

type slot struct {
	sem       *semaphore.Weighted
	recursive bool

	mu     sync.Mutex
	holder string
	count  int
}

// Local is an in-process Kernel. Each lock object is a weight-1 semaphore
// plus holder bookkeeping; blocking and timeout countdown are delegated to
// the semaphore. Lock and unlock events are published on a bus so watchers
// and cross-kernel waiters can observe them.
type Local struct {
	rate ticks.Rate
	bus  bus.Bus

	mu    sync.Mutex
	slots map[Handle]*slot
}

// LocalOption configures a Local kernel.
type LocalOption func(*Local)

// WithLocalRate sets the tick rate used to convert timeouts to wall time.
func WithLocalRate(r ticks.Rate) LocalOption {
	return func(k *Local) { k.rate = r }
}

// NewLocal returns a new in-process kernel publishing events on b. A nil
// bus gets a private in-memory one.
func NewLocal(b bus.Bus, opts ...LocalOption) *Local {
	if b == nil {
		b = bus.NewInMemory()
	}
	k := &Local{
		rate:  ticks.DefaultRate,
		bus:   b,
		slots: make(map[Handle]*slot),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Bus returns the bus this kernel publishes events on.
func (k *Local) Bus() bus.Bus { return k.bus }

// Create implements Kernel.Create.
func (k *Local) Create(ctx context.Context, recursive bool) (Handle, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	h := Handle(id)
	k.mu.Lock()
	k.slots[h] = &slot{sem: semaphore.NewWeighted(1), recursive: recursive}
	k.mu.Unlock()
	return h, nil
}

// Destroy implements Kernel.Destroy. Destroying a lock that still has
// blocked waiters leaves those waiters blocked, as with native kernels;
// callers must not destroy a contended lock.
func (k *Local) Destroy(ctx context.Context, h Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.slots[h]; !ok {
		return ErrUnknownHandle
	}
	delete(k.slots, h)
	return nil
}

func (k *Local) slot(h Handle) (*slot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return s, nil
}

// TryLock implements Kernel.TryLock.
func (k *Local) TryLock(ctx context.Context, h Handle, owner string, timeout ticks.Ticks) (bool, error) {
	s, err := k.slot(h)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.recursive && owner != "" && s.holder == owner {
		s.count++
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	// A non-recursive lock treats its holder like any other contender, so a
	// holder re-taking it times out (or blocks forever), matching native
	// mutex semantics.
	switch {
	case timeout == 0:
		if !s.sem.TryAcquire(1) {
			return false, nil
		}
	case timeout == ticks.MaxDelay:
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return false, err
		}
	default:
		wctx, cancel := context.WithTimeout(ctx, k.rate.Duration(timeout))
		err := s.sem.Acquire(wctx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
	}

	s.mu.Lock()
	s.holder = owner
	s.count = 1
	s.mu.Unlock()
	_ = k.bus.Publish(ctx, LockEvent(h))
	return true, nil
}

// Unlock implements Kernel.Unlock.
func (k *Local) Unlock(ctx context.Context, h Handle, owner string) error {
	s, err := k.slot(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if owner == "" || s.holder != owner {
		s.mu.Unlock()
		return ErrNotHeld
	}
	s.count--
	released := s.count == 0
	if released {
		s.holder = ""
	}
	s.mu.Unlock()
	if released {
		s.sem.Release(1)
		_ = k.bus.Publish(ctx, UnlockEvent(h))
	}
	return nil
}

// Holder implements Kernel.Holder.
func (k *Local) Holder(ctx context.Context, h Handle) (string, error) {
	s, err := k.slot(h)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder, nil
}

// MaxDelay implements Kernel.MaxDelay.
func (k *Local) MaxDelay() ticks.Ticks { return ticks.MaxDelay }
