package mutex

import (
	"context"

	"github.com/google/uuid"

	"github.com/mjaeckle/go-ksync/v1/kernel"
	"github.com/mjaeckle/go-ksync/v1/metrics"
	"github.com/mjaeckle/go-ksync/v1/ticks"
)

// RecursiveMutex is a kernel-backed mutex its owner may take multiple
// times. The kernel returns it to other contenders only after the owner has
// released it the same number of times it was taken. The owner is the
// wrapper instance, not the calling goroutine.
//
// A RecursiveMutex is used by pointer and must not be copied.
type RecursiveMutex struct {
	noCopy noCopy

	k     kernel.Kernel
	h     kernel.Handle
	owner string
	valid bool
}

// NewRecursive creates a recursive kernel lock object and returns a
// RecursiveMutex owning its handle.
func NewRecursive(ctx context.Context, k kernel.Kernel) (*RecursiveMutex, error) {
	h, err := k.Create(ctx, true)
	if err != nil {
		return nil, err
	}
	return &RecursiveMutex{k: k, h: h, owner: uuid.NewString(), valid: true}, nil
}

// AttachRecursive returns a RecursiveMutex contending for an existing
// recursive handle with its own owner identity.
func AttachRecursive(k kernel.Kernel, h kernel.Handle) *RecursiveMutex {
	return &RecursiveMutex{k: k, h: h, owner: uuid.NewString(), valid: true}
}

// IsValid reports whether the mutex has a live kernel handle.
func (m *RecursiveMutex) IsValid() bool { return m.valid }

// Handle returns the kernel handle, usable as a watch or attach key.
func (m *RecursiveMutex) Handle() kernel.Handle { return m.h }

// Close destroys the kernel handle. Closing an already closed mutex is a
// no-op. Close is not safe against concurrent use of the same instance.
func (m *RecursiveMutex) Close(ctx context.Context) error {
	if !m.valid {
		return nil
	}
	m.valid = false
	return m.k.Destroy(ctx, m.h)
}

// Lock blocks until the mutex is held, re-issuing bounded waits with the
// kernel's maximum delay until one succeeds. Re-taking a held mutex from
// the owning wrapper returns immediately.
func (m *RecursiveMutex) Lock(ctx context.Context) error {
	if !m.valid {
		return ErrInvalid
	}
	for {
		ok, err := m.TryLockFor(ctx, m.k.MaxDelay())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// TryLock attempts to take the mutex without blocking.
func (m *RecursiveMutex) TryLock(ctx context.Context) (bool, error) {
	return m.TryLockFor(ctx, 0)
}

// TryLockFor attempts to take the mutex, blocking up to timeout ticks.
// Timeout expiry is (false, nil), not an error.
func (m *RecursiveMutex) TryLockFor(ctx context.Context, timeout ticks.Ticks) (bool, error) {
	if !m.valid {
		return false, ErrInvalid
	}
	ok, err := m.k.TryLock(ctx, m.h, m.owner, timeout)
	if err != nil {
		return false, err
	}
	switch {
	case ok:
		metrics.AcquireCounter.Inc()
		metrics.HeldGauge.Inc()
	case timeout == 0:
		metrics.ContentionCounter.Inc()
	default:
		metrics.TimeoutCounter.Inc()
	}
	return ok, nil
}

// Unlock releases one recursion level.
func (m *RecursiveMutex) Unlock(ctx context.Context) error {
	if !m.valid {
		return ErrInvalid
	}
	if err := m.k.Unlock(ctx, m.h, m.owner); err != nil {
		return err
	}
	metrics.ReleaseCounter.Inc()
	metrics.HeldGauge.Dec()
	return nil
}

// IsLocked reports whether any owner currently holds the mutex.
func (m *RecursiveMutex) IsLocked(ctx context.Context) (bool, error) {
	if !m.valid {
		return false, ErrInvalid
	}
	holder, err := m.k.Holder(ctx, m.h)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

var (
	_ Lockable = (*Mutex)(nil)
	_ Lockable = (*RecursiveMutex)(nil)
)
