package mutex

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mjaeckle/go-ksync/v1/kernel"
	"github.com/mjaeckle/go-ksync/v1/metrics"
	"github.com/mjaeckle/go-ksync/v1/ticks"
)

// ErrInvalid is returned for operations on a mutex whose handle creation
// failed or that has been closed.
var ErrInvalid = errors.New("mutex: invalid handle")

// noCopy triggers `go vet -copylocks` when a wrapper is copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Lockable is the mutex surface the Guard operates on. Both Mutex and
// RecursiveMutex satisfy it.
type Lockable interface {
	Lock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
	TryLockFor(ctx context.Context, timeout ticks.Ticks) (bool, error)
	Unlock(ctx context.Context) error
}

// Mutex is a non-recursive kernel-backed mutex. It can only be taken by an
// owner once: re-taking it from the same wrapper blocks (or times out) like
// any other contender. Use RecursiveMutex when the holder must re-enter.
//
// A Mutex is used by pointer and must not be copied.
type Mutex struct {
	noCopy noCopy

	k     kernel.Kernel
	h     kernel.Handle
	owner string
	valid bool
}

// New creates a kernel lock object and returns a Mutex owning its handle.
func New(ctx context.Context, k kernel.Kernel) (*Mutex, error) {
	h, err := k.Create(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Mutex{k: k, h: h, owner: uuid.NewString(), valid: true}, nil
}

// Attach returns a Mutex contending for an existing handle, for example one
// created by a peer process on a shared kernel. The returned wrapper has
// its own owner identity. Closing an attached Mutex destroys the shared
// lock object.
func Attach(k kernel.Kernel, h kernel.Handle) *Mutex {
	return &Mutex{k: k, h: h, owner: uuid.NewString(), valid: true}
}

// IsValid reports whether the mutex has a live kernel handle.
func (m *Mutex) IsValid() bool { return m.valid }

// Handle returns the kernel handle, usable as a watch or attach key.
func (m *Mutex) Handle() kernel.Handle { return m.h }

// Close destroys the kernel handle. Closing an already closed mutex is a
// no-op. Close is not safe against concurrent use of the same instance.
func (m *Mutex) Close(ctx context.Context) error {
	if !m.valid {
		return nil
	}
	m.valid = false
	return m.k.Destroy(ctx, m.h)
}

// Lock blocks until the mutex is held. It re-issues bounded waits with the
// kernel's maximum delay until one succeeds, in case the backend does not
// implement an infinite wait. It returns an error only on context
// cancellation or kernel failure.
func (m *Mutex) Lock(ctx context.Context) error {
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
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	return m.TryLockFor(ctx, 0)
}

// TryLockFor attempts to take the mutex, blocking up to timeout ticks.
// Timeout expiry is (false, nil), not an error.
func (m *Mutex) TryLockFor(ctx context.Context, timeout ticks.Ticks) (bool, error) {
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

// Unlock releases the mutex.
func (m *Mutex) Unlock(ctx context.Context) error {
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
func (m *Mutex) IsLocked(ctx context.Context) (bool, error) {
	if !m.valid {
		return false, ErrInvalid
	}
	holder, err := m.k.Holder(ctx, m.h)
	if err != nil {
		return false, err
	}
	return holder != "", nil
}
