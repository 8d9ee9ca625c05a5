// Package kernel defines the lock primitive surface the mutex wrappers
// delegate to, together with a process-local and a Redis-backed
// implementation. A kernel owns the hard parts of mutual exclusion:
// blocking and waking waiters, timeout countdown, holder tracking and
// recursion accounting. Wrappers built on top of it only pair create with
// destroy and lock with unlock.
package kernel

import (
	"context"
	"errors"

	"github.com/mjaeckle/go-ksync/v1/ticks"
)

// Handle identifies one kernel lock object. Handles are opaque to callers;
// the zero value is never a valid handle.
type Handle string

var (
	// ErrUnknownHandle is returned for operations on a handle the kernel
	// did not create or has already destroyed.
	ErrUnknownHandle = errors.New("kernel: unknown handle")
	// ErrNotHeld is returned when unlocking a lock the owner does not hold.
	ErrNotHeld = errors.New("kernel: lock not held by owner")
)

// Kernel is the set of primitives a lock backend must provide.
//
// Owners are opaque non-empty tokens; a kernel compares them only for
// equality.
// Recursion is an attribute of the lock object fixed at Create time: a
// recursive lock may be re-taken by its holder and tracks a matching
// release count, a non-recursive one treats its holder like any other
// contender.
type Kernel interface {
	// Create allocates a new lock object and returns its handle.
	Create(ctx context.Context, recursive bool) (Handle, error)
	// Destroy releases the lock object. Destroying a lock that still has
	// blocked waiters is undefined, as with native kernel semaphores.
	Destroy(ctx context.Context, h Handle) error
	// TryLock attempts to take the lock for owner, blocking up to timeout
	// ticks. A timeout of 0 never blocks; ticks.MaxDelay blocks until the
	// lock is taken or ctx is cancelled. Timeout expiry is (false, nil);
	// an error is returned only for cancellation or backend failure.
	TryLock(ctx context.Context, h Handle, owner string, timeout ticks.Ticks) (bool, error)
	// Unlock releases one level of the lock held by owner. Releasing the
	// outermost level wakes a waiter, if any.
	Unlock(ctx context.Context, h Handle, owner string) error
	// Holder returns the owner token currently holding the lock, or the
	// empty string when it is free.
	Holder(ctx context.Context, h Handle) (string, error)
	// MaxDelay returns the kernel's wait-forever sentinel.
	MaxDelay() ticks.Ticks
}

// UnlockEvent is the bus key on which a kernel announces that h became
// available. Waiters subscribe to it instead of polling.
func UnlockEvent(h Handle) string { return "unlock:" + string(h) }

// LockEvent is the bus key on which a kernel announces that h was taken.
func LockEvent(h Handle) string { return "lock:" + string(h) }
