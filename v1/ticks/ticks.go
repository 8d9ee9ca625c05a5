// Package ticks defines the tick time unit used by lock kernels to express
// timeouts, mirroring the tick counters of embedded schedulers. A kernel
// advertises its wait-forever sentinel through MaxDelay; every other value is
// a bounded number of ticks converted to wall time through a Rate.
package ticks

import (
	"math"
	"time"
)

// Ticks is a timeout expressed in kernel ticks.
type Ticks uint32

// MaxDelay is the wait-forever sentinel. Passing it to a try-lock means
// "block with no deadline"; it never converts to a finite duration.
const MaxDelay Ticks = math.MaxUint32

// DefaultRate is the tick rate assumed when a kernel is configured with a
// zero Rate.
const DefaultRate Rate = 1000

// Rate is a tick frequency in ticks per second.
type Rate int

func (r Rate) orDefault() Rate {
	if r <= 0 {
		return DefaultRate
	}
	return r
}

// Duration converts a bounded tick count to wall time. Callers must check
// for MaxDelay themselves; it is not a duration.
func (r Rate) Duration(t Ticks) time.Duration {
	return time.Duration(t) * time.Second / time.Duration(r.orDefault())
}

// FromDuration converts wall time to ticks, rounding up so that a non-zero
// duration never degrades to a non-blocking attempt. Durations beyond the
// representable range saturate at MaxDelay-1.
func (r Rate) FromDuration(d time.Duration) Ticks {
	if d <= 0 {
		return 0
	}
	tick := time.Second / time.Duration(r.orDefault())
	if tick <= 0 {
		tick = time.Nanosecond
	}
	// The rounding add must not overflow into a negative duration.
	if d > time.Duration(math.MaxInt64)-tick {
		return MaxDelay - 1
	}
	t := (d + tick - 1) / tick
	if t >= time.Duration(MaxDelay) {
		return MaxDelay - 1
	}
	return Ticks(t)
}
