// Package bus provides the pub/sub channel lock kernels use to propagate
// lock and unlock events. Waiters blocked on a contended handle subscribe to
// its unlock key and re-attempt acquisition when an event arrives; watchers
// stream the same events to observers. Delivery is best-effort and
// non-blocking: consumers must re-check lock state rather than trust a
// one-to-one event count.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is the event fabric between unlockers and waiters.
type Bus interface {
	// Publish notifies all current subscribers of key.
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving a signal per published event
	// until the context is cancelled or Unsubscribe is called.
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	// Unsubscribe stops delivery to ch and closes it.
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// InMemory is a process-local Bus. It backs the local kernel and tests.
type InMemory struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemory returns a new in-memory bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Sends happen under the lock so an
// Unsubscribe cannot close a channel mid-send; they never block, buffered
// channel or not, so holding the lock is cheap.
func (b *InMemory) Publish(ctx context.Context, key string) error {
	b.published.Add(1)
	b.mu.Lock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- struct{}{}:
			b.delivered.Add(1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemory) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = b.Unsubscribe(context.Background(), key, ch)
		}()
	}
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemory) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	return nil
}

// Metrics reports publish and delivery counts since creation.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the bus counters.
func (b *InMemory) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
