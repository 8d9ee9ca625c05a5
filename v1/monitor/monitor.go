// Package monitor keeps a registry of named mutexes and reports which are
// held. Holder lookups can hit remote backends, so snapshot results are
// cached with a short TTL; the view is eventually consistent by design and
// meant for dashboards and debugging, not for coordination.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/mjaeckle/go-ksync/v1/metrics"
)

// Introspector is the lock-state query surface of a registered mutex.
type Introspector interface {
	IsLocked(ctx context.Context) (bool, error)
}

// DefaultTTL bounds how stale a cached lock state may be.
const DefaultTTL = 100 * time.Millisecond

// Monitor is a named-mutex registry with cached state snapshots.
type Monitor struct {
	ttl   time.Duration
	cache *ristretto.Cache

	mu      sync.RWMutex
	mutexes map[string]Introspector
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTTL sets how long a queried lock state is served from cache.
func WithTTL(d time.Duration) Option {
	return func(m *Monitor) { m.ttl = d }
}

// New returns an empty Monitor.
func New(opts ...Option) *Monitor {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	m := &Monitor{
		ttl:     DefaultTTL,
		cache:   cache,
		mutexes: make(map[string]Introspector),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a mutex under name, replacing any previous registration.
func (m *Monitor) Register(name string, mx Introspector) {
	m.mu.Lock()
	m.mutexes[name] = mx
	m.mu.Unlock()
	m.cache.Del(name)
}

// Deregister removes a named mutex.
func (m *Monitor) Deregister(name string) {
	m.mu.Lock()
	delete(m.mutexes, name)
	m.mu.Unlock()
	m.cache.Del(name)
}

// Names returns the registered mutex names.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.mutexes))
	for name := range m.mutexes {
		names = append(names, name)
	}
	return names
}

// Snapshot reports the held state of every registered mutex and updates the
// monitor held-locks gauge. States younger than the TTL are served from
// cache without touching the backend.
func (m *Monitor) Snapshot(ctx context.Context) (map[string]bool, error) {
	m.mu.RLock()
	mutexes := make(map[string]Introspector, len(m.mutexes))
	for name, mx := range m.mutexes {
		mutexes[name] = mx
	}
	m.mu.RUnlock()

	states := make(map[string]bool, len(mutexes))
	for name, mx := range mutexes {
		if v, ok := m.cache.Get(name); ok {
			states[name] = v.(bool)
			continue
		}
		locked, err := mx.IsLocked(ctx)
		if err != nil {
			return nil, err
		}
		m.cache.SetWithTTL(name, locked, 1, m.ttl)
		m.cache.Wait()
		states[name] = locked
	}

	held := 0
	for _, locked := range states {
		if locked {
			held++
		}
	}
	metrics.MonitorHeldGauge.Set(float64(held))
	return states, nil
}

// Close releases the snapshot cache.
func (m *Monitor) Close() {
	m.cache.Close()
}
