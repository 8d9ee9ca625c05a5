package kernel

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mjaeckle/go-ksync/v1/bus"
	"github.com/mjaeckle/go-ksync/v1/ticks"
)

var tracer = otel.Tracer("github.com/mjaeckle/go-ksync/v1/kernel")

// delScript releases a non-recursive lock only when the stored owner token
// matches, so a stale client cannot release somebody else's lock.
var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// acquireRecScript takes or re-takes a recursive lock stored as a hash of
// {owner, count}. ARGV[1] is the owner token, ARGV[2] the TTL in
// milliseconds (0 keeps the key forever).
var acquireRecScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner == false then
    redis.call("HSET", KEYS[1], "owner", ARGV[1], "count", 1)
    if tonumber(ARGV[2]) > 0 then redis.call("PEXPIRE", KEYS[1], ARGV[2]) end
    return 1
elseif owner == ARGV[1] then
    redis.call("HINCRBY", KEYS[1], "count", 1)
    if tonumber(ARGV[2]) > 0 then redis.call("PEXPIRE", KEYS[1], ARGV[2]) end
    return 1
end
return 0
`)

// releaseRecScript drops one recursion level; -1 means wrong owner, 0 means
// the lock was fully released.
var releaseRecScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner ~= ARGV[1] then
    return -1
end
local count = redis.call("HINCRBY", KEYS[1], "count", -1)
if count <= 0 then
    redis.call("DEL", KEYS[1])
    return 0
end
return count
`)

// Redis is a Kernel backed by a Redis server, usable by cooperating
// processes sharing the same handles. Waiters block on unlock events from
// the bus instead of polling the server.
type Redis struct {
	client *redis.Client
	bus    bus.Bus
	rate   ticks.Rate
	ttl    time.Duration
	prefix string

	mu      sync.Mutex
	handles map[Handle]bool // handle -> recursive
}

// RedisOption configures a Redis kernel.
type RedisOption func(*Redis)

// WithRate sets the tick rate used to convert timeouts to wall time.
func WithRate(r ticks.Rate) RedisOption {
	return func(k *Redis) { k.rate = r }
}

// WithTTL puts an expiry on every held lock so a crashed holder cannot
// wedge its peers. Held recursive locks have the expiry refreshed on each
// re-acquisition. Zero (the default) disables expiry.
func WithTTL(d time.Duration) RedisOption {
	return func(k *Redis) { k.ttl = d }
}

// WithPrefix sets the key prefix for created handles.
func WithPrefix(p string) RedisOption {
	return func(k *Redis) { k.prefix = p }
}

// NewRedis returns a Redis kernel using the provided client, publishing
// lock events on b. A nil bus gets a private in-memory one, which limits
// wakeups to this process; cross-process deployments should pass a shared
// bus (for example bus.NewRedis on the same server).
func NewRedis(client *redis.Client, b bus.Bus, opts ...RedisOption) *Redis {
	if b == nil {
		b = bus.NewInMemory()
	}
	k := &Redis{
		client:  client,
		bus:     b,
		rate:    ticks.DefaultRate,
		prefix:  "ksync:mutex:",
		handles: make(map[Handle]bool),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Bus returns the bus this kernel publishes events on.
func (k *Redis) Bus() bus.Bus { return k.bus }

// Create implements Kernel.Create.
func (k *Redis) Create(ctx context.Context, recursive bool) (Handle, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	h := Handle(k.prefix + id)
	k.mu.Lock()
	k.handles[h] = recursive
	k.mu.Unlock()
	return h, nil
}

// Attach registers a handle created elsewhere, letting another process
// contend for the same lock. The recursive flag must match the creator's.
func (k *Redis) Attach(h Handle, recursive bool) {
	k.mu.Lock()
	k.handles[h] = recursive
	k.mu.Unlock()
}

// Destroy implements Kernel.Destroy. The lock key is deleted regardless of
// its current holder.
func (k *Redis) Destroy(ctx context.Context, h Handle) error {
	k.mu.Lock()
	_, ok := k.handles[h]
	delete(k.handles, h)
	k.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	return k.client.Del(ctx, string(h)).Err()
}

func (k *Redis) recursive(h Handle) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.handles[h]
	if !ok {
		return false, ErrUnknownHandle
	}
	return rec, nil
}

func (k *Redis) attempt(ctx context.Context, h Handle, owner string, rec bool) (bool, error) {
	if rec {
		n, err := acquireRecScript.Run(ctx, k.client, []string{string(h)}, owner, k.ttl.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}
	return k.client.SetNX(ctx, string(h), owner, k.ttl).Result()
}

// TryLock implements Kernel.TryLock.
func (k *Redis) TryLock(ctx context.Context, h Handle, owner string, timeout ticks.Ticks) (bool, error) {
	rec, err := k.recursive(h)
	if err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "kernel.TryLock", trace.WithAttributes(
		attribute.String("ksync.handle", string(h)),
		attribute.Bool("ksync.recursive", rec),
	))
	defer span.End()

	ok, err := k.attempt(ctx, h, owner, rec)
	if err != nil || ok || timeout == 0 {
		span.SetAttributes(attribute.Bool("ksync.acquired", ok))
		if ok {
			_ = k.bus.Publish(ctx, LockEvent(h))
		}
		return ok, err
	}

	wctx := ctx
	if timeout != ticks.MaxDelay {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, k.rate.Duration(timeout))
		defer cancel()
	}

	ch, err := k.bus.Subscribe(wctx, UnlockEvent(h))
	if err != nil {
		return false, err
	}
	defer func() { _ = k.bus.Unsubscribe(context.Background(), UnlockEvent(h), ch) }()

	for {
		ok, err := k.attempt(wctx, h, owner, rec)
		if err != nil && wctx.Err() == nil {
			return false, err
		}
		if ok {
			span.SetAttributes(attribute.Bool("ksync.acquired", true))
			_ = k.bus.Publish(ctx, LockEvent(h))
			return true, nil
		}
		select {
		case <-ch:
		case <-wctx.Done():
			span.SetAttributes(attribute.Bool("ksync.acquired", false))
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
	}
}

// Unlock implements Kernel.Unlock.
func (k *Redis) Unlock(ctx context.Context, h Handle, owner string) error {
	rec, err := k.recursive(h)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "kernel.Unlock", trace.WithAttributes(
		attribute.String("ksync.handle", string(h)),
	))
	defer span.End()

	if rec {
		n, err := releaseRecScript.Run(ctx, k.client, []string{string(h)}, owner).Int()
		if err != nil {
			return err
		}
		if n < 0 {
			return ErrNotHeld
		}
		if n == 0 {
			_ = k.bus.Publish(ctx, UnlockEvent(h))
		}
		return nil
	}

	n, err := delScript.Run(ctx, k.client, []string{string(h)}, owner).Int()
	if err != nil && err != redis.Nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	_ = k.bus.Publish(ctx, UnlockEvent(h))
	return nil
}

// Holder implements Kernel.Holder.
func (k *Redis) Holder(ctx context.Context, h Handle) (string, error) {
	rec, err := k.recursive(h)
	if err != nil {
		return "", err
	}
	var owner string
	if rec {
		owner, err = k.client.HGet(ctx, string(h), "owner").Result()
	} else {
		owner, err = k.client.Get(ctx, string(h)).Result()
	}
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// MaxDelay implements Kernel.MaxDelay.
func (k *Redis) MaxDelay() ticks.Ticks { return ticks.MaxDelay }
