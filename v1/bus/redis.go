package bus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// Redis implements Bus on Redis pub/sub, letting waiters on different
// processes observe unlock events for shared handles.
type Redis struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string]*redisSubscription
}

// NewRedis returns a Redis bus using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *Redis) Publish(ctx context.Context, key string) error {
	return b.client.Publish(ctx, key, "1").Err()
}

// Subscribe implements Bus.Subscribe.
func (b *Redis) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pubsub := b.client.Subscribe(context.Background(), key)
		sub = &redisSubscription{pubsub: pubsub}
		b.subs[key] = sub
		go b.dispatch(key, pubsub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = b.Unsubscribe(context.Background(), key, ch)
		}()
	}
	return ch, nil
}

// dispatch fans server messages out to subscriber channels. Sends happen
// under the lock so Unsubscribe cannot close a channel mid-send.
func (b *Redis) dispatch(key string, pubsub *redis.PubSub) {
	for range pubsub.Channel() {
		b.mu.Lock()
		if sub := b.subs[key]; sub != nil {
			for _, c := range sub.chans {
				select {
				case c <- struct{}{}:
				default:
				}
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *Redis) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subs[key]
	if sub == nil {
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		return sub.pubsub.Close()
	}
	return nil
}

// Close closes every underlying Redis subscription.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for key, sub := range b.subs {
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, c := range sub.chans {
			close(c)
		}
		delete(b.subs, key)
	}
	return firstErr
}
