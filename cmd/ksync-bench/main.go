package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mjaeckle/go-ksync/v1/kernel"
	"github.com/mjaeckle/go-ksync/v1/mutex"
)

var (
	workers    = flag.Int("c", 8, "Concurrent owners")
	iterations = flag.Int("n", 10000, "Lock/unlock cycles per owner")
	recursive  = flag.Bool("recursive", false, "Use a recursive mutex")
	backend    = flag.String("backend", "local", "Backend: local, redis")
	redisAddr  = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	var k kernel.Kernel
	switch *backend {
	case "local":
		k = kernel.NewLocal(nil)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		k = kernel.NewRedis(client, nil)
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	h, err := k.Create(ctx, *recursive)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = k.Destroy(ctx, h) }()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		g.Go(func() error {
			var m mutex.Lockable
			if *recursive {
				m = mutex.AttachRecursive(k, h)
			} else {
				m = mutex.Attach(k, h)
			}
			for n := 0; n < *iterations; n++ {
				if err := m.Lock(gctx); err != nil {
					return err
				}
				if err := m.Unlock(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	elapsed := time.Since(start)
	total := *workers * *iterations
	fmt.Printf("%d lock/unlock cycles across %d owners in %v (%.0f ops/sec)\n",
		total, *workers, elapsed, float64(total)/elapsed.Seconds())
}
