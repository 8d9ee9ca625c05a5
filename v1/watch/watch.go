// Package watch streams a lock's state transitions to HTTP clients, over
// Server-Sent Events or WebSocket. Handlers subscribe to the lock and
// unlock event keys a kernel publishes for a handle and forward the event
// kind to the client. Events are best-effort, like the bus that carries
// them: a slow client can miss transitions and should query lock state if
// it needs certainty.
package watch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mjaeckle/go-ksync/v1/bus"
	"github.com/mjaeckle/go-ksync/v1/kernel"
)

const (
	// EventLock is streamed when the watched lock is taken.
	EventLock = "lock"
	// EventUnlock is streamed when the watched lock is released.
	EventUnlock = "unlock"
)

// subscribe attaches to the lock and unlock events of the handle named in
// the "key" query parameter.
func subscribe(ctx context.Context, b bus.Bus, r *http.Request) (lockCh, unlockCh chan struct{}, cleanup func(), err error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return nil, nil, nil, fmt.Errorf("missing key")
	}
	h := kernel.Handle(key)
	lockCh, err = b.Subscribe(ctx, kernel.LockEvent(h))
	if err != nil {
		return nil, nil, nil, err
	}
	unlockCh, err = b.Subscribe(ctx, kernel.UnlockEvent(h))
	if err != nil {
		_ = b.Unsubscribe(context.Background(), kernel.LockEvent(h), lockCh)
		return nil, nil, nil, err
	}
	cleanup = func() {
		_ = b.Unsubscribe(context.Background(), kernel.LockEvent(h), lockCh)
		_ = b.Unsubscribe(context.Background(), kernel.UnlockEvent(h), unlockCh)
	}
	return lockCh, unlockCh, cleanup, nil
}

// SSEHandler streams lock events over Server-Sent Events. The watched
// handle is taken from the "key" query parameter.
func SSEHandler(b bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		lockCh, unlockCh, cleanup, err := subscribe(ctx, b, r)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() {
			cancel()
			cleanup()
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		flusher.Flush()
		for {
			var event string
			select {
			case <-lockCh:
				event = EventLock
			case <-unlockCh:
				event = EventUnlock
			case <-ctx.Done():
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events over WebSocket. The watched handle
// is taken from the "key" query parameter.
func WebSocketHandler(b bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		lockCh, unlockCh, cleanup, err := subscribe(ctx, b, r)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			cleanup()
		}()

		for {
			var event string
			select {
			case <-lockCh:
				event = EventLock
			case <-unlockCh:
				event = EventUnlock
			case <-ctx.Done():
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(event)); err != nil {
				return
			}
		}
	}
}
