package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueueDeliversAndRequeuesFailures(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	queue := NewRedisQueueWithClient(client, "", 100*time.Millisecond)
	t.Cleanup(func() { _ = queue.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"op-1", "op-2"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if n, _ := client.LLen(ctx, "metapilot:operations").Result(); n != 2 {
		t.Fatalf("expected 2 queued operations, got %d", n)
	}

	var (
		mu       sync.Mutex
		seen     = map[string]int{}
		finished = make(chan struct{})
		once     sync.Once
	)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
		if id == "op-2" && seen[id] == 1 {
			return errors.New("transient")
		}
		if seen["op-1"] >= 1 && seen["op-2"] >= 2 {
			once.Do(func() { close(finished) })
		}
		return nil
	}

	consumeCtx, stop := context.WithCancel(ctx)
	go func() { _ = queue.Consume(consumeCtx, 1, handler) }()

	select {
	case <-finished:
	case <-ctx.Done():
		t.Fatalf("operations not delivered: %+v", seen)
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	if seen["op-1"] != 1 || seen["op-2"] != 2 {
		t.Fatalf("unexpected deliveries %+v", seen)
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "op"); err == nil {
		t.Fatalf("publish after close should fail")
	}
	_ = q.Close()
}
