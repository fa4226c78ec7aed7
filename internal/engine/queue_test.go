package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

func TestKeyedQueueFIFO(t *testing.T) {
	q := NewKeyedQueue(time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			<-start
			// Stagger enqueue so arrival order matches i.
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			_ = q.Do(ctx, "mkt:opt", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d (full order %v)", i, got, i, order)
		}
	}
}

func TestKeyedQueueNoOverlapSameKey(t *testing.T) {
	q := NewKeyedQueue(5 * time.Second)
	ctx := context.Background()

	var running int32
	var maxRunning int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(ctx, "hot", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent operations on one key = %d, want 1", maxRunning)
	}
}

func TestKeyedQueueConcurrentAcrossKeys(t *testing.T) {
	q := NewKeyedQueue(time.Second)
	ctx := context.Background()

	firstRunning := make(chan struct{})
	releaseFirst := make(chan struct{})

	go func() {
		_ = q.Do(ctx, "market-a", func(ctx context.Context) error {
			close(firstRunning)
			<-releaseFirst
			return nil
		})
	}()

	<-firstRunning

	// A different key must not be blocked by the running operation.
	doneB := make(chan error, 1)
	go func() {
		doneB <- q.Do(ctx, "market-b", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("market-b operation failed: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("operation on a different key was blocked")
	}
	close(releaseFirst)
}

func TestKeyedQueueTimeout(t *testing.T) {
	q := NewKeyedQueue(30 * time.Millisecond)
	ctx := context.Background()

	blockerRunning := make(chan struct{})
	releaseBlocker := make(chan struct{})
	go func() {
		_ = q.Do(ctx, "slow", func(ctx context.Context) error {
			close(blockerRunning)
			<-releaseBlocker
			return nil
		})
	}()
	<-blockerRunning

	// Second operation times out waiting for its turn.
	var ran atomic.Bool
	err := q.Do(ctx, "slow", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if !errors.Is(err, domain.ErrQueueTimeout) {
		t.Fatalf("error = %v, want ErrQueueTimeout", err)
	}
	if ran.Load() {
		t.Fatal("timed-out operation must not run")
	}

	// A third operation queued behind the timed-out one still runs once the
	// blocker finishes.
	thirdDone := make(chan error, 1)
	go func() {
		thirdDone <- q.Do(ctx, "slow", func(ctx context.Context) error { return nil })
	}()
	close(releaseBlocker)

	select {
	case err := <-thirdDone:
		if err != nil {
			t.Fatalf("third operation failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("third operation never ran after timeout of predecessor")
	}
}

func TestKeyedQueueDepth(t *testing.T) {
	q := NewKeyedQueue(time.Second)
	ctx := context.Background()

	running := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = q.Do(ctx, "depth", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	if d := q.Depth("depth"); d != 1 {
		t.Errorf("Depth = %d, want 1", d)
	}
	close(release)

	// Drains back to zero (poll briefly; release is asynchronous).
	deadline := time.Now().Add(time.Second)
	for q.Depth("depth") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
