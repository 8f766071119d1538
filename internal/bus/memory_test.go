package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryBus(DefaultMemoryConfig())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	_, err := b.Subscribe("alerts", func(_ context.Context, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if err := b.Publish(context.Background(), "alerts", msg); err != nil {
			t.Fatalf("publish %s: %v", msg, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{`"a"`, `"b"`, `"c"`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order: got %v, want %v", got, want)
		}
	}
}

func TestMemoryBusDropsWhenSubscriberStalls(t *testing.T) {
	b := NewMemoryBus(MemoryConfig{QueueSize: 1, PublishTimeout: 20 * time.Millisecond, DrainTimeout: 100 * time.Millisecond})

	block := make(chan struct{})
	_, err := b.Subscribe("alerts", func(_ context.Context, _ []byte) {
		<-block
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First publish is taken by the dispatch goroutine, second fills the
	// queue, third must time out.
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = b.Publish(context.Background(), "alerts", i)
	}
	if lastErr != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", lastErr)
	}
	close(block)
	b.Close()
}

func TestMemoryBusRecoversFromHandlerPanic(t *testing.T) {
	b := NewMemoryBus(DefaultMemoryConfig())
	defer b.Close()

	var calls atomic.Int64
	done := make(chan struct{})
	_, err := b.Subscribe("alerts", func(_ context.Context, payload []byte) {
		if calls.Add(1) == 1 {
			panic("bad payload")
		}
		close(done)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(context.Background(), "alerts", "boom")
	b.Publish(context.Background(), "alerts", "fine")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not survive the panic")
	}
}

func TestMemoryBusCloseDrainsQueued(t *testing.T) {
	b := NewMemoryBus(DefaultMemoryConfig())

	var handled atomic.Int64
	_, err := b.Subscribe("alerts", func(_ context.Context, _ []byte) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), "alerts", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := handled.Load(); n != 10 {
		t.Fatalf("drained %d payloads, want 10", n)
	}
}

func TestMemoryBusClosedRejects(t *testing.T) {
	b := NewMemoryBus(DefaultMemoryConfig())
	b.Close()
	if err := b.Publish(context.Background(), "alerts", "x"); err != ErrClosed {
		t.Fatalf("publish after close: got %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("alerts", func(context.Context, []byte) {}); err != ErrClosed {
		t.Fatalf("subscribe after close: got %v, want ErrClosed", err)
	}
}

func TestMemoryBusCancelStopsDelivery(t *testing.T) {
	b := NewMemoryBus(DefaultMemoryConfig())
	defer b.Close()

	var calls atomic.Int64
	sub, err := b.Subscribe("alerts", func(_ context.Context, _ []byte) {
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Publish(context.Background(), "alerts", 1)
	time.Sleep(50 * time.Millisecond)
	sub.Cancel()
	before := calls.Load()
	b.Publish(context.Background(), "alerts", 2)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != before {
		t.Fatalf("handler invoked after cancel")
	}
}
