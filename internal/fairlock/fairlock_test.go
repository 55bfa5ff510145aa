package fairlock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitDepth(t *testing.T, m *Mutex, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.waiting() != want {
		if time.Now().After(deadline) {
			t.Fatalf("queue depth never reached %d (at %d)", want, m.waiting())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLockUnlock(t *testing.T) {
	var m Mutex
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	m.Unlock()
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("relock: %v", err)
	}
	m.Unlock()
}

func TestGrantOrderIsFIFO(t *testing.T) {
	var m Mutex
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	order := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Lock(context.Background()); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			m.Unlock()
		}()
		// ensure waiter i is queued before starting waiter i+1
		waitDepth(t, &m, i)
	}

	m.Unlock()
	wg.Wait()
	close(order)

	want := 1
	for got := range order {
		if got != want {
			t.Fatalf("grant order: got waiter %d, want %d", got, want)
		}
		want++
	}
	if want != 3 {
		t.Fatalf("expected 2 grants, saw %d", want-1)
	}
}

func TestCancelWhileWaiting(t *testing.T) {
	var m Mutex
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Lock(ctx) }()

	waitDepth(t, &m, 1)
	cancel()

	if err := <-errc; err != context.Canceled {
		t.Fatalf("cancelled wait: got %v, want context.Canceled", err)
	}
	if got := m.waiting(); got != 0 {
		t.Fatalf("abandoned waiter still queued: depth %d", got)
	}

	// the holder can still release and a fresh lock succeeds
	m.Unlock()
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("lock after cancelled waiter: %v", err)
	}
	m.Unlock()
}

func TestUncontendedLockIgnoresDoneContext(t *testing.T) {
	var m Mutex
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("uncontended lock with done ctx: %v", err)
	}
	m.Unlock()
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var m Mutex
	m.Unlock()
}
