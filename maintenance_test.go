package spoolcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
)

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

// ==============================
// Vacuum protocol
// ==============================

// TestVacuumProtocolOrder: a vacuum purges expired rows and drains the queue
// before compacting, and the compaction itself runs outside any transaction.
func TestVacuumProtocolOrder(t *testing.T) {
	ctx := context.Background()
	b := newScriptedBackend()
	h := &countingHooks{}
	q := newQueueOver(t, b, h)
	defer q.Shutdown(ctx)

	insFut := q.Insert(Element{Key: "a", Value: []byte("1")})
	if err := q.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	// the flush step inside Vacuum implies the earlier insert is settled
	select {
	case <-insFut.Done():
	default:
		t.Fatal("insert not settled although Vacuum returned")
	}

	events := b.snapshot()
	if b.has("vacuum:in-tx") {
		t.Fatalf("compaction ran inside a transaction: %v", events)
	}
	vac := indexOf(events, "vacuum")
	purge := indexOf(events, "delete_expired")
	ins := indexOf(events, "insert:a")
	if vac == -1 || purge == -1 || ins == -1 {
		t.Fatalf("missing protocol steps in %v", events)
	}
	if purge > vac || ins > vac {
		t.Fatalf("purge and queued work must precede compaction: %v", events)
	}

	if n, err := h.maintenance(); n != 1 || err != nil {
		t.Fatalf("maintenance hook = %d, %v", n, err)
	}
}

// TestVacuumNeverOverlapsDispatch: under concurrent write load the gate keeps
// compaction and batch transactions strictly disjoint.
func TestVacuumNeverOverlapsDispatch(t *testing.T) {
	b := newScriptedBackend()
	q := newQueueOver(t, b, nil)
	defer q.Shutdown(context.Background())

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for j := 0; j < 30; j++ {
				el := Element{Key: fmt.Sprintf("w%d-%02d", w, j), Value: []byte("x")}
				if _, err := q.Insert(el).Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		return q.Vacuum(ctx)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if b.has("vacuum:in-tx") {
		t.Fatal("compaction overlapped an open transaction")
	}
	if b.has("begin:overlap") {
		t.Fatal("two transactions were open at once")
	}
	if !b.has("vacuum") {
		t.Fatal("compaction never reached the backend")
	}
}

// TestVacuumPropagatesBackendError: a failing compaction surfaces to the
// caller and to the maintenance hook.
func TestVacuumPropagatesBackendError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("compaction failed")
	b := newScriptedBackend()
	b.vacuumErr = boom
	h := &countingHooks{}
	q := newQueueOver(t, b, h)
	defer q.Shutdown(ctx)

	err := q.Vacuum(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Vacuum error = %v, want cause %v", err, boom)
	}
	if n, herr := h.maintenance(); n != 1 || !errors.Is(herr, boom) {
		t.Fatalf("maintenance hook = %d, %v", n, herr)
	}
}

// TestVacuumAbandonsOnCancel: cancelling the context while the queue phase
// cannot progress aborts the vacuum without touching the backend.
func TestVacuumAbandonsOnCancel(t *testing.T) {
	b := newScriptedBackend()
	h := &countingHooks{}
	q := newQueueOver(t, b, h)

	release := holdGate(t, q)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Vacuum(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Vacuum = %v, want context.Canceled", err)
	}
	release()
	defer q.Shutdown(context.Background())

	if b.has("vacuum") {
		t.Fatal("abandoned vacuum still reached the backend")
	}
	if n, _ := h.maintenance(); n != 0 {
		t.Fatalf("maintenance hook fired %d times for an abandoned vacuum", n)
	}
}

// TestVacuumDescriptorRefused: a compaction descriptor smuggled into the
// transactional executor fails instead of corrupting the protocol.
func TestVacuumDescriptorRefused(t *testing.T) {
	ctx := context.Background()
	q := newQueueOver(t, newScriptedBackend(), nil)
	defer q.Shutdown(ctx)

	c := newCompletion()
	q.enqueue(&op{kind: KindVacuum, dones: []*completion{c}})
	_, err := unitFuture(c).Wait(ctx)
	var oe *OpError
	if !errors.As(err, &oe) || !errors.Is(err, ErrVacuumInTransaction) {
		t.Fatalf("error = %v, want OpError wrapping ErrVacuumInTransaction", err)
	}
}

// TestConcurrentVacuums: overlapping maintenance calls serialize and all
// succeed.
func TestConcurrentVacuums(t *testing.T) {
	b := newScriptedBackend()
	q := newQueueOver(t, b, nil)
	defer q.Shutdown(context.Background())

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 3; i++ {
		g.Go(func() error { return q.Vacuum(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if got := b.countPrefix("vacuum"); got != 3 {
		t.Fatalf("backend saw %d compactions, want 3", got)
	}
	if b.has("vacuum:in-tx") {
		t.Fatal("compaction overlapped a transaction")
	}
}
