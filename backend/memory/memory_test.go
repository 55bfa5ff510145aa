package memory

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/spoolcache/spoolcache/backend"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func mustBegin(t *testing.T, s *Store) backend.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return tx
}

func commitRows(t *testing.T, s *Store, els ...backend.Element) {
	t.Helper()
	tx := mustBegin(t, s)
	if err := tx.Insert(context.Background(), els); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func selectOne(t *testing.T, s *Store, key string) (backend.Element, bool) {
	t.Helper()
	tx := mustBegin(t, s)
	defer tx.Rollback()
	rows, err := tx.SelectKeys(context.Background(), []string{key})
	if err != nil {
		t.Fatalf("SelectKeys: %v", err)
	}
	if len(rows) == 0 {
		return backend.Element{}, false
	}
	return rows[0], true
}

func TestInsertSelectRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	tx := mustBegin(t, s)
	els := []backend.Element{
		{Key: "a", TypeName: "user", Value: []byte("1")},
		{Key: "b", TypeName: "user", Value: []byte("2")},
	}
	if err := tx.Insert(ctx, els); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// same-transaction visibility
	rows, err := tx.SelectKeys(ctx, []string{"a", "b", "ghost"})
	if err != nil || len(rows) != 2 {
		t.Fatalf("in-tx select = %v, %v", rows, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	el, ok := selectOne(t, s, "a")
	if !ok || string(el.Value) != "1" || el.TypeName != "user" {
		t.Fatalf("committed row = %+v, ok=%v", el, ok)
	}
}

func TestUpsertLastWins(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	// within one slice
	tx := mustBegin(t, s)
	err := tx.Insert(ctx, []backend.Element{
		{Key: "a", Value: []byte("old")},
		{Key: "a", Value: []byte("new")},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// across statements in the same transaction
	if err := tx.Insert(ctx, []backend.Element{{Key: "a", Value: []byte("newest")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if el, _ := selectOne(t, s, "a"); string(el.Value) != "newest" {
		t.Fatalf("value = %q, want newest", el.Value)
	}

	// across transactions
	commitRows(t, s, backend.Element{Key: "a", Value: []byte("final")})
	if el, _ := selectOne(t, s, "a"); string(el.Value) != "final" {
		t.Fatalf("value = %q, want final", el.Value)
	}
	if n := s.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
}

func TestRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	commitRows(t, s, backend.Element{Key: "keep", Value: []byte("1")})

	tx := mustBegin(t, s)
	if err := tx.Insert(ctx, []backend.Element{{Key: "drop", Value: []byte("2")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.DeleteKeys(ctx, []string{"keep"}); err != nil {
		t.Fatalf("DeleteKeys: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, ok := selectOne(t, s, "drop"); ok {
		t.Fatal("rolled-back insert is visible")
	}
	if _, ok := selectOne(t, s, "keep"); !ok {
		t.Fatal("rolled-back delete took effect")
	}
}

func TestTypeOperations(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	commitRows(t, s,
		backend.Element{Key: "u1", TypeName: "user", Value: []byte("1")},
		backend.Element{Key: "u2", TypeName: "user", Value: []byte("2")},
		backend.Element{Key: "s1", TypeName: "session", Value: []byte("3")},
	)

	tx := mustBegin(t, s)
	rows, err := tx.SelectTypes(ctx, []string{"user"})
	if err != nil || len(rows) != 2 {
		t.Fatalf("SelectTypes(user) = %v, %v", rows, err)
	}
	if err := tx.DeleteTypes(ctx, []string{"user"}); err != nil {
		t.Fatalf("DeleteTypes: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx = mustBegin(t, s)
	defer tx.Rollback()
	keys, err := tx.AllKeys(ctx)
	if err != nil || !reflect.DeepEqual(keys, []string{"s1"}) {
		t.Fatalf("AllKeys = %v, %v", keys, err)
	}
}

func TestExpiryInvisibleThenPurged(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := New(Options{Clock: clock.Now})
	t0 := clock.Now()

	commitRows(t, s,
		backend.Element{Key: "mortal", Value: []byte("1"), ExpiresAt: t0.Add(time.Minute)},
		backend.Element{Key: "immortal", Value: []byte("2")},
	)

	clock.Advance(2 * time.Minute)

	// expired rows are invisible before any physical purge
	tx := mustBegin(t, s)
	rows, err := tx.SelectKeys(ctx, []string{"mortal", "immortal"})
	if err != nil || len(rows) != 1 || rows[0].Key != "immortal" {
		t.Fatalf("SelectKeys = %v, %v", rows, err)
	}
	keys, err := tx.AllKeys(ctx)
	if err != nil || !reflect.DeepEqual(keys, []string{"immortal"}) {
		t.Fatalf("AllKeys = %v, %v", keys, err)
	}
	if err := tx.DeleteExpired(ctx, clock.Now()); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// rewinding the clock cannot resurrect a physically purged row
	clock.Set(t0)
	if _, ok := selectOne(t, s, "mortal"); ok {
		t.Fatal("purged row came back after clock rewind")
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	commitRows(t, s,
		backend.Element{Key: "a", Value: []byte("1")},
		backend.Element{Key: "b", Value: []byte("2")},
	)

	tx := mustBegin(t, s)
	if err := tx.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	// a fresh insert in the same transaction survives the wipe
	if err := tx.Insert(ctx, []backend.Element{{Key: "c", Value: []byte("3")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx = mustBegin(t, s)
	defer tx.Rollback()
	keys, err := tx.AllKeys(ctx)
	if err != nil || !reflect.DeepEqual(keys, []string{"c"}) {
		t.Fatalf("AllKeys = %v, %v", keys, err)
	}
}

func TestBeginSerializes(t *testing.T) {
	s := New(Options{})
	tx := mustBegin(t, s)

	second := make(chan backend.Tx)
	go func() {
		tx2, err := s.Begin(context.Background())
		if err != nil {
			t.Errorf("second Begin: %v", err)
		}
		second <- tx2
	}()

	select {
	case <-second:
		t.Fatal("second transaction opened while the first was live")
	case <-time.After(20 * time.Millisecond):
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tx2 := <-second
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestVacuumKeepsRows(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	commitRows(t, s, backend.Element{Key: "a", Value: []byte("1")})

	if err := s.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if _, ok := selectOne(t, s, "a"); !ok {
		t.Fatal("row lost to vacuum")
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Begin(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Begin after Close = %v, want ErrClosed", err)
	}
	if err := s.Vacuum(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Vacuum after Close = %v, want ErrClosed", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
