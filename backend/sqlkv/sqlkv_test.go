package sqlkv_test

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/spoolcache/spoolcache/backend"
	"github.com/spoolcache/spoolcache/backend/sqlite"
	"github.com/spoolcache/spoolcache/backend/sqlkv"
)

func openStore(t *testing.T) *sqlkv.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := sqlite.Open(context.Background(), sqlite.Options{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })
	return st
}

func mustBegin(t *testing.T, st *sqlkv.Store) backend.Tx {
	t.Helper()
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return tx
}

func commitRows(t *testing.T, st *sqlkv.Store, els ...backend.Element) {
	t.Helper()
	tx := mustBegin(t, st)
	if err := tx.Insert(context.Background(), els); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func selectKeys(t *testing.T, st *sqlkv.Store, keys ...string) map[string]backend.Element {
	t.Helper()
	tx := mustBegin(t, st)
	defer tx.Rollback()
	rows, err := tx.SelectKeys(context.Background(), keys)
	if err != nil {
		t.Fatalf("SelectKeys: %v", err)
	}
	out := make(map[string]backend.Element, len(rows))
	for _, el := range rows {
		out[el.Key] = el
	}
	return out
}

func allKeys(t *testing.T, st *sqlkv.Store) []string {
	t.Helper()
	tx := mustBegin(t, st)
	defer tx.Rollback()
	keys, err := tx.AllKeys(context.Background())
	if err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	return keys
}

func TestRoundtripAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := sqlite.Open(ctx, sqlite.Options{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	created := time.UnixMilli(1700000000123).UTC()
	expires := created.Add(100 * 365 * 24 * time.Hour)
	commitRows(t, st,
		backend.Element{Key: "a", TypeName: "user", Value: []byte("va"), CreatedAt: created, ExpiresAt: expires},
		backend.Element{Key: "b", TypeName: "user", Value: []byte{}, CreatedAt: created},
	)

	got := selectKeys(t, st, "a", "b", "ghost")
	if len(got) != 2 {
		t.Fatalf("rows = %v", got)
	}
	a := got["a"]
	if string(a.Value) != "va" || a.TypeName != "user" {
		t.Fatalf("row a = %+v", a)
	}
	// millisecond timestamps survive the round trip exactly
	if !a.CreatedAt.Equal(created) || !a.ExpiresAt.Equal(expires) {
		t.Fatalf("timestamps = %v / %v, want %v / %v", a.CreatedAt, a.ExpiresAt, created, expires)
	}
	if b := got["b"]; len(b.Value) != 0 || !b.ExpiresAt.IsZero() {
		t.Fatalf("row b = %+v", b)
	}

	if err := st.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// rows are durable across a reopen
	st2, err := sqlite.Open(ctx, sqlite.Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close(ctx)
	if got := selectKeys(t, st2, "a"); string(got["a"].Value) != "va" {
		t.Fatalf("row lost across reopen: %v", got)
	}
}

func TestUpsertLastWins(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	// the same key twice in one statement keeps the later value
	commitRows(t, st,
		backend.Element{Key: "a", TypeName: "t1", Value: []byte("old")},
		backend.Element{Key: "a", TypeName: "t2", Value: []byte("new")},
	)
	got := selectKeys(t, st, "a")["a"]
	if string(got.Value) != "new" || got.TypeName != "t2" {
		t.Fatalf("row = %+v", got)
	}

	// a later statement in the same transaction overrides again
	tx := mustBegin(t, st)
	if err := tx.Insert(ctx, []backend.Element{{Key: "a", Value: []byte("newer")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Insert(ctx, []backend.Element{{Key: "a", Value: []byte("newest")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rows, err := tx.SelectKeys(ctx, []string{"a"})
	if err != nil || len(rows) != 1 || string(rows[0].Value) != "newest" {
		t.Fatalf("in-tx rows = %v, %v", rows, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got := selectKeys(t, st, "a")["a"]; string(got.Value) != "newest" {
		t.Fatalf("row = %+v", got)
	}
}

func TestRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	commitRows(t, st, backend.Element{Key: "keep", Value: []byte("1")})

	tx := mustBegin(t, st)
	if err := tx.Insert(ctx, []backend.Element{{Key: "drop", Value: []byte("2")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.DeleteKeys(ctx, []string{"keep"}); err != nil {
		t.Fatalf("DeleteKeys: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got := selectKeys(t, st, "keep", "drop")
	if len(got) != 1 || string(got["keep"].Value) != "1" {
		t.Fatalf("rows after rollback = %v", got)
	}
}

func TestExpiryFilterAndPurge(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.Now()

	commitRows(t, st,
		backend.Element{Key: "dead", TypeName: "user", Value: []byte("1"), ExpiresAt: now.Add(-time.Hour)},
		backend.Element{Key: "live", TypeName: "user", Value: []byte("2"), ExpiresAt: now.Add(time.Hour)},
		backend.Element{Key: "forever", TypeName: "user", Value: []byte("3")},
	)

	// expired rows are invisible to every read even before the purge
	if got := selectKeys(t, st, "dead", "live", "forever"); len(got) != 2 {
		t.Fatalf("rows = %v", got)
	}
	if keys := allKeys(t, st); !reflect.DeepEqual(keys, []string{"forever", "live"}) {
		t.Fatalf("AllKeys = %v", keys)
	}
	tx := mustBegin(t, st)
	rows, err := tx.SelectTypes(ctx, []string{"user"})
	if err != nil || len(rows) != 2 {
		t.Fatalf("SelectTypes = %v, %v", rows, err)
	}
	if err := tx.DeleteExpired(ctx, time.Now()); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// the purge removed the dead row physically
	var n int
	if err := st.DB().GetContext(ctx, &n, `SELECT COUNT(*) FROM spool_cache`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("physical rows = %d, want 2", n)
	}
}

func TestTypeOperations(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	commitRows(t, st,
		backend.Element{Key: "u1", TypeName: "user", Value: []byte("1")},
		backend.Element{Key: "u2", TypeName: "user", Value: []byte("2")},
		backend.Element{Key: "s1", TypeName: "session", Value: []byte("3")},
		backend.Element{Key: "o1", TypeName: "order", Value: []byte("4")},
	)

	tx := mustBegin(t, st)
	rows, err := tx.SelectTypes(ctx, []string{"user", "order"})
	if err != nil || len(rows) != 3 {
		t.Fatalf("SelectTypes = %v, %v", rows, err)
	}
	if err := tx.DeleteTypes(ctx, []string{"user", "order"}); err != nil {
		t.Fatalf("DeleteTypes: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if keys := allKeys(t, st); !reflect.DeepEqual(keys, []string{"s1"}) {
		t.Fatalf("AllKeys = %v", keys)
	}
}

// TestChunkedStatements pushes one operation past the per-statement row cap
// so the chunked paths all run.
func TestChunkedStatements(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	const n = 501
	els := make([]backend.Element, 0, n)
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%04d", i)
		els = append(els, backend.Element{Key: k, TypeName: "bulk", Value: []byte("x")})
		keys = append(keys, k)
	}
	commitRows(t, st, els...)

	got := selectKeys(t, st, keys...)
	if len(got) != n {
		t.Fatalf("selected %d rows, want %d", len(got), n)
	}
	all := allKeys(t, st)
	if len(all) != n || !sort.StringsAreSorted(all) {
		t.Fatalf("AllKeys len=%d sorted=%v", len(all), sort.StringsAreSorted(all))
	}

	tx := mustBegin(t, st)
	if err := tx.DeleteKeys(ctx, keys); err != nil {
		t.Fatalf("DeleteKeys: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rest := allKeys(t, st); len(rest) != 0 {
		t.Fatalf("rows left after bulk delete: %v", rest)
	}
}

// TestStatementFailureKeepsTransaction: a statement that violates a
// constraint rolls back to its savepoint; the transaction and its other
// statements carry on.
func TestStatementFailureKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	tx := mustBegin(t, st)
	if err := tx.Insert(ctx, []backend.Element{{Key: "good1", Value: []byte("1")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// nil value violates NOT NULL and fails this statement only
	if err := tx.Insert(ctx, []backend.Element{{Key: "bad", Value: nil}}); err == nil {
		t.Fatal("nil value should fail the statement")
	}
	if err := tx.Insert(ctx, []backend.Element{{Key: "good2", Value: []byte("2")}}); err != nil {
		t.Fatalf("Insert after failed statement: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit after failed statement: %v", err)
	}

	got := selectKeys(t, st, "good1", "bad", "good2")
	if len(got) != 2 {
		t.Fatalf("rows = %v", got)
	}

	// rollback granularity is the whole statement: a good row sharing a
	// statement with a bad one does not land either
	tx = mustBegin(t, st)
	err := tx.Insert(ctx, []backend.Element{
		{Key: "sib", Value: []byte("3")},
		{Key: "bad2", Value: nil},
	})
	if err == nil {
		t.Fatal("mixed statement should fail")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := selectKeys(t, st, "sib"); len(got) != 0 {
		t.Fatalf("sibling of failed row landed: %v", got)
	}
}

func TestDeleteAllThenInsert(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	commitRows(t, st,
		backend.Element{Key: "a", Value: []byte("1")},
		backend.Element{Key: "b", Value: []byte("2")},
	)

	tx := mustBegin(t, st)
	if err := tx.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if err := tx.Insert(ctx, []backend.Element{{Key: "c", Value: []byte("3")}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if keys := allKeys(t, st); !reflect.DeepEqual(keys, []string{"c"}) {
		t.Fatalf("AllKeys = %v", keys)
	}
}

func TestVacuumCompacts(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	els := make([]backend.Element, 0, 100)
	for i := 0; i < 100; i++ {
		els = append(els, backend.Element{Key: fmt.Sprintf("k%03d", i), Value: []byte("payload")})
	}
	commitRows(t, st, els...)

	tx := mustBegin(t, st)
	if err := tx.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := st.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if keys := allKeys(t, st); len(keys) != 0 {
		t.Fatalf("rows after vacuum: %v", keys)
	}
}
