// Package memory is an in-process Backend for tests and ephemeral caches.
//
// Transactions clone the row map on Begin and swap it back on Commit, so a
// rolled-back transaction leaves no trace and a committed one publishes all
// its statements at once. Begin serializes: the store admits one open
// transaction at a time.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/spoolcache/spoolcache/backend"
)

var ErrClosed = errors.New("memory: store closed")

type Store struct {
	// txMu is held from Begin to Commit/Rollback.
	txMu sync.Mutex

	mu     sync.RWMutex
	rows   map[string]backend.Element
	closed bool

	now func() time.Time
}

var _ backend.Backend = (*Store)(nil)

// Options tune a Store. The zero value is ready to use.
type Options struct {
	// Clock overrides time.Now for expiry checks. Tests use it.
	Clock func() time.Time
}

func New(opts Options) *Store {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{rows: make(map[string]backend.Element), now: now}
}

func (s *Store) Begin(ctx context.Context) (backend.Tx, error) {
	s.txMu.Lock()
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		s.txMu.Unlock()
		return nil, ErrClosed
	}
	work := make(map[string]backend.Element, len(s.rows))
	for k, v := range s.rows {
		work[k] = v
	}
	s.mu.RUnlock()
	return &tx{s: s, work: work}, nil
}

// Vacuum rebuilds the row map so deleted keys stop holding bucket space.
func (s *Store) Vacuum(ctx context.Context) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fresh := make(map[string]backend.Element, len(s.rows))
	for k, v := range s.rows {
		fresh[k] = v
	}
	s.rows = fresh
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.rows = nil
	return nil
}

// Len reports the live row count. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, el := range s.rows {
		if !el.Expired(s.now()) {
			n++
		}
	}
	return n
}

type tx struct {
	s    *Store
	work map[string]backend.Element
	done bool
}

var _ backend.Tx = (*tx)(nil)

func (t *tx) Insert(ctx context.Context, els []backend.Element) error {
	for _, el := range els {
		t.work[el.Key] = el
	}
	return nil
}

func (t *tx) SelectKeys(ctx context.Context, keys []string) ([]backend.Element, error) {
	now := t.s.now()
	out := make([]backend.Element, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if el, ok := t.work[k]; ok && !el.Expired(now) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (t *tx) SelectTypes(ctx context.Context, typeNames []string) ([]backend.Element, error) {
	now := t.s.now()
	want := make(map[string]bool, len(typeNames))
	for _, tn := range typeNames {
		want[tn] = true
	}
	var out []backend.Element
	for _, el := range t.work {
		if want[el.TypeName] && !el.Expired(now) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (t *tx) DeleteKeys(ctx context.Context, keys []string) error {
	for _, k := range keys {
		delete(t.work, k)
	}
	return nil
}

func (t *tx) DeleteTypes(ctx context.Context, typeNames []string) error {
	want := make(map[string]bool, len(typeNames))
	for _, tn := range typeNames {
		want[tn] = true
	}
	for k, el := range t.work {
		if want[el.TypeName] {
			delete(t.work, k)
		}
	}
	return nil
}

func (t *tx) DeleteAll(ctx context.Context) error {
	t.work = make(map[string]backend.Element)
	return nil
}

func (t *tx) DeleteExpired(ctx context.Context, now time.Time) error {
	for k, el := range t.work {
		if el.Expired(now) {
			delete(t.work, k)
		}
	}
	return nil
}

func (t *tx) AllKeys(ctx context.Context) ([]string, error) {
	now := t.s.now()
	out := make([]string, 0, len(t.work))
	for k, el := range t.work {
		if !el.Expired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	if !t.s.closed {
		t.s.rows = t.work
	}
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}
