// Package lru adapts hashicorp/golang-lru as a spoolcache front store.
//
// A plain LRU has no TTL machinery at all, which keeps it the cheapest
// front option: stale entries are filtered on read by the cache facade,
// so the only cost of ignoring ttl is wasted slots.
package lru

import (
	"time"

	hlru "github.com/hashicorp/golang-lru/v2"

	"github.com/spoolcache/spoolcache/front"
)

type Store struct {
	c *hlru.Cache[string, []byte]
}

var _ front.Store = (*Store)(nil)

// New builds a fixed-size LRU front. Size must be positive.
func New(size int) (*Store, error) {
	c, err := hlru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(key string) ([]byte, bool) {
	return s.c.Get(key)
}

func (s *Store) Set(key string, value []byte, _ time.Duration) {
	s.c.Add(key, value)
}

func (s *Store) Del(key string) {
	s.c.Remove(key)
}

func (s *Store) Clear() {
	s.c.Purge()
}

func (s *Store) Close() error { return nil }
