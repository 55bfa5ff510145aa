// Package ristretto adapts dgraph-io/ristretto as a spoolcache front store.
package ristretto

import (
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/spoolcache/spoolcache/front"
)

type Store struct {
	c *rc.Cache
}

var _ front.Store = (*Store)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(key string) ([]byte, bool) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	if b == nil {
		// drop unexpected entry shape
		s.c.Del(key)
		return nil, false
	}
	return b, true
}

// Set stores value with cost = row size. Ristretto admits asynchronously;
// a rejected write is just a miss later.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	cost := int64(len(key) + len(value))
	if ttl > 0 {
		s.c.SetWithTTL(key, value, cost, ttl)
		return
	}
	s.c.Set(key, value, cost)
}

func (s *Store) Del(key string) {
	s.c.Del(key)
}

func (s *Store) Clear() {
	s.c.Clear()
}

func (s *Store) Close() error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// Metrics exposes ristretto's counters for the host application.
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }
