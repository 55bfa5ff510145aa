// Package bigcache adapts allegro/bigcache as a spoolcache front store.
//
// Bigcache expires whole generations via its LifeWindow; the per-entry
// ttl passed to Set is ignored. That is fine for a front tier: an entry
// outliving its row TTL is filtered on read by the cache facade.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/spoolcache/spoolcache/front"
)

type Store struct {
	c *bc.BigCache
}

var _ front.Store = (*Store)(nil)

type Config struct {
	// LifeWindow bounds how long any entry may live. Required.
	LifeWindow time.Duration
	// CleanWindow is how often expired generations are swept.
	// Zero keeps bigcache's default.
	CleanWindow time.Duration
	// MaxEntriesInWindow and MaxEntrySize size the initial allocation.
	MaxEntriesInWindow int
	MaxEntrySize       int
	// HardMaxCacheSizeMB caps total memory. Zero means unbounded.
	HardMaxCacheSizeMB int
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.LifeWindow <= 0 {
		return nil, errors.New("bigcache: LifeWindow must be positive")
	}
	bcfg := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		bcfg.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		bcfg.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		bcfg.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		bcfg.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, bcfg)
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(key string) ([]byte, bool) {
	b, err := s.c.Get(key)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *Store) Set(key string, value []byte, _ time.Duration) {
	_ = s.c.Set(key, value)
}

func (s *Store) Del(key string) {
	_ = s.c.Delete(key)
}

func (s *Store) Clear() {
	_ = s.c.Reset()
}

func (s *Store) Close() error {
	return s.c.Close()
}
