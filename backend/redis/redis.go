// Package redis implements the spoolcache backend on Redis through go-redis.
//
// Rows are stored wire-framed under prefix:row:<key> with a native PX expiry
// when the row expires. Two kinds of sets index them: prefix:keys holds every
// row key and prefix:type:<name> holds the keys of one type, with
// prefix:types as the registry of known type names. The sets are hints, the
// rows are truth: reads always fetch and decode the row and filter by its
// actual type and expiry, so a stale set member costs a lookup, never a wrong
// answer. DeleteExpired and Vacuum prune the hints back down.
//
// Redis has no interactive transactions, so a Tx stages its writes in an
// overlay that reads consult first, and Commit replays the overlay through
// one MULTI/EXEC pipeline. A failed pipeline fails the whole batch, which is
// what the queue's requeue path expects.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/spoolcache/spoolcache/backend"
	"github.com/spoolcache/spoolcache/internal/wire"
)

var ErrNilClient = errors.New("redis backend: nil client")

// mgetChunk bounds keys per MGET and members per SREM.
const mgetChunk = 500

type Store struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
	now         func() time.Time
}

var _ backend.Backend = (*Store)(nil)

type Options struct {
	// Required.
	Client goredis.UniversalClient

	// KeyPrefix namespaces every key this backend touches. Default "spool".
	KeyPrefix string

	// CloseClient: set true only if this backend exclusively owns the client.
	CloseClient bool

	// Clock overrides time.Now for expiry checks. Tests use it.
	Clock func() time.Time
}

func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, ErrNilClient
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "spool"
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{rdb: opts.Client, prefix: prefix, closeClient: opts.CloseClient, now: now}, nil
}

func (s *Store) rowKey(k string) string   { return s.prefix + ":row:" + k }
func (s *Store) keysKey() string          { return s.prefix + ":keys" }
func (s *Store) typeKey(tn string) string { return s.prefix + ":type:" + tn }
func (s *Store) typesKey() string         { return s.prefix + ":types" }

func (s *Store) Begin(ctx context.Context) (backend.Tx, error) {
	return &tx{
		s:         s,
		ctx:       ctx,
		overlay:   make(map[string]*stagedRow),
		dropTypes: make(map[string]bool),
	}, nil
}

// Vacuum prunes index hints whose row is gone or has moved to another type,
// and drops type registry entries whose set emptied out. Row data is never
// touched; Redis reaps expired rows itself.
func (s *Store) Vacuum(ctx context.Context) error {
	members, err := s.scanSet(ctx, s.keysKey())
	if err != nil {
		return err
	}
	gone, _, err := s.partitionByRow(ctx, members, "")
	if err != nil {
		return err
	}
	if err := s.sremChunked(ctx, s.keysKey(), gone); err != nil {
		return err
	}

	types, err := s.scanSet(ctx, s.typesKey())
	if err != nil {
		return err
	}
	for _, tn := range types {
		tmembers, err := s.scanSet(ctx, s.typeKey(tn))
		if err != nil {
			return err
		}
		dead, _, err := s.partitionByRow(ctx, tmembers, tn)
		if err != nil {
			return err
		}
		if err := s.sremChunked(ctx, s.typeKey(tn), dead); err != nil {
			return err
		}
		n, err := s.rdb.SCard(ctx, s.typeKey(tn)).Result()
		if err != nil {
			return fmt.Errorf("redis backend: scard: %w", err)
		}
		if n == 0 {
			if err := s.rdb.SRem(ctx, s.typesKey(), tn).Err(); err != nil {
				return fmt.Errorf("redis backend: srem: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// scanSet collects all members of a set via SSCAN.
func (s *Store) scanSet(ctx context.Context, key string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.SScan(ctx, key, cursor, "", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("redis backend: sscan %s: %w", key, err)
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// partitionByRow splits set members into hints to drop and keys whose row is
// live. A member is dropped when its row is missing, undecodable, or (when
// wantType is non-empty for a type set) tagged with a different type now.
func (s *Store) partitionByRow(ctx context.Context, members []string, wantType string) (drop, keep []string, err error) {
	for start := 0; start < len(members); start += mgetChunk {
		end := start + mgetChunk
		if end > len(members) {
			end = len(members)
		}
		chunk := members[start:end]
		rowKeys := make([]string, len(chunk))
		for i, k := range chunk {
			rowKeys[i] = s.rowKey(k)
		}
		vals, err := s.rdb.MGet(ctx, rowKeys...).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("redis backend: mget: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				drop = append(drop, chunk[i])
				continue
			}
			el, derr := wire.DecodeRow([]byte(str))
			if derr != nil || (wantType != "" && el.TypeName != wantType) {
				drop = append(drop, chunk[i])
				continue
			}
			keep = append(keep, chunk[i])
		}
	}
	return drop, keep, nil
}

func (s *Store) sremChunked(ctx context.Context, setKey string, members []string) error {
	for start := 0; start < len(members); start += mgetChunk {
		end := start + mgetChunk
		if end > len(members) {
			end = len(members)
		}
		if err := s.rdb.SRem(ctx, setKey, anySlice(members[start:end])...).Err(); err != nil {
			return fmt.Errorf("redis backend: srem: %w", err)
		}
	}
	return nil
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// stagedRow is one overlay entry: the element plus its wire encoding, built
// when the write was staged so Commit can't fail per-row.
type stagedRow struct {
	el  backend.Element
	raw []byte
}

type tx struct {
	s   *Store
	ctx context.Context // Commit carries no context of its own

	// overlay maps row key to its staged state; nil means staged delete.
	// Reads consult it before Redis so earlier writes in the batch are
	// observable.
	overlay    map[string]*stagedRow
	allDeleted bool
	srems      []string // dangling keys-set members found by DeleteExpired
	dropTypes  map[string]bool
	done       bool
}

var _ backend.Tx = (*tx)(nil)

func (t *tx) Insert(ctx context.Context, elems []backend.Element) error {
	// encode everything first so a bad element fails the descriptor before
	// anything is staged
	rows := make([]stagedRow, len(elems))
	for i, el := range elems {
		raw, err := wire.EncodeRow(el)
		if err != nil {
			return fmt.Errorf("redis backend: encode %q: %w", el.Key, err)
		}
		rows[i] = stagedRow{el: el, raw: raw}
	}
	for i := range rows {
		t.overlay[rows[i].el.Key] = &rows[i]
	}
	return nil
}

func (t *tx) SelectKeys(ctx context.Context, keys []string) ([]backend.Element, error) {
	uniq := dedup(keys)
	base := map[string]backend.Element{}
	if !t.allDeleted {
		var err error
		base, err = t.liveRows(ctx, uniq)
		if err != nil {
			return nil, err
		}
	}
	now := t.s.now()
	out := make([]backend.Element, 0, len(uniq))
	for _, k := range uniq {
		if staged, ok := t.overlay[k]; ok {
			if staged != nil && !staged.el.Expired(now) {
				out = append(out, staged.el)
			}
			continue
		}
		if el, ok := base[k]; ok {
			out = append(out, el)
		}
	}
	return out, nil
}

func (t *tx) SelectTypes(ctx context.Context, typeNames []string) ([]backend.Element, error) {
	if len(typeNames) == 0 {
		return nil, nil
	}
	want := stringSet(typeNames)
	rows := map[string]backend.Element{}
	if !t.allDeleted {
		members, err := t.typeMembers(ctx, typeNames)
		if err != nil {
			return nil, err
		}
		base, err := t.liveRows(ctx, members)
		if err != nil {
			return nil, err
		}
		for k, el := range base {
			if want[el.TypeName] {
				rows[k] = el
			}
		}
	}
	now := t.s.now()
	for k, staged := range t.overlay {
		if staged == nil || !want[staged.el.TypeName] || staged.el.Expired(now) {
			delete(rows, k)
			continue
		}
		rows[k] = staged.el
	}
	out := make([]backend.Element, 0, len(rows))
	for _, el := range rows {
		out = append(out, el)
	}
	return out, nil
}

func (t *tx) DeleteKeys(ctx context.Context, keys []string) error {
	for _, k := range keys {
		t.overlay[k] = nil
	}
	return nil
}

func (t *tx) DeleteTypes(ctx context.Context, typeNames []string) error {
	if len(typeNames) == 0 {
		return nil
	}
	want := stringSet(typeNames)
	if !t.allDeleted {
		members, err := t.typeMembers(ctx, typeNames)
		if err != nil {
			return err
		}
		base, err := t.liveRows(ctx, members)
		if err != nil {
			return err
		}
		for k, el := range base {
			if want[el.TypeName] {
				t.overlay[k] = nil
			}
		}
	}
	for k, staged := range t.overlay {
		if staged != nil && want[staged.el.TypeName] {
			t.overlay[k] = nil
		}
	}
	for _, tn := range typeNames {
		t.dropTypes[tn] = true
	}
	return nil
}

func (t *tx) DeleteAll(ctx context.Context) error {
	t.allDeleted = true
	t.overlay = make(map[string]*stagedRow)
	t.dropTypes = make(map[string]bool)
	t.srems = nil
	return nil
}

// DeleteExpired stages removal of rows whose wire expiry has passed and of
// keys-set hints whose row Redis already reaped.
func (t *tx) DeleteExpired(ctx context.Context, now time.Time) error {
	if t.allDeleted {
		return nil
	}
	members, err := t.s.scanSet(ctx, t.s.keysKey())
	if err != nil {
		return err
	}
	for start := 0; start < len(members); start += mgetChunk {
		end := start + mgetChunk
		if end > len(members) {
			end = len(members)
		}
		chunk := members[start:end]
		rowKeys := make([]string, len(chunk))
		for i, k := range chunk {
			rowKeys[i] = t.s.rowKey(k)
		}
		vals, err := t.s.rdb.MGet(ctx, rowKeys...).Result()
		if err != nil {
			return fmt.Errorf("redis backend: mget: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				t.srems = append(t.srems, chunk[i])
				continue
			}
			el, derr := wire.DecodeRow([]byte(str))
			if derr == nil && el.Expired(now) {
				t.overlay[chunk[i]] = nil
			}
		}
	}
	return nil
}

func (t *tx) AllKeys(ctx context.Context) ([]string, error) {
	live := map[string]bool{}
	if !t.allDeleted {
		members, err := t.s.scanSet(ctx, t.s.keysKey())
		if err != nil {
			return nil, err
		}
		base, err := t.liveRows(ctx, members)
		if err != nil {
			return nil, err
		}
		for k := range base {
			live[k] = true
		}
	}
	now := t.s.now()
	for k, staged := range t.overlay {
		if staged == nil || staged.el.Expired(now) {
			delete(live, k)
			continue
		}
		live[k] = true
	}
	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Commit replays the staged effects through one MULTI/EXEC pipeline:
// wholesale deletions first, then per-key deletions, then upserts, so a key
// deleted and re-inserted inside one batch survives.
func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	ctx := t.ctx
	pipe := t.s.rdb.TxPipeline()

	if t.allDeleted {
		members, err := t.s.scanSet(ctx, t.s.keysKey())
		if err != nil {
			return err
		}
		for start := 0; start < len(members); start += mgetChunk {
			end := start + mgetChunk
			if end > len(members) {
				end = len(members)
			}
			rowKeys := make([]string, 0, end-start)
			for _, k := range members[start:end] {
				rowKeys = append(rowKeys, t.s.rowKey(k))
			}
			pipe.Del(ctx, rowKeys...)
		}
		types, err := t.s.scanSet(ctx, t.s.typesKey())
		if err != nil {
			return err
		}
		for _, tn := range types {
			pipe.Del(ctx, t.s.typeKey(tn))
		}
		pipe.Del(ctx, t.s.keysKey(), t.s.typesKey())
	}

	for tn := range t.dropTypes {
		pipe.Del(ctx, t.s.typeKey(tn))
	}
	if len(t.srems) > 0 {
		for start := 0; start < len(t.srems); start += mgetChunk {
			end := start + mgetChunk
			if end > len(t.srems) {
				end = len(t.srems)
			}
			pipe.SRem(ctx, t.s.keysKey(), anySlice(t.srems[start:end])...)
		}
	}

	for k, staged := range t.overlay {
		if staged == nil {
			pipe.Del(ctx, t.s.rowKey(k))
			pipe.SRem(ctx, t.s.keysKey(), k)
		}
	}

	now := t.s.now()
	for k, staged := range t.overlay {
		if staged == nil {
			continue
		}
		var px time.Duration
		if !staged.el.ExpiresAt.IsZero() {
			px = staged.el.ExpiresAt.Sub(now)
			if px <= 0 {
				// born dead: the upsert still supersedes whatever was there
				pipe.Del(ctx, t.s.rowKey(k))
				pipe.SRem(ctx, t.s.keysKey(), k)
				continue
			}
		}
		pipe.Set(ctx, t.s.rowKey(k), staged.raw, px)
		pipe.SAdd(ctx, t.s.keysKey(), k)
		pipe.SAdd(ctx, t.s.typeKey(staged.el.TypeName), k)
		pipe.SAdd(ctx, t.s.typesKey(), staged.el.TypeName)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis backend: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

// liveRows fetches and decodes rows for the given logical keys, dropping
// missing, undecodable and expired ones. The overlay is not consulted.
func (t *tx) liveRows(ctx context.Context, keys []string) (map[string]backend.Element, error) {
	out := make(map[string]backend.Element, len(keys))
	now := t.s.now()
	for start := 0; start < len(keys); start += mgetChunk {
		end := start + mgetChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		rowKeys := make([]string, len(chunk))
		for i, k := range chunk {
			rowKeys[i] = t.s.rowKey(k)
		}
		vals, err := t.s.rdb.MGet(ctx, rowKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis backend: mget: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			el, derr := wire.DecodeRow([]byte(str))
			if derr != nil || el.Expired(now) {
				continue
			}
			out[chunk[i]] = el
		}
	}
	return out, nil
}

func (t *tx) typeMembers(ctx context.Context, typeNames []string) ([]string, error) {
	setKeys := make([]string, len(typeNames))
	for i, tn := range typeNames {
		setKeys[i] = t.s.typeKey(tn)
	}
	members, err := t.s.rdb.SUnion(ctx, setKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis backend: sunion: %w", err)
	}
	return members, nil
}

func dedup(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func stringSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
