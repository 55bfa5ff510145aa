// Package sqlkv implements the spoolcache backend on a SQL database through
// sqlx. It carries the shared row schema and queries; the sqlite and postgres
// packages open a ready database and hand it here.
//
// Rows live in one table, spool_cache, keyed by the row key with an index on
// type_name for the by-type operations. Timestamps are stored as Unix
// milliseconds; expires_at 0 means the row never expires. Statement failures
// roll back to a per-statement savepoint so the surrounding batch transaction
// stays usable.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spoolcache/spoolcache/backend"
)

// Dialect selects the schema variant. The queries themselves are written
// once with ? placeholders and rebound per driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// chunk bounds rows per statement. 500 rows keeps the placeholder count
// well under both sqlite's and postgres' limits.
const chunk = 500

type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

var _ backend.Backend = (*Store)(nil)

// New ensures the schema exists and wraps db as a Backend. The store owns
// db from here on; Close closes it.
func New(ctx context.Context, db *sqlx.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlkv: db is required")
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("sqlkv: unknown dialect %q", dialect)
	}
	s := &Store{db: db, dialect: dialect}
	for _, ddl := range s.schema() {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("sqlkv: ensure schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) schema() []string {
	valueType := "BLOB"
	if s.dialect == DialectPostgres {
		valueType = "BYTEA"
	}
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS spool_cache (
				key        TEXT PRIMARY KEY,
				type_name  TEXT NOT NULL DEFAULT '',
				value      %s NOT NULL,
				created_at BIGINT NOT NULL DEFAULT 0,
				expires_at BIGINT NOT NULL DEFAULT 0
			)`, valueType),
		`CREATE INDEX IF NOT EXISTS spool_cache_type_idx ON spool_cache (type_name)`,
	}
}

func (s *Store) Begin(ctx context.Context) (backend.Tx, error) {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlkv: begin: %w", err)
	}
	return &tx{db: s.db, tx: txx}, nil
}

// Vacuum compacts the database file. Runs on the raw connection because
// neither sqlite nor postgres allows VACUUM inside a transaction.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("sqlkv: vacuum: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// DB exposes the underlying handle for integrations that manage their own
// schema or metrics around it.
func (s *Store) DB() *sqlx.DB { return s.db }

type row struct {
	Key       string `db:"key"`
	TypeName  string `db:"type_name"`
	Value     []byte `db:"value"`
	CreatedAt int64  `db:"created_at"`
	ExpiresAt int64  `db:"expires_at"`
}

func (r row) element() backend.Element {
	return backend.Element{
		Key:       r.Key,
		TypeName:  r.TypeName,
		Value:     r.Value,
		CreatedAt: fromMillis(r.CreatedAt),
		ExpiresAt: fromMillis(r.ExpiresAt),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type tx struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

var _ backend.Tx = (*tx)(nil)

// withSavepoint shields the transaction from one statement's failure.
// Without it a single errored statement aborts the whole postgres
// transaction and the rest of the batch with it.
func (t *tx) withSavepoint(ctx context.Context, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT spool_stmt"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_, _ = t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT spool_stmt")
		_, _ = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT spool_stmt")
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT spool_stmt"); err != nil {
		return err
	}
	return nil
}

func (t *tx) Insert(ctx context.Context, elems []backend.Element) error {
	elems = dedupLast(elems)
	return t.withSavepoint(ctx, func() error {
		for start := 0; start < len(elems); start += chunk {
			end := start + chunk
			if end > len(elems) {
				end = len(elems)
			}
			if err := t.insertChunk(ctx, elems[start:end]); err != nil {
				return fmt.Errorf("sqlkv: insert: %w", err)
			}
		}
		return nil
	})
}

func (t *tx) insertChunk(ctx context.Context, elems []backend.Element) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO spool_cache (key, type_name, value, created_at, expires_at) VALUES `)
	args := make([]any, 0, len(elems)*5)
	for i, el := range elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, el.Key, el.TypeName, el.Value, toMillis(el.CreatedAt), toMillis(el.ExpiresAt))
	}
	sb.WriteString(` ON CONFLICT (key) DO UPDATE SET
		type_name  = excluded.type_name,
		value      = excluded.value,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`)

	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(sb.String()), args...)
	return err
}

// dedupLast keeps the last occurrence per key. A multi-VALUES upsert may
// not touch the same row twice, so the collapse the queue normally does
// is enforced here as well.
func dedupLast(elems []backend.Element) []backend.Element {
	seen := make(map[string]struct{}, len(elems))
	out := make([]backend.Element, 0, len(elems))
	for i := len(elems) - 1; i >= 0; i-- {
		if _, ok := seen[elems[i].Key]; ok {
			continue
		}
		seen[elems[i].Key] = struct{}{}
		out = append(out, elems[i])
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func (t *tx) SelectKeys(ctx context.Context, keys []string) ([]backend.Element, error) {
	return t.selectIn(ctx, "key", keys)
}

func (t *tx) SelectTypes(ctx context.Context, typeNames []string) ([]backend.Element, error) {
	return t.selectIn(ctx, "type_name", typeNames)
}

func (t *tx) selectIn(ctx context.Context, column string, values []string) ([]backend.Element, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var out []backend.Element
	now := toMillis(time.Now())
	err := t.withSavepoint(ctx, func() error {
		for start := 0; start < len(values); start += chunk {
			end := start + chunk
			if end > len(values) {
				end = len(values)
			}
			query, args, err := sqlx.In(`
				SELECT key, type_name, value, created_at, expires_at
				FROM spool_cache
				WHERE `+column+` IN (?) AND (expires_at = 0 OR expires_at > ?)`,
				values[start:end], now)
			if err != nil {
				return fmt.Errorf("sqlkv: select %s: %w", column, err)
			}
			var rows []row
			if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("sqlkv: select %s: %w", column, err)
			}
			for _, r := range rows {
				out = append(out, r.element())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) DeleteKeys(ctx context.Context, keys []string) error {
	return t.deleteIn(ctx, "key", keys)
}

func (t *tx) DeleteTypes(ctx context.Context, typeNames []string) error {
	return t.deleteIn(ctx, "type_name", typeNames)
}

func (t *tx) deleteIn(ctx context.Context, column string, values []string) error {
	if len(values) == 0 {
		return nil
	}
	return t.withSavepoint(ctx, func() error {
		for start := 0; start < len(values); start += chunk {
			end := start + chunk
			if end > len(values) {
				end = len(values)
			}
			query, args, err := sqlx.In(`DELETE FROM spool_cache WHERE `+column+` IN (?)`, values[start:end])
			if err != nil {
				return fmt.Errorf("sqlkv: delete %s: %w", column, err)
			}
			if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("sqlkv: delete %s: %w", column, err)
			}
		}
		return nil
	})
}

func (t *tx) DeleteAll(ctx context.Context) error {
	return t.withSavepoint(ctx, func() error {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM spool_cache`); err != nil {
			return fmt.Errorf("sqlkv: delete all: %w", err)
		}
		return nil
	})
}

func (t *tx) DeleteExpired(ctx context.Context, now time.Time) error {
	return t.withSavepoint(ctx, func() error {
		q := t.tx.Rebind(`DELETE FROM spool_cache WHERE expires_at <> 0 AND expires_at <= ?`)
		if _, err := t.tx.ExecContext(ctx, q, toMillis(now)); err != nil {
			return fmt.Errorf("sqlkv: delete expired: %w", err)
		}
		return nil
	})
}

func (t *tx) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := t.withSavepoint(ctx, func() error {
		q := t.tx.Rebind(`
			SELECT key FROM spool_cache
			WHERE expires_at = 0 OR expires_at > ?
			ORDER BY key`)
		if err := t.tx.SelectContext(ctx, &keys, q, toMillis(time.Now())); err != nil {
			return fmt.Errorf("sqlkv: all keys: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlkv: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
