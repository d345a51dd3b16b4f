package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kieran-voss/fluxflag/core"
)

// versionRowID is the single row id store_version always uses; the table
// holds exactly one row, the store's top-level VersionVector.
const versionRowID = 1

// Postgres is the durable, pgx-backed Store implementation. Unlike Memory
// it may block on I/O and every operation takes a context the caller can
// cancel.
type Postgres struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

// NewPostgres constructs a Postgres store over an already-connected pool.
// Callers are expected to have applied the embedded goose migrations
// (see the migrations package) before first use.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, clock: time.Now}
}

type flagRow struct {
	FlagJSON json.RawMessage
	MetaJSON json.RawMessage
}

func (p *Postgres) Get(ctx context.Context, key string) (FlagWithMeta, bool, error) {
	var row flagRow
	err := p.pool.QueryRow(ctx, `SELECT flag_json, meta_json FROM flags WHERE key = $1`, key).Scan(&row.FlagJSON, &row.MetaJSON)
	if err == pgx.ErrNoRows {
		return FlagWithMeta{}, false, nil
	}
	if err != nil {
		return FlagWithMeta{}, false, fmt.Errorf("store: postgres get %q: %w", key, err)
	}
	entry, err := decodeFlagRow(row)
	if err != nil {
		return FlagWithMeta{}, false, fmt.Errorf("store: postgres get %q: %w", key, err)
	}
	return entry, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, entry FlagWithMeta) error {
	flagJSON, metaJSON, err := encodeFlagEntry(entry)
	if err != nil {
		return fmt.Errorf("store: postgres set %q: %w", key, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO flags (key, flag_json, meta_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET flag_json = $2, meta_json = $3
	`, key, flagJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("store: postgres set %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("store: postgres delete %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM flags WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: postgres has %q: %w", key, err)
	}
	return exists, nil
}

func (p *Postgres) List(ctx context.Context) ([]FlagWithMeta, error) {
	rows, err := p.pool.Query(ctx, `SELECT flag_json, meta_json FROM flags`)
	if err != nil {
		return nil, fmt.Errorf("store: postgres list: %w", err)
	}
	defer rows.Close()

	var out []FlagWithMeta
	for rows.Next() {
		var row flagRow
		if err := rows.Scan(&row.FlagJSON, &row.MetaJSON); err != nil {
			return nil, fmt.Errorf("store: postgres list: %w", err)
		}
		entry, err := decodeFlagRow(row)
		if err != nil {
			return nil, fmt.Errorf("store: postgres list: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: postgres list: %w", err)
	}
	return out, nil
}

func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM flags`)
	if err != nil {
		return nil, fmt.Errorf("store: postgres keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: postgres keys: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM flags`).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: postgres count: %w", err)
	}
	return count, nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE flags`); err != nil {
		return fmt.Errorf("store: postgres clear: %w", err)
	}
	return nil
}

func (p *Postgres) GetVersion(ctx context.Context) (core.VersionVector, error) {
	var encoded string
	err := p.pool.QueryRow(ctx, `SELECT version FROM store_version WHERE id = $1`, versionRowID).Scan(&encoded)
	if err == pgx.ErrNoRows {
		return core.Make("", "postgres-store", p.clock().UnixMilli()), nil
	}
	if err != nil {
		return core.VersionVector{}, fmt.Errorf("store: postgres get version: %w", err)
	}
	vv, err := core.ParseVersionVector(encoded)
	if err != nil {
		return core.VersionVector{}, fmt.Errorf("store: postgres get version: %w", err)
	}
	return vv, nil
}

func (p *Postgres) SetVersion(ctx context.Context, version core.VersionVector) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO store_version (id, version)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET version = $2
	`, versionRowID, version.String())
	if err != nil {
		return fmt.Errorf("store: postgres set version: %w", err)
	}
	return nil
}

// Compact issues VACUUM (ANALYZE) against the flags table. It cannot run
// inside a transaction, so it uses the pool directly rather than a pgx.Tx.
func (p *Postgres) Compact(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `VACUUM (ANALYZE) flags`); err != nil {
		return fmt.Errorf("store: postgres compact: %w", err)
	}
	return nil
}

// Flush is a no-op: pgx commits each statement as soon as Exec/QueryRow
// returns when there is no explicit transaction in progress, so there is
// nothing buffered for Flush to force out.
func (p *Postgres) Flush(_ context.Context) error {
	return nil
}

func (p *Postgres) Merge(ctx context.Context, remote []FlagWithMeta) (int, error) {
	if len(remote) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: postgres merge: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	local := make(map[string]FlagWithMeta, len(remote))
	for _, entry := range remote {
		var row flagRow
		err := tx.QueryRow(ctx, `SELECT flag_json, meta_json FROM flags WHERE key = $1`, entry.Flag.Key).Scan(&row.FlagJSON, &row.MetaJSON)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("store: postgres merge: read %q: %w", entry.Flag.Key, err)
		}
		decoded, err := decodeFlagRow(row)
		if err != nil {
			return 0, fmt.Errorf("store: postgres merge: decode %q: %w", entry.Flag.Key, err)
		}
		local[entry.Flag.Key] = decoded
	}

	accepted := DecideMergeWrites(func(key string) (FlagWithMeta, bool) {
		entry, ok := local[key]
		return entry, ok
	}, remote)

	for _, entry := range accepted {
		flagJSON, metaJSON, err := encodeFlagEntry(entry)
		if err != nil {
			return 0, fmt.Errorf("store: postgres merge: encode %q: %w", entry.Flag.Key, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO flags (key, flag_json, meta_json)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET flag_json = $2, meta_json = $3
		`, entry.Flag.Key, flagJSON, metaJSON)
		if err != nil {
			return 0, fmt.Errorf("store: postgres merge: write %q: %w", entry.Flag.Key, err)
		}
	}

	if len(accepted) > 0 {
		version, err := p.getVersionTx(ctx, tx)
		if err != nil {
			return 0, fmt.Errorf("store: postgres merge: %w", err)
		}
		version = core.Increment(version, mergeSeed, p.clock().UnixMilli())
		if _, err := tx.Exec(ctx, `
			INSERT INTO store_version (id, version)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET version = $2
		`, versionRowID, version.String()); err != nil {
			return 0, fmt.Errorf("store: postgres merge: bump version: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: postgres merge: commit: %w", err)
	}
	return len(accepted), nil
}

func (p *Postgres) getVersionTx(ctx context.Context, tx pgx.Tx) (core.VersionVector, error) {
	var encoded string
	err := tx.QueryRow(ctx, `SELECT version FROM store_version WHERE id = $1`, versionRowID).Scan(&encoded)
	if err == pgx.ErrNoRows {
		return core.Make("", "postgres-store", p.clock().UnixMilli()), nil
	}
	if err != nil {
		return core.VersionVector{}, err
	}
	return core.ParseVersionVector(encoded)
}

func encodeFlagEntry(entry FlagWithMeta) (flagJSON, metaJSON []byte, err error) {
	flagJSON, err = json.Marshal(entry.Flag)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal flag: %w", err)
	}
	metaJSON, err = json.Marshal(entry.Meta)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal meta: %w", err)
	}
	return flagJSON, metaJSON, nil
}

func decodeFlagRow(row flagRow) (FlagWithMeta, error) {
	var entry FlagWithMeta
	if err := json.Unmarshal(row.FlagJSON, &entry.Flag); err != nil {
		return FlagWithMeta{}, fmt.Errorf("unmarshal flag: %w", err)
	}
	if err := json.Unmarshal(row.MetaJSON, &entry.Meta); err != nil {
		return FlagWithMeta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return entry, nil
}
