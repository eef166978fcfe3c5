// Package rawstore implements the append-only raw snapshot store (C2) and
// its cursor/dedup queries (C7), backed by Postgres via pgx.
package rawstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/pkg/fn"
)

// Store is a raw-snapshot table (raw.entities or raw.versions). Both
// tables share the same columns and the same cursor predicate, so one
// implementation serves either by construction-time table name.
type Store struct {
	pool  *pgxpool.Pool
	table string // fully qualified, e.g. "raw.versions"
}

// New builds a Store bound to the given fully-qualified table name.
func New(pool *pgxpool.Pool, table string) *Store {
	return &Store{pool: pool, table: table}
}

// LatestCursor returns the greatest stored cursor for kind, or (zero,
// false, nil) if the kind has no rows yet.
func (s *Store) LatestCursor(ctx context.Context, kind string) (cursor.Cursor, bool, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT valid_from, entity_id FROM %s WHERE kind = $1
		 ORDER BY valid_from DESC, entity_id DESC LIMIT 1`, s.table),
		kind,
	)
	var c cursor.Cursor
	if err := row.Scan(&c.ValidFrom, &c.EntityID); err != nil {
		if err == pgx.ErrNoRows {
			return cursor.Cursor{}, false, nil
		}
		return cursor.Cursor{}, false, fmt.Errorf("rawstore: latest cursor: %w", err)
	}
	return c, true, nil
}

// InsertBatch bulk-appends snapshots via COPY, the fastest bulk-append path
// pgx offers. The whole batch fails on any uniqueness violation on
// (kind, entity_id, valid_from); callers are responsible for de-dup before
// calling this.
func (s *Store) InsertBatch(ctx context.Context, kind string, snapshots []chron.Snapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	cols := []string{"kind", "entity_id", "valid_from", "valid_to", "data"}
	rows := make([][]any, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Kind != kind {
			return 0, fmt.Errorf("rawstore: insert batch: snapshot kind %q does not match batch kind %q", snap.Kind, kind)
		}
		rows = append(rows, []any{snap.Kind, snap.EntityID, snap.ValidFrom, snap.ValidTo, []byte(snap.Data)})
	}

	schema, table, err := splitTable(s.table)
	if err != nil {
		return 0, err
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{schema, table},
		cols,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return n, fmt.Errorf("rawstore: insert batch: %w", err)
	}
	return n, nil
}

// StreamAfter streams snapshots of kind with cursor > c (or from the start
// if c is nil), ordered ascending by (valid_from, entity_id), in pages of
// batchSize rows fetched via keyset pagination so the full result set is
// never materialized at once.
func (s *Store) StreamAfter(ctx context.Context, kind string, c *cursor.Cursor, batchSize int) <-chan fn.Result[chron.Snapshot] {
	out := make(chan fn.Result[chron.Snapshot])

	go func() {
		defer close(out)

		pred := cursor.NewPredicate(c)
		cur := pred

		query := fmt.Sprintf(
			`SELECT kind, entity_id, valid_from, valid_to, data FROM %s
			 WHERE kind = $1 AND %s
			 ORDER BY valid_from ASC, entity_id ASC LIMIT $4`, s.table, pred.SQLFrom(2))

		for {
			rows, err := s.pool.Query(ctx, query, kind, cur.ValidFrom, cur.EntityID, batchSize)
			if err != nil {
				sendErr(ctx, out, fmt.Errorf("rawstore: stream after: %w", err))
				return
			}

			n := 0
			var last chron.Snapshot
			for rows.Next() {
				var snap chron.Snapshot
				if err := rows.Scan(&snap.Kind, &snap.EntityID, &snap.ValidFrom, &snap.ValidTo, &snap.Data); err != nil {
					rows.Close()
					sendErr(ctx, out, fmt.Errorf("rawstore: stream after: scan: %w", err))
					return
				}
				n++
				last = snap
				select {
				case out <- fn.Ok(snap):
				case <-ctx.Done():
					rows.Close()
					return
				}
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				sendErr(ctx, out, fmt.Errorf("rawstore: stream after: %w", err))
				return
			}

			if n < batchSize {
				return // fewer rows than requested: stream exhausted
			}
			cur = cursor.Predicate{ValidFrom: last.ValidFrom, EntityID: last.EntityID}
		}
	}()

	return out
}

// AdvanceCursor returns the n-th snapshot's cursor strictly after c (or the
// last one if fewer than n exist), without transferring payload data. Used
// to probe progress cheaply.
func (s *Store) AdvanceCursor(ctx context.Context, kind string, c *cursor.Cursor, n int) (cursor.Cursor, bool, error) {
	pred := cursor.NewPredicate(c)

	query := fmt.Sprintf(
		`SELECT valid_from, entity_id FROM %s
		 WHERE kind = $1 AND %s
		 ORDER BY valid_from ASC, entity_id ASC LIMIT $4`, s.table, pred.SQLFrom(2))

	rows, err := s.pool.Query(ctx, query, kind, pred.ValidFrom, pred.EntityID, n)
	if err != nil {
		return cursor.Cursor{}, false, fmt.Errorf("rawstore: advance cursor: %w", err)
	}
	defer rows.Close()

	var last cursor.Cursor
	found := false
	for rows.Next() {
		if err := rows.Scan(&last.ValidFrom, &last.EntityID); err != nil {
			return cursor.Cursor{}, false, fmt.Errorf("rawstore: advance cursor: scan: %w", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return cursor.Cursor{}, false, fmt.Errorf("rawstore: advance cursor: %w", err)
	}
	return last, found, nil
}

func sendErr(ctx context.Context, out chan<- fn.Result[chron.Snapshot], err error) {
	select {
	case out <- fn.Err[chron.Snapshot](err):
	case <-ctx.Done():
	}
}

func splitTable(qualified string) (schema, table string, err error) {
	for i := 0; i < len(qualified); i++ {
		if qualified[i] == '.' {
			return qualified[:i], qualified[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("rawstore: table name %q must be schema-qualified", qualified)
}
