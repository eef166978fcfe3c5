// Package ingest implements stage-1 (upstream -> raw table) and stage-2
// (raw table -> derived tables via callback) of the ingest pipeline.
package ingest

import (
	"context"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/pkg/fn"
)

// resultChunk is a group of up to N snapshots pulled off a fallible
// stream, plus the error (if any) that terminated the group early. The
// chunk's Items are always the successful prefix collected before Err, so
// callers can persist what succeeded before propagating the failure.
type resultChunk struct {
	Items []chron.Snapshot
	Err   error
}

// chunkResults groups a fallible snapshot stream into chunks of up to
// size. A chunk that ends because of a stream error carries the partial
// prefix plus that error, and the generator stops emitting further chunks
// afterward — "successful prefix + trailing error" semantics.
func chunkResults(ctx context.Context, in <-chan fn.Result[chron.Snapshot], size int) <-chan resultChunk {
	out := make(chan resultChunk)

	go func() {
		defer close(out)

		var buf []chron.Snapshot
		for r := range in {
			if r.IsErr() {
				_, err := r.Unwrap()
				select {
				case out <- resultChunk{Items: buf, Err: err}:
				case <-ctx.Done():
				}
				return
			}

			v, _ := r.Unwrap()
			buf = append(buf, v)
			if len(buf) >= size {
				select {
				case out <- resultChunk{Items: buf}:
				case <-ctx.Done():
					return
				}
				buf = nil
			}
		}
		if len(buf) > 0 {
			select {
			case out <- resultChunk{Items: buf}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// skipOverlap implements the overlap filter: because the upstream `after`
// parameter is inclusive-by-timestamp, the first returned snapshots may
// replay items already at-or-before startCursor. Every snapshot while
// (valid_from, entity_id) <= startCursor is dropped; the first snapshot
// strictly greater ends the filtering for good. Errors pass straight
// through untouched — they are not subject to the cursor comparison.
func skipOverlap(ctx context.Context, in <-chan fn.Result[chron.Snapshot], startCursor cursor.Cursor, hasCursor bool) <-chan fn.Result[chron.Snapshot] {
	out := make(chan fn.Result[chron.Snapshot])

	go func() {
		defer close(out)

		skipping := hasCursor
		for r := range in {
			if r.IsOk() && skipping {
				v, _ := r.Unwrap()
				here := cursor.Cursor{ValidFrom: v.ValidFrom, EntityID: v.EntityID}
				if here.LessOrEqual(startCursor) {
					continue
				}
				skipping = false
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
