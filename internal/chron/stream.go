package chron

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/beiju/chron-ingestd/pkg/fn"
)

// items paginates a single segment and flattens pages into a stream of
// individual snapshots, applying the belt-and-braces post-filter that
// drops any snapshot whose valid_from lands past the segment's end, and
// logging a warning for any snapshot that arrives with a non-null valid_to
// (such snapshots are still passed on).
func (c *Client) items(ctx context.Context, baseURL, kind string, start, end *time.Time) <-chan fn.Result[Snapshot] {
	out := make(chan fn.Result[Snapshot])

	go func() {
		defer close(out)

		for pageResult := range c.pages(ctx, baseURL, kind, start, end) {
			if pageResult.IsErr() {
				_, err := pageResult.Unwrap()
				select {
				case out <- fn.Err[Snapshot](err):
				case <-ctx.Done():
				}
				return
			}

			page, _ := pageResult.Unwrap()
			for _, item := range page.Items {
				if end != nil && item.ValidFrom.After(*end) {
					c.log.Warn("chron: API gave us a version that started past the before parameter",
						"kind", kind, "valid_from", item.ValidFrom, "before", *end)
					continue
				}
				if item.ValidTo != nil {
					c.log.Warn("chron: API gave us a version with a non-null valid_to",
						"kind", kind, "entity_id", item.EntityID, "valid_to", *item.ValidTo)
				}
				select {
				case out <- fn.Ok(item):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// chainedAPICall walks the fixed segment list, skipping any segment whose
// window is already entirely behind startAt without advancing past it, and
// concatenates the remaining sub-streams in order.
func (c *Client) chainedAPICall(ctx context.Context, resource, kind string, startAt *time.Time) <-chan fn.Result[Snapshot] {
	out := make(chan fn.Result[Snapshot])

	go func() {
		defer close(out)

		segStart := startAt
		for _, seg := range c.segmentsFor(resource) {
			if segStart != nil && seg.end != nil && segStart.After(*seg.end) {
				continue // entirely behind this segment: skip, don't advance segStart
			}

			for r := range c.items(ctx, seg.baseURL, kind, segStart, seg.end) {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}

			segStart = seg.end
		}
	}()

	return out
}

// Versions returns a lazy sequence of version snapshots for kind, resuming
// from startAt if non-nil.
func (c *Client) Versions(ctx context.Context, kind string, startAt *time.Time) <-chan fn.Result[Snapshot] {
	return c.chainedAPICall(ctx, "versions", kind, startAt)
}

// Entities returns a lazy sequence of entity snapshots for kind, resuming
// from startAt if non-nil.
func (c *Client) Entities(ctx context.Context, kind string, startAt *time.Time) <-chan fn.Result[Snapshot] {
	return c.chainedAPICall(ctx, "entities", kind, startAt)
}

// EntitiesByID performs the bulk point-lookup variant: a single request,
// no pagination expected.
func (c *Client) EntitiesByID(ctx context.Context, kind string, ids []string) ([]Snapshot, error) {
	q := url.Values{}
	q.Set("kind", kind)
	q.Set("id", strings.Join(ids, ","))

	reqURL := c.freeBaseURL + "/entities?" + q.Encode()

	result := c.doRequestWithRetries(ctx, reqURL)
	if result.IsErr() {
		_, err := result.Unwrap()
		return nil, err
	}
	env, _ := result.Unwrap()
	return env.Items, nil
}
