package chron

import (
	"context"
	"fmt"
	"time"

	"github.com/beiju/chron-ingestd/pkg/fn"
)

// pageFuture is a handle to a page fetch already running in the
// background. It is the "non-suspending factory that returns a
// suspendable job" the design notes call for: fetchPageAsync returns
// immediately, and the caller awaits resultCh only when it actually needs
// the page.
type pageFuture struct {
	resultCh chan fn.Result[pageEnvelope]
}

func (c *Client) fetchPageAsync(ctx context.Context, baseURL, kind string, after, before *time.Time, page *string) *pageFuture {
	fut := &pageFuture{resultCh: make(chan fn.Result[pageEnvelope], 1)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fut.resultCh <- fn.Err[pageEnvelope](&FetchError{
					Kind: ErrJoinFailure,
					Err:  fmt.Errorf("panic fetching page: %v", r),
				})
			}
		}()
		fut.resultCh <- c.getNextPageWithRetries(ctx, baseURL, kind, after, before, page)
	}()
	return fut
}

// pages performs the eager-prefetch pagination loop over a single
// sub-stream. Before yielding page N to the caller it has already spawned
// the fetch for page N+1, provided page N returned a continuation token
// and a full page — otherwise there is nothing more to prefetch.
func (c *Client) pages(ctx context.Context, baseURL, kind string, start, end *time.Time) <-chan fn.Result[pageEnvelope] {
	out := make(chan fn.Result[pageEnvelope])

	go func() {
		defer close(out)

		fut := c.fetchPageAsync(ctx, baseURL, kind, start, end, nil)

		for fut != nil {
			var result fn.Result[pageEnvelope]
			select {
			case result = <-fut.resultCh:
			case <-ctx.Done():
				return
			}

			if result.IsErr() {
				select {
				case out <- result:
				case <-ctx.Done():
				}
				return
			}

			page, _ := result.Unwrap()

			var next *pageFuture
			if page.NextPage != nil && len(page.Items) >= c.pageSize {
				next = c.fetchPageAsync(ctx, baseURL, kind, start, end, page.NextPage)
			}

			select {
			case out <- fn.Ok(page):
			case <-ctx.Done():
				return
			}

			fut = next
		}
	}()

	return out
}
