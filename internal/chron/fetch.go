package chron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/beiju/chron-ingestd/pkg/fn"
	"github.com/beiju/chron-ingestd/pkg/resilience"
)

// getNextPage issues a single paginated GET. after/before are optional
// RFC3339 window bounds; page is the opaque continuation token from a
// prior response (nil for the first page of a segment).
func (c *Client) getNextPage(ctx context.Context, baseURL, kind string, after, before *time.Time, page *string) fn.Result[pageEnvelope] {
	q := url.Values{}
	q.Set("kind", kind)
	q.Set("count", strconv.Itoa(c.pageSize))
	q.Set("order", "asc")
	if after != nil {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if page != nil {
		q.Set("page", *page)
	}

	return c.doRequest(ctx, baseURL+"?"+q.Encode())
}

// doRequest issues the actual GET and decodes the envelope, independent of
// how the caller assembled the query string.
func (c *Client) doRequest(ctx context.Context, reqURL string) fn.Result[pageEnvelope] {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fn.Err[pageEnvelope](&FetchError{Kind: ErrRequestBuild, Err: err})
	}
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	limErr := c.limiter.CallWait(ctx, func(ctx context.Context) error {
		var doErr error
		resp, doErr = c.httpClient.Do(req)
		return doErr
	})
	if limErr != nil {
		return fn.Err[pageEnvelope](&FetchError{Kind: ErrRequestExecute, Err: limErr})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fn.Err[pageEnvelope](&FetchError{
			Kind: ErrServerStatus,
			Err:  fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)),
		})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fn.Err[pageEnvelope](&FetchError{Kind: ErrResponseBody, Err: err})
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fn.Err[pageEnvelope](&FetchError{Kind: ErrDeserialize, Err: err})
	}

	return fn.Ok(env)
}

// getNextPageWithRetries wraps getNextPage in a bounded retry loop through
// the circuit breaker, consistent with the original's "up to max_retries
// attempts; any error counts as one failure" rule.
func (c *Client) getNextPageWithRetries(ctx context.Context, baseURL, kind string, after, before *time.Time, page *string) fn.Result[pageEnvelope] {
	attempt := 0
	result := fn.Retry(ctx, c.retryOpts, func(ctx context.Context) fn.Result[pageEnvelope] {
		if attempt > 0 {
			c.metrics.pageRetries.Inc()
		}
		attempt++
		return resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[pageEnvelope] {
			return c.getNextPage(ctx, baseURL, kind, after, before, page)
		})
	})

	if result.IsErr() {
		c.metrics.fetchErrors.Inc()
	} else {
		c.metrics.pagesFetched.Inc()
	}
	return result
}

// doRequestWithRetries applies the same retry/breaker wrapping as
// getNextPageWithRetries to an already-assembled URL, for callers (like
// EntitiesByID) whose query shape differs from the paginated list params.
func (c *Client) doRequestWithRetries(ctx context.Context, reqURL string) fn.Result[pageEnvelope] {
	attempt := 0
	result := fn.Retry(ctx, c.retryOpts, func(ctx context.Context) fn.Result[pageEnvelope] {
		if attempt > 0 {
			c.metrics.pageRetries.Inc()
		}
		attempt++
		return resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[pageEnvelope] {
			return c.doRequest(ctx, reqURL)
		})
	})

	if result.IsErr() {
		c.metrics.fetchErrors.Inc()
	} else {
		c.metrics.pagesFetched.Inc()
	}
	return result
}
