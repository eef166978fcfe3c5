package chron

import "github.com/beiju/chron-ingestd/pkg/metrics"

// Metrics holds the counters the upstream client publishes to a shared
// metrics.Registry (see pkg/metrics). A nil Registry is accepted so chron
// can be used standalone (e.g. in tests) without wiring metrics.
type Metrics struct {
	pagesFetched *metrics.Counter
	pageRetries  *metrics.Counter
	fetchErrors  *metrics.Counter
}

// NewMetrics registers (or reuses) the chron counters on reg. If reg is
// nil, the returned Metrics records into private, unexposed counters.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &Metrics{
		pagesFetched: reg.Counter("chron_pages_fetched_total", "Upstream pages successfully fetched."),
		pageRetries:  reg.Counter("chron_page_retries_total", "Upstream page fetch attempts beyond the first."),
		fetchErrors:  reg.Counter("chron_fetch_errors_total", "Upstream page fetches that exhausted retries."),
	}
}
