package ingest

import "github.com/beiju/chron-ingestd/pkg/metrics"

// Metrics holds the counters stage-1 and stage-2 publish to a shared
// metrics.Registry. A nil Registry is accepted so the package can be used
// standalone without wiring metrics.
type Metrics struct {
	rowsInserted  *metrics.Counter
	rowsProcessed *metrics.Counter
}

// NewMetrics registers (or reuses) the ingest counters on reg.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &Metrics{
		rowsInserted:  reg.Counter("chron_raw_rows_inserted_total", "Rows appended to the raw store by stage 1."),
		rowsProcessed: reg.Counter("chron_derived_rows_processed_total", "Rows handed to the derived-ingest callback by stage 2."),
	}
}
