package chron

import "time"

// Fixed cutover instants at which the upstream moved between its free and
// cheap hosting tiers. These are build-time constants, not configuration:
// the upstream's history is immutable, so the segment boundaries never
// change once a given window has been served.
var (
	cutover1 = mustParseRFC3339("2025-09-13T22:02:43.355548Z")
	cutover2 = mustParseRFC3339("2025-10-27T11:16:00.000Z")
	cutover3 = mustParseRFC3339("2025-12-28T00:47:38.244248Z")
)

func mustParseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic("chron: invalid cutover constant: " + s)
	}
	return t.UTC()
}

// segment is one (base_url, end?) portion of the upstream timeline. Only
// the last segment in a chain may have a nil end.
type segment struct {
	baseURL string
	end     *time.Time
}

// segmentsFor builds the compile-time segment chain for a resource
// ("versions" or "entities") against the configured free/cheap hosts.
func (c *Client) segmentsFor(resource string) []segment {
	free := c.freeBaseURL + "/" + resource
	cheap := c.cheapBaseURL + "/" + resource
	return []segment{
		{baseURL: free, end: timePtr(cutover1)},
		{baseURL: cheap, end: timePtr(cutover2)},
		{baseURL: free, end: timePtr(cutover3)},
		{baseURL: cheap, end: nil},
	}
}

func timePtr(t time.Time) *time.Time { return &t }
