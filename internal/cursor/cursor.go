// Package cursor implements the one admissible cursor predicate shared by
// the raw store, stage-1, and stage-2: a total order over snapshots of a
// kind, lexicographic on (valid_from, entity_id).
package cursor

import (
	"strconv"
	"time"
)

// Cursor is a resumable position in the ordered sequence of snapshots for
// one kind. A Cursor C means "all snapshots <= C have been consumed"; the
// next snapshot to emit is the least snapshot strictly greater than C.
type Cursor struct {
	ValidFrom time.Time
	EntityID  string
}

// Zero is the cursor used when no prior cursor exists: the least
// representable pair (the Unix epoch, the empty string), so every real
// snapshot compares strictly greater than it.
var Zero = Cursor{ValidFrom: time.Unix(0, 0).UTC(), EntityID: ""}

// Less reports whether c sorts strictly before other under the
// (valid_from, entity_id) lexicographic order.
func (c Cursor) Less(other Cursor) bool {
	if !c.ValidFrom.Equal(other.ValidFrom) {
		return c.ValidFrom.Before(other.ValidFrom)
	}
	return c.EntityID < other.EntityID
}

// LessOrEqual reports whether c sorts at or before other.
func (c Cursor) LessOrEqual(other Cursor) bool {
	return c.Less(other) || (c.ValidFrom.Equal(other.ValidFrom) && c.EntityID == other.EntityID)
}

// OrDefault returns c if present, else Zero. Used wherever a caller holds
// an optional cursor (no prior run) and needs a concrete lower bound.
func OrDefault(c *Cursor) Cursor {
	if c == nil {
		return Zero
	}
	return *c
}

// Predicate is the SQL fragment and its two positional parameters
// implementing the sole admissible cursor comparison:
//
//	(valid_from > $N OR (valid_from = $N AND entity_id > $N+1))
//
// Callers append Predicate.SQL (with placeholder numbers rebased to their
// own query) and pass ValidFrom/EntityID as the corresponding arguments.
type Predicate struct {
	ValidFrom time.Time
	EntityID  string
}

// NewPredicate builds the predicate bounds for an optional cursor,
// defaulting to Zero when absent — exactly the rule in the data model:
// "a missing cursor means start from the least representable pair".
func NewPredicate(c *Cursor) Predicate {
	base := OrDefault(c)
	return Predicate{ValidFrom: base.ValidFrom, EntityID: base.EntityID}
}

// SQL returns the predicate text with $1 bound to ValidFrom and $2 bound to
// EntityID, suitable for direct use when those are the next two
// placeholders in the caller's query. Use SQLFrom when the placeholders
// are not 1 and 2.
func (p Predicate) SQL() string {
	return "(valid_from > $1 OR (valid_from = $1 AND entity_id > $2))"
}

// SQLFrom returns the predicate text with placeholders starting at
// argIndex (1-based), for embedding after other parameters in a larger
// query.
func (p Predicate) SQLFrom(argIndex int) string {
	n := strconv.Itoa(argIndex)
	n1 := strconv.Itoa(argIndex + 1)
	return "(valid_from > $" + n + " OR (valid_from = $" + n + " AND entity_id > $" + n1 + "))"
}
