package cursor

import (
	"testing"
	"time"
)

func TestCursorOrdering(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	a := Cursor{ValidFrom: t0, EntityID: "a"}
	b := Cursor{ValidFrom: t0, EntityID: "b"}
	c := Cursor{ValidFrom: t1, EntityID: "a"}

	if !a.Less(b) {
		t.Error("same timestamp: lexicographically smaller entity_id should sort first")
	}
	if !b.Less(c) {
		t.Error("earlier timestamp should always sort first regardless of entity_id")
	}
	if a.Less(a) {
		t.Error("a cursor must not be Less than itself")
	}
	if !a.LessOrEqual(a) {
		t.Error("a cursor must be LessOrEqual to itself")
	}
}

func TestOrDefaultUsesZero(t *testing.T) {
	got := OrDefault(nil)
	if got != Zero {
		t.Errorf("OrDefault(nil) = %+v, want Zero", got)
	}
	c := Cursor{ValidFrom: time.Now(), EntityID: "x"}
	if got := OrDefault(&c); got != c {
		t.Errorf("OrDefault(&c) = %+v, want %+v", got, c)
	}
}

func TestPredicateSQLFromRebasesPlaceholders(t *testing.T) {
	p := NewPredicate(nil)
	got := p.SQLFrom(2)
	want := "(valid_from > $2 OR (valid_from = $2 AND entity_id > $3))"
	if got != want {
		t.Errorf("SQLFrom(2) = %q, want %q", got, want)
	}
}
