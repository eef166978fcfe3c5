package partition

import "testing"

func TestPartitionForMatchesSpecExamples(t *testing.T) {
	p, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		id   string
		want int
	}{
		{"000000000000000a", 1}, // 10 mod 3 == 1
		{"000000000000000b", 2}, // 11 mod 3 == 2
	}
	for _, c := range cases {
		got, err := p.PartitionFor(c.id)
		if err != nil {
			t.Fatalf("PartitionFor(%q): %v", c.id, err)
		}
		if got != c.want {
			t.Errorf("PartitionFor(%q) = %d, want %d", c.id, got, c.want)
		}
	}

	if _, err := p.PartitionFor("z"); err == nil {
		t.Error("expected PartitionFor(\"z\") to fail (not valid hex)")
	}
}

func TestPartitionForAgreesWithFullIDModulus(t *testing.T) {
	// P6: for any id of length >= k, int(suffix_k(id), 16) mod n must equal
	// int(id, 16) mod n.
	for _, n := range []int{1, 2, 3, 5, 16, 17} {
		p, err := New(n)
		if err != nil {
			t.Fatalf("New(%d): %v", n, err)
		}
		ids := []string{
			"a", "ff", "1000", "deadbeef", "000000000000000a",
			"ffffffffffffffff", "0123456789abcdef0123456789abcdef",
		}
		for _, id := range ids {
			full, err := fullModulus(id, n)
			if err != nil {
				continue // too long to parse as a single uint64; skip full check
			}
			got, err := p.PartitionFor(id)
			if err != nil {
				t.Fatalf("PartitionFor(%q): %v", id, err)
			}
			if got != full {
				t.Errorf("n=%d id=%q: PartitionFor=%d, full modulus=%d", n, id, got, full)
			}
		}
	}
}

func TestPartitionForNonASCII(t *testing.T) {
	p, _ := New(4)
	if _, err := p.PartitionFor("café"); err == nil {
		t.Error("expected non-ASCII id to be rejected")
	}
}

func TestPartitionForShorterThanK(t *testing.T) {
	p, err := New(16) // k = lcm(16,16) = 16
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.PartitionFor("f")
	if err != nil {
		t.Fatalf("PartitionFor: %v", err)
	}
	if got != 15 {
		t.Errorf("PartitionFor(\"f\") = %d, want 15", got)
	}
}

func fullModulus(id string, n int) (int, error) {
	v, err := parseHexUint64(id)
	if err != nil {
		return 0, err
	}
	return int(v % uint64(n)), nil
}

func parseHexUint64(s string) (uint64, error) {
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, errNotHex
		}
		if v > (1<<64-1-d)/16 {
			return 0, errNotHex // overflow guard, treat as unrepresentable
		}
		v = v*16 + d
	}
	return v, nil
}

var errNotHex = &IdEncodingError{ID: "", Reason: "not hex"}
