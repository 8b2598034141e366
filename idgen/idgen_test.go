package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id == prev {
			t.Fatalf("duplicate at iteration %d", i)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("med_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "med_") {
		t.Fatalf("Prefixed: got %q, want med_ prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "med_")); err != nil {
		t.Fatalf("Prefixed body not a UUID: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse accepted garbage")
	}
}
