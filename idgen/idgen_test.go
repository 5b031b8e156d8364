package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Sortable(t *testing.T) {
	// WHAT: Successive UUIDv7 ids sort in creation order.
	// WHY: Run ids appear in logs and are compared by operators.
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		next := gen()
		if next <= prev {
			t.Fatalf("id %q not greater than %q", next, prev)
		}
		prev = next
	}
}

func TestPrefixed(t *testing.T) {
	id := RunID()
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("RunID = %q, want run_ prefix", id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
	if !strings.HasPrefix(FetchLogID(), "flog_") {
		t.Fatal("FetchLogID missing flog_ prefix")
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "run_", "run_not-a-uuid", "xyz"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}
