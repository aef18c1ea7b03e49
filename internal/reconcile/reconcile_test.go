package reconcile

import (
	"errors"
	"strings"
	"testing"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

func TestRowCount(t *testing.T) {
	tests := []struct {
		tag  string
		want int64
		ok   bool
	}{
		{"UPDATE 1", 1, true},
		{"UPDATE 0", 0, true},
		{"DELETE 42", 42, true},
		{"INSERT 0 5", 5, true},
		{"SELECT 3", 3, true},
		{"COPY 1000", 1000, true},
		{"BEGIN", 0, false},
		{"COMMIT", 0, false},
		{"UPDATE 7\x00", 7, true},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := RowCount(tt.tag)
		if got != tt.want || ok != tt.ok {
			t.Errorf("RowCount(%q) = %d, %v; want %d, %v", tt.tag, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCompareAgreement(t *testing.T) {
	r := Compare(map[int]string{0: "UPDATE 3", 1: "UPDATE 3"})
	if r.Mismatch {
		t.Fatal("equal counts must not mismatch")
	}
	if r.Counts[0] != 3 || r.Counts[1] != 3 {
		t.Fatalf("counts = %v", r.Counts)
	}
}

func TestCompareMismatch(t *testing.T) {
	// Scenario: UPDATE completes as "UPDATE 1" on backend 0 and "UPDATE 0"
	// on backend 1.
	r := Compare(map[int]string{0: "UPDATE 1", 1: "UPDATE 0"})
	if !r.Mismatch {
		t.Fatal("divergent counts must mismatch")
	}

	err := r.Error(nil, "UPDATE t SET v=v+1 WHERE k=1")
	var pe *poolerr.Error
	if !errors.As(err, &pe) {
		t.Fatal("expected a *poolerr.Error")
	}
	if pe.SQLState() != "XX001" {
		t.Fatalf("sqlstate = %s, want XX001", pe.SQLState())
	}
	// The message must mention both counts.
	for _, want := range []string{"backend 0: 1", "backend 1: 0"} {
		if !strings.Contains(pe.Message, want) {
			t.Fatalf("message %q missing %q", pe.Message, want)
		}
	}
}

func TestCompareIgnoresCountFreeTags(t *testing.T) {
	r := Compare(map[int]string{0: "BEGIN", 1: "BEGIN"})
	if r.Mismatch || len(r.Counts) != 0 {
		t.Fatalf("count-free tags must not participate: %+v", r)
	}
}

func TestCompareThreeWay(t *testing.T) {
	r := Compare(map[int]string{0: "DELETE 2", 1: "DELETE 2", 2: "DELETE 1"})
	if !r.Mismatch {
		t.Fatal("any single divergent backend must trigger a mismatch")
	}
}
