// Package reconcile compares CommandComplete tags across backends for a
// replicated write and surfaces divergent row counts (spec.md §4.8, C8).
// A mismatch is reported to the client as an XX001 error and logged; the
// transaction is not rolled back — that decision is the client's.
package reconcile

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// RowCount extracts the affected-row count from a CommandComplete tag such
// as "UPDATE 3", "DELETE 0", or "INSERT 0 5" (INSERT carries an OID field
// before the count). ok is false for tags with no count (e.g. "BEGIN").
//
// The tag is scanned for its trailing integer, matching the fixed-format
// approach of the backend itself rather than a general parse.
func RowCount(tag string) (int64, bool) {
	tag = strings.TrimRight(strings.TrimSuffix(tag, "\x00"), " ")
	i := strings.LastIndexByte(tag, ' ')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(tag[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Result is the verdict for one replicated statement's completion tags.
type Result struct {
	// Counts maps backend index to its reported row count; backends that
	// did not participate are absent.
	Counts map[int]int64
	// Mismatch is true when at least two backends disagree.
	Mismatch bool
}

// Compare collects the row count of each backend's CommandComplete tag.
// tags maps backend index to the raw tag string; entries whose tag carries
// no count are ignored (transaction-control tags are count-free and always
// agree by construction).
func Compare(tags map[int]string) Result {
	r := Result{Counts: make(map[int]int64, len(tags))}
	first := int64(-1)
	for i, tag := range tags {
		n, ok := RowCount(tag)
		if !ok {
			continue
		}
		r.Counts[i] = n
		if first < 0 {
			first = n
		} else if n != first {
			r.Mismatch = true
		}
	}
	return r
}

// Error builds the XX001 error reported to the client for a divergent
// replicated write, naming every backend's count, and logs the divergence.
func (r Result) Error(log *slog.Logger, queryText string) *poolerr.Error {
	if log == nil {
		log = slog.Default()
	}

	parts := make([]string, 0, len(r.Counts))
	attrs := make([]any, 0, 2*len(r.Counts)+2)
	attrs = append(attrs, "query", queryText)
	for i, n := range r.Counts {
		parts = append(parts, fmt.Sprintf("backend %d: %d", i, n))
		attrs = append(attrs, fmt.Sprintf("backend_%d_rows", i), n)
	}
	log.Error("replicated write affected different row counts", attrs...)

	return poolerr.New(poolerr.KindMismatchedTuples,
		"replicated write affected different numbers of rows: "+strings.Join(parts, ", ")).
		WithDetail("the backends have diverged; the transaction was not rolled back", "")
}
