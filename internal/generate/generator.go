// Package generate produces transformation programs from source and truth
// previews via an LLM, and repairs them from validation feedback on later
// iterations.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"datanerd/internal/table"
)

// ErrUnavailable indicates the generation backend could not be reached or
// refused the request. The pipeline treats it as a consumed iteration
// rather than a fatal error.
var ErrUnavailable = errors.New("generator unavailable")

// Feedback carries what went wrong with the previous attempt so the next
// program can be a repair instead of a fresh guess.
type Feedback struct {
	PreviousProgram string

	// FailureKind is the sandbox failure class, or "validation" when the
	// program ran but scored below threshold.
	FailureKind   string
	FailureDetail string

	// Validation detail, present only for validation failures.
	Accuracy   float64
	Mismatches []string

	// Captured program output, often the best clue for runtime faults.
	Stdout string
}

// Request is one generation request.
type Request struct {
	SourcePreview string
	TruthPreview  string
	Fingerprint   table.Fingerprint
	Feedback      *Feedback
}

// Generator produces one transformation program per call.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// RenderPreview renders up to maxRows of a table for inclusion in a
// prompt: a schema line followed by one line per row.
func RenderPreview(t *table.Table, maxRows int) string {
	var b strings.Builder
	cols := make([]string, t.NumCols())
	for i := 0; i < t.NumCols(); i++ {
		c := t.Column(i)
		cols[i] = fmt.Sprintf("%s:%s", c.Name, c.Kind)
	}
	fmt.Fprintf(&b, "columns: %s\n", strings.Join(cols, ", "))
	fmt.Fprintf(&b, "rows: %d\n", t.NumRows())

	n := t.NumRows()
	if n > maxRows {
		n = maxRows
	}
	for r := 0; r < n; r++ {
		fmt.Fprintf(&b, "  %s\n", t.RenderRow(r))
	}
	if t.NumRows() > maxRows {
		fmt.Fprintf(&b, "  ... (%d more rows)\n", t.NumRows()-maxRows)
	}
	return b.String()
}
