// Package validate compares a produced table against ground truth and
// scores how close the transformation got. The report drives both the
// accept/reject decision and the repair feedback for the next iteration.
package validate

import (
	"fmt"
	"math"
	"strings"

	"datanerd/internal/logging"
	"datanerd/internal/table"
)

// =============================================================================
// OPTIONS AND REPORT
// =============================================================================

// Options controls comparison behavior.
type Options struct {
	// Tolerance for numeric cells: values match when
	// |produced - truth| <= Tolerance * max(1, |truth|).
	Tolerance float64

	// MaxSamples caps how many mismatches the report carries verbatim.
	// Aggregate counts are always exact.
	MaxSamples int

	// SortByKey aligns rows by the truth table's dimension columns before
	// comparing. When false, rows are compared positionally, which
	// penalizes otherwise-correct output in a different row order.
	SortByKey bool

	// LooseKinds accepts an int column where the truth declares real (and
	// vice versa) as a schema match. Off by default: kind drift usually
	// means the transform parsed a column wrong.
	LooseKinds bool
}

// DefaultOptions returns the comparison defaults.
func DefaultOptions() Options {
	return Options{
		Tolerance:  1e-6,
		MaxSamples: 20,
		SortByKey:  true,
	}
}

// MismatchKind classifies one reported mismatch.
type MismatchKind string

const (
	MismatchCell       MismatchKind = "cell"
	MismatchMissingRow MismatchKind = "missing_row"
	MismatchExtraRow   MismatchKind = "extra_row"
)

// Mismatch is one concrete difference, sampled for repair feedback.
type Mismatch struct {
	Kind     MismatchKind
	Row      int    // index into the truth table (or produced, for extra rows)
	Column   string // empty for whole-row mismatches
	Produced string
	Expected string
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchMissingRow:
		return fmt.Sprintf("row %d missing from output: %s", m.Row, m.Expected)
	case MismatchExtraRow:
		return fmt.Sprintf("unexpected extra row %d: %s", m.Row, m.Produced)
	default:
		return fmt.Sprintf("row %d col %s: got %s, want %s", m.Row, m.Column, m.Produced, m.Expected)
	}
}

// Report is the outcome of one comparison.
type Report struct {
	// Accuracy is matched cells over the total cell count, where the
	// total includes one full row of cells for every over-produced row.
	Accuracy float64

	// SchemaMatch is true when column names, order, and kinds all agree.
	SchemaMatch bool

	// RowCountMatch is true when the row counts agree.
	RowCountMatch bool

	MatchedCells  int
	TotalCells    int
	MismatchCount int

	// Mismatches holds at most Options.MaxSamples samples.
	Mismatches []Mismatch

	// Schema deltas, empty when SchemaMatch is true.
	MissingColumns []string
	ExtraColumns   []string

	// ColumnMismatches lists shared columns whose declared kind differs,
	// in truth column order.
	ColumnMismatches []ColumnMismatch
}

// ColumnMismatch is one shared column with the wrong declared kind.
type ColumnMismatch struct {
	Name     string
	Expected table.Kind
	Actual   table.Kind
}

func (c ColumnMismatch) String() string {
	return fmt.Sprintf("column %s is %s, want %s", c.Name, c.Actual, c.Expected)
}

// Accepted reports whether the result clears the given accuracy threshold.
// Schema agreement is required regardless of cell accuracy.
func (r *Report) Accepted(threshold float64) bool {
	return r.SchemaMatch && r.Accuracy >= threshold
}

// =============================================================================
// COMPARISON
// =============================================================================

// Validate compares produced against truth. Both tables must be
// well-formed; a nil or malformed produced table is the caller's executor
// failure, not a low score.
func Validate(produced, truth *table.Table, opts Options) (*Report, error) {
	if err := truth.Validate(); err != nil {
		return nil, fmt.Errorf("ground truth table invalid: %w", err)
	}
	if err := produced.Validate(); err != nil {
		return nil, fmt.Errorf("produced table invalid: %w", err)
	}
	if opts.Tolerance < 0 {
		return nil, fmt.Errorf("tolerance must be non-negative, got %g", opts.Tolerance)
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultOptions().MaxSamples
	}

	timer := logging.StartTimer(logging.CategoryValidation, "validate")
	defer timer.Stop()

	r := &Report{}
	r.compareSchema(produced, truth, opts.LooseKinds)
	r.RowCountMatch = produced.NumRows() == truth.NumRows()

	// Cells are compared over the columns the tables share by name, so a
	// partially wrong schema still yields a usable accuracy signal.
	var shared []string
	for _, name := range truth.Names() {
		if _, ok := produced.ColumnByName(name); ok {
			shared = append(shared, name)
		}
	}

	truthRows, truthCols := truth.NumRows(), truth.NumCols()
	extraRows := produced.NumRows() - truthRows
	if extraRows < 0 {
		extraRows = 0
	}
	r.TotalCells = truthRows*truthCols + extraRows*truthCols

	pairs, missing, extra := alignRows(produced, truth, shared, opts.SortByKey)

	for _, p := range pairs {
		for _, name := range truth.Names() {
			pcol, ok := produced.ColumnByName(name)
			if !ok {
				continue
			}
			tcol, _ := truth.ColumnByName(name)
			if cellsMatch(pcol.Cells[p.prod], tcol.Cells[p.truth], opts.Tolerance) {
				r.MatchedCells++
			} else {
				r.sample(Mismatch{
					Kind:     MismatchCell,
					Row:      p.truth,
					Column:   name,
					Produced: renderCell(pcol.Cells[p.prod]),
					Expected: renderCell(tcol.Cells[p.truth]),
				}, opts.MaxSamples)
			}
		}
	}

	for _, tr := range missing {
		r.sample(Mismatch{
			Kind:     MismatchMissingRow,
			Row:      tr,
			Expected: truth.RenderRow(tr),
		}, opts.MaxSamples)
	}
	for _, pr := range extra {
		r.sample(Mismatch{
			Kind:     MismatchExtraRow,
			Row:      pr,
			Produced: produced.RenderRow(pr),
		}, opts.MaxSamples)
	}

	r.MismatchCount = r.TotalCells - r.MatchedCells
	if r.TotalCells > 0 {
		r.Accuracy = float64(r.MatchedCells) / float64(r.TotalCells)
	} else {
		r.Accuracy = 1
	}

	logging.Validation("accuracy=%.4f matched=%d/%d schema=%v rows=%v",
		r.Accuracy, r.MatchedCells, r.TotalCells, r.SchemaMatch, r.RowCountMatch)
	return r, nil
}

func (r *Report) compareSchema(produced, truth *table.Table, looseKinds bool) {
	prodNames := make(map[string]bool, produced.NumCols())
	for _, n := range produced.Names() {
		prodNames[n] = true
	}
	truthNames := make(map[string]bool, truth.NumCols())
	for _, n := range truth.Names() {
		truthNames[n] = true
	}
	for _, n := range truth.Names() {
		if !prodNames[n] {
			r.MissingColumns = append(r.MissingColumns, n)
		}
	}
	for _, n := range produced.Names() {
		if !truthNames[n] {
			r.ExtraColumns = append(r.ExtraColumns, n)
		}
	}
	for _, n := range truth.Names() {
		pcol, ok := produced.ColumnByName(n)
		if !ok {
			continue
		}
		tcol, _ := truth.ColumnByName(n)
		if pcol.Kind == tcol.Kind {
			continue
		}
		if looseKinds && pcol.Kind.Numeric() && tcol.Kind.Numeric() {
			continue
		}
		r.ColumnMismatches = append(r.ColumnMismatches, ColumnMismatch{
			Name:     n,
			Expected: tcol.Kind,
			Actual:   pcol.Kind,
		})
	}

	r.SchemaMatch = len(r.MissingColumns) == 0 && len(r.ExtraColumns) == 0 &&
		len(r.ColumnMismatches) == 0 && produced.NumCols() == truth.NumCols()
	if r.SchemaMatch {
		for i := 0; i < truth.NumCols(); i++ {
			if produced.Column(i).Name != truth.Column(i).Name {
				r.SchemaMatch = false
				break
			}
		}
	}
}

type rowPair struct {
	prod  int
	truth int
}

// alignRows pairs produced rows with truth rows for cell comparison.
// With key alignment enabled, both tables are sorted by the truth's
// non-numeric shared columns and merge-joined on the key tuple, so row
// order differences and stray rows do not shift every pairing after them.
// Without keys (or with alignment disabled) rows pair positionally.
func alignRows(produced, truth *table.Table, shared []string, sortByKey bool) (pairs []rowPair, missing, extra []int) {
	var keys []string
	if sortByKey {
		for _, name := range shared {
			col, _ := truth.ColumnByName(name)
			if !col.Kind.Numeric() {
				keys = append(keys, name)
			}
		}
	}

	if len(keys) == 0 {
		n := produced.NumRows()
		if truth.NumRows() < n {
			n = truth.NumRows()
		}
		for i := 0; i < n; i++ {
			pairs = append(pairs, rowPair{prod: i, truth: i})
		}
		for i := n; i < truth.NumRows(); i++ {
			missing = append(missing, i)
		}
		for i := n; i < produced.NumRows(); i++ {
			extra = append(extra, i)
		}
		return pairs, missing, extra
	}

	prodOrder := produced.SortedRowOrder(keys)
	truthOrder := truth.SortedRowOrder(keys)

	keyOf := func(t *table.Table, row int) string {
		parts := make([]string, len(keys))
		for i, name := range keys {
			col, ok := t.ColumnByName(name)
			if ok {
				parts[i] = col.Cells[row].Encode()
			}
		}
		return strings.Join(parts, "\x1f")
	}

	pi, ti := 0, 0
	for pi < len(prodOrder) && ti < len(truthOrder) {
		pk, tk := keyOf(produced, prodOrder[pi]), keyOf(truth, truthOrder[ti])
		switch {
		case pk == tk:
			pairs = append(pairs, rowPair{prod: prodOrder[pi], truth: truthOrder[ti]})
			pi++
			ti++
		case tk < pk:
			missing = append(missing, truthOrder[ti])
			ti++
		default:
			extra = append(extra, prodOrder[pi])
			pi++
		}
	}
	for ; ti < len(truthOrder); ti++ {
		missing = append(missing, truthOrder[ti])
	}
	for ; pi < len(prodOrder); pi++ {
		extra = append(extra, prodOrder[pi])
	}
	return pairs, missing, extra
}

func (r *Report) sample(m Mismatch, max int) {
	if len(r.Mismatches) < max {
		r.Mismatches = append(r.Mismatches, m)
	}
}

// cellsMatch applies exact equality for non-numeric kinds and relative
// tolerance for numeric ones. Int and real cells compare across kinds, so
// a produced int 5 matches a truth real 5.0.
func cellsMatch(produced, truth table.Value, tol float64) bool {
	if produced.IsMissing() || truth.IsMissing() {
		return produced.IsMissing() == truth.IsMissing()
	}
	pf, pok := produced.AsFloat()
	tf, tok := truth.AsFloat()
	if pok && tok {
		limit := tol * math.Max(1, math.Abs(tf))
		return math.Abs(pf-tf) <= limit
	}
	return produced.Equal(truth)
}

func renderCell(v table.Value) string {
	if v.IsMissing() {
		return "<missing>"
	}
	return v.Encode()
}
