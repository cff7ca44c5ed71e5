// Package table defines the canonical in-memory representation of tabular
// data used by every datanerd component: the sandbox hands generated
// programs a *Table and expects one back, the validator compares two of
// them, and the library fingerprints them.
package table

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the declared scalar kind of a column.
type Kind int

const (
	KindInt Kind = iota
	KindReal
	KindText
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Numeric reports whether the kind participates in tolerance-based
// comparison. Non-numeric columns act as dimension columns during row
// alignment.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindReal
}

// =============================================================================
// VALUE - A SINGLE TYPED CELL
// =============================================================================

// Value is one cell. The zero Value is the distinguished missing value.
type Value struct {
	kind    Kind
	present bool
	i       int64
	f       float64
	s       string
	b       bool
	t       time.Time
}

// MissingValue returns the distinguished missing cell value.
func MissingValue() Value { return Value{} }

// IntValue returns an integer cell.
func IntValue(v int64) Value { return Value{kind: KindInt, present: true, i: v} }

// RealValue returns a real-number cell.
func RealValue(v float64) Value { return Value{kind: KindReal, present: true, f: v} }

// TextValue returns a text cell.
func TextValue(v string) Value { return Value{kind: KindText, present: true, s: v} }

// BoolValue returns a boolean cell.
func BoolValue(v bool) Value { return Value{kind: KindBool, present: true, b: v} }

// TimeValue returns a temporal cell.
func TimeValue(v time.Time) Value { return Value{kind: KindTime, present: true, t: v.UTC()} }

// IsMissing reports whether the value is the missing cell.
func (v Value) IsMissing() bool { return !v.present }

// Kind returns the scalar kind. Meaningless for missing values.
func (v Value) Kind() Kind { return v.kind }

func (v Value) Int() int64      { return v.i }
func (v Value) Real() float64   { return v.f }
func (v Value) Text() string    { return v.s }
func (v Value) Bool() bool      { return v.b }
func (v Value) Time() time.Time { return v.t }

// AsFloat returns the numeric value of an int or real cell.
func (v Value) AsFloat() (float64, bool) {
	if !v.present {
		return 0, false
	}
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindReal:
		return v.f, true
	}
	return 0, false
}

// Encode renders a deterministic string form, used for canonical sort keys
// and mismatch reporting. Missing encodes as the empty marker so it sorts
// before any present value.
func (v Value) Encode() string {
	if !v.present {
		return "\x00"
	}
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339)
	}
	return ""
}

// Equal reports exact equality. Missing equals only missing. Numeric
// comparison with tolerance lives in the validator, not here.
func (v Value) Equal(o Value) bool {
	if !v.present || !o.present {
		return v.present == o.present
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindReal:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	}
	return false
}

// ParseTime parses the temporal formats accepted in source data. Exposed
// here so sandboxed programs can build time cells without importing the
// time package.
func ParseTime(s string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05", "01/02/2006"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %q", s)
}

// =============================================================================
// TABLE - ORDERED, NAMED, TYPED COLUMNS
// =============================================================================

// Column is one named, typed column. Cells always has exactly the table's
// row count entries; a cell is either the column kind or missing.
type Column struct {
	Name  string
	Kind  Kind
	Cells []Value
}

// Table is an ordered sequence of columns sharing one row count. Tables
// returned by the sandbox executor are treated as immutable; use Clone
// when a mutable copy is needed.
type Table struct {
	cols  []Column
	index map[string]int
}

// New returns an empty table.
func New() *Table {
	return &Table{index: make(map[string]int)}
}

// AddColumn appends a column. Fails on duplicate names or when rows have
// already been appended.
func (t *Table) AddColumn(name string, kind Kind) error {
	if name == "" {
		return fmt.Errorf("column name must not be empty")
	}
	if _, dup := t.index[name]; dup {
		return fmt.Errorf("duplicate column name %q", name)
	}
	if t.NumRows() > 0 {
		return fmt.Errorf("cannot add column %q after rows were appended", name)
	}
	t.index[name] = len(t.cols)
	t.cols = append(t.cols, Column{Name: name, Kind: kind})
	return nil
}

// AppendRow appends one cell per column, enforcing column kinds. A missing
// value is accepted in any column.
func (t *Table) AppendRow(vals ...Value) error {
	if len(vals) != len(t.cols) {
		return fmt.Errorf("row has %d cells, table has %d columns", len(vals), len(t.cols))
	}
	for i, v := range vals {
		if !v.IsMissing() && v.Kind() != t.cols[i].Kind {
			return fmt.Errorf("column %q expects %s, got %s", t.cols[i].Name, t.cols[i].Kind, v.Kind())
		}
	}
	for i, v := range vals {
		t.cols[i].Cells = append(t.cols[i].Cells, v)
	}
	return nil
}

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.cols) }

// NumRows returns the row count.
func (t *Table) NumRows() int {
	if len(t.cols) == 0 {
		return 0
	}
	return len(t.cols[0].Cells)
}

// Column returns the column at position i.
func (t *Table) Column(i int) Column { return t.cols[i] }

// ColumnByName returns the named column and whether it exists.
func (t *Table) ColumnByName(name string) (Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return Column{}, false
	}
	return t.cols[i], true
}

// Cell returns the cell at (row, col).
func (t *Table) Cell(row, col int) Value { return t.cols[col].Cells[row] }

// Names returns the column names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// KindSignature returns the ordered column kinds.
func (t *Table) KindSignature() []Kind {
	sig := make([]Kind, len(t.cols))
	for i, c := range t.cols {
		sig[i] = c.Kind
	}
	return sig
}

// Validate checks internal well-formedness: at least one column, unique
// names, equal cell counts, and cell kinds matching the declared column
// kind. The executor rejects any sandbox output that fails this.
func (t *Table) Validate() error {
	if t == nil || len(t.cols) == 0 {
		return fmt.Errorf("table has no columns")
	}
	seen := make(map[string]bool, len(t.cols))
	rows := len(t.cols[0].Cells)
	for _, c := range t.cols {
		if c.Name == "" {
			return fmt.Errorf("column with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Cells) != rows {
			return fmt.Errorf("column %q has %d cells, expected %d", c.Name, len(c.Cells), rows)
		}
		for i, v := range c.Cells {
			if !v.IsMissing() && v.Kind() != c.Kind {
				return fmt.Errorf("column %q row %d: cell kind %s does not match column kind %s",
					c.Name, i, v.Kind(), c.Kind)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := New()
	for _, c := range t.cols {
		cells := make([]Value, len(c.Cells))
		copy(cells, c.Cells)
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, Column{Name: c.Name, Kind: c.Kind, Cells: cells})
	}
	return out
}

// SortedRowOrder returns row indices ordered by the tuple of the named key
// columns' encoded values. Key names not present in the table are skipped.
// The sort is stable, so tables with no key columns keep their original
// positional order.
func (t *Table) SortedRowOrder(keyNames []string) []int {
	order := make([]int, t.NumRows())
	for i := range order {
		order[i] = i
	}
	var keyCols []int
	for _, name := range keyNames {
		if i, ok := t.index[name]; ok {
			keyCols = append(keyCols, i)
		}
	}
	if len(keyCols) == 0 {
		return order
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := order[a], order[b]
		for _, ci := range keyCols {
			ea := t.cols[ci].Cells[ra].Encode()
			eb := t.cols[ci].Cells[rb].Encode()
			if ea != eb {
				return ea < eb
			}
		}
		return false
	})
	return order
}

// RenderRow renders one row as "name=value" pairs, used for mismatch
// samples in repair feedback.
func (t *Table) RenderRow(row int) string {
	parts := make([]string, len(t.cols))
	for i, c := range t.cols {
		v := c.Cells[row]
		if v.IsMissing() {
			parts[i] = c.Name + "=<missing>"
		} else {
			parts[i] = c.Name + "=" + v.Encode()
		}
	}
	return strings.Join(parts, ", ")
}
