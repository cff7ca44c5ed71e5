package validate

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datanerd/internal/table"
)

// salesTruth builds the canonical normalized sales table used throughout
// these tests: 2 rows x 3 columns.
func salesTruth(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New()
	require.NoError(t, tbl.AddColumn("sale_id", table.KindInt))
	require.NoError(t, tbl.AddColumn("region", table.KindText))
	require.NoError(t, tbl.AddColumn("revenue", table.KindReal))
	require.NoError(t, tbl.AppendRow(table.IntValue(1), table.TextValue("north"), table.RealValue(120.5)))
	require.NoError(t, tbl.AppendRow(table.IntValue(2), table.TextValue("south"), table.RealValue(98.0)))
	return tbl
}

func TestValidateReflexive(t *testing.T) {
	truth := salesTruth(t)
	r, err := Validate(truth, truth, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1.0, r.Accuracy)
	assert.True(t, r.SchemaMatch)
	assert.True(t, r.RowCountMatch)
	assert.Equal(t, 6, r.TotalCells)
	assert.Equal(t, 6, r.MatchedCells)
	assert.Zero(t, r.MismatchCount)
	assert.Empty(t, r.Mismatches)
	assert.True(t, r.Accepted(1.0))
}

func TestValidateDeterministic(t *testing.T) {
	truth := salesTruth(t)
	produced := salesTruth(t)
	a, err := Validate(produced, truth, DefaultOptions())
	require.NoError(t, err)
	b, err := Validate(produced, truth, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(a, b))
}

func TestValidateNumericTolerance(t *testing.T) {
	truth := salesTruth(t)

	t.Run("within relative tolerance matches", func(t *testing.T) {
		produced := salesTruth(t)
		// 120.5 * (1 + 5e-7) is inside tolerance * max(1, |truth|).
		mutateRevenue(t, produced, 0, 120.5+120.5*5e-7)
		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 1.0, r.Accuracy)
	})

	t.Run("outside tolerance mismatches", func(t *testing.T) {
		produced := salesTruth(t)
		mutateRevenue(t, produced, 0, 120.6)
		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.InDelta(t, 5.0/6.0, r.Accuracy, 1e-9)
		assert.Equal(t, 1, r.MismatchCount)
		require.Len(t, r.Mismatches, 1)
		assert.Equal(t, MismatchCell, r.Mismatches[0].Kind)
		assert.Equal(t, "revenue", r.Mismatches[0].Column)
	})

	t.Run("small magnitudes use absolute floor", func(t *testing.T) {
		// For |truth| < 1 the bound is tolerance itself, not a vanishing
		// relative band.
		truth := table.New()
		require.NoError(t, truth.AddColumn("x", table.KindReal))
		require.NoError(t, truth.AppendRow(table.RealValue(1e-9)))

		produced := table.New()
		require.NoError(t, produced.AddColumn("x", table.KindReal))
		require.NoError(t, produced.AppendRow(table.RealValue(2e-9)))

		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 1.0, r.Accuracy)
	})

	t.Run("negative tolerance rejected", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Tolerance = -1
		_, err := Validate(salesTruth(t), truth, opts)
		assert.Error(t, err)
	})
}

func mutateRevenue(t *testing.T, tbl *table.Table, row int, v float64) {
	t.Helper()
	rebuilt := table.New()
	require.NoError(t, rebuilt.AddColumn("sale_id", table.KindInt))
	require.NoError(t, rebuilt.AddColumn("region", table.KindText))
	require.NoError(t, rebuilt.AddColumn("revenue", table.KindReal))
	for r := 0; r < tbl.NumRows(); r++ {
		rev := tbl.Cell(r, 2)
		if r == row {
			rev = table.RealValue(v)
		}
		require.NoError(t, rebuilt.AppendRow(tbl.Cell(r, 0), tbl.Cell(r, 1), rev))
	}
	*tbl = *rebuilt
}

func TestValidateRowOrderAlignment(t *testing.T) {
	truth := salesTruth(t)

	reversed := table.New()
	require.NoError(t, reversed.AddColumn("sale_id", table.KindInt))
	require.NoError(t, reversed.AddColumn("region", table.KindText))
	require.NoError(t, reversed.AddColumn("revenue", table.KindReal))
	require.NoError(t, reversed.AppendRow(table.IntValue(2), table.TextValue("south"), table.RealValue(98.0)))
	require.NoError(t, reversed.AppendRow(table.IntValue(1), table.TextValue("north"), table.RealValue(120.5)))

	t.Run("key alignment forgives ordering", func(t *testing.T) {
		r, err := Validate(reversed, truth, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 1.0, r.Accuracy)
	})

	t.Run("positional mode penalizes ordering", func(t *testing.T) {
		opts := DefaultOptions()
		opts.SortByKey = false
		r, err := Validate(reversed, truth, opts)
		require.NoError(t, err)
		assert.Less(t, r.Accuracy, 1.0)
	})
}

// TestValidateGroupedOutputScenario reproduces a failure shape seen with
// generated transforms: values regrouped correctly but identifiers
// reassigned. With key alignment only the identifier column misses; a
// positional comparison punishes nearly every row.
func TestValidateGroupedOutputScenario(t *testing.T) {
	truth := table.New()
	require.NoError(t, truth.AddColumn("sale_id", table.KindInt))
	require.NoError(t, truth.AddColumn("region", table.KindText))
	require.NoError(t, truth.AddColumn("units", table.KindInt))
	require.NoError(t, truth.AppendRow(table.IntValue(10), table.TextValue("east"), table.IntValue(5)))
	require.NoError(t, truth.AppendRow(table.IntValue(11), table.TextValue("north"), table.IntValue(7)))
	require.NoError(t, truth.AppendRow(table.IntValue(12), table.TextValue("west"), table.IntValue(9)))

	// Same rows grouped differently, with sale_id renumbered by the
	// produced grouping.
	produced := table.New()
	require.NoError(t, produced.AddColumn("sale_id", table.KindInt))
	require.NoError(t, produced.AddColumn("region", table.KindText))
	require.NoError(t, produced.AddColumn("units", table.KindInt))
	require.NoError(t, produced.AppendRow(table.IntValue(10), table.TextValue("west"), table.IntValue(9)))
	require.NoError(t, produced.AppendRow(table.IntValue(11), table.TextValue("east"), table.IntValue(5)))
	require.NoError(t, produced.AppendRow(table.IntValue(12), table.TextValue("north"), table.IntValue(7)))

	keyed, err := Validate(produced, truth, DefaultOptions())
	require.NoError(t, err)
	// region/units all align; only sale_id disagrees on each row.
	assert.InDelta(t, 6.0/9.0, keyed.Accuracy, 1e-9)
	for _, m := range keyed.Mismatches {
		assert.Equal(t, "sale_id", m.Column)
	}

	opts := DefaultOptions()
	opts.SortByKey = false
	positional, err := Validate(produced, truth, opts)
	require.NoError(t, err)
	assert.Less(t, positional.Accuracy, keyed.Accuracy)
}

func TestValidateRowCountDifferences(t *testing.T) {
	truth := salesTruth(t)

	t.Run("missing rows count against all their cells", func(t *testing.T) {
		produced := table.New()
		require.NoError(t, produced.AddColumn("sale_id", table.KindInt))
		require.NoError(t, produced.AddColumn("region", table.KindText))
		require.NoError(t, produced.AddColumn("revenue", table.KindReal))
		require.NoError(t, produced.AppendRow(table.IntValue(1), table.TextValue("north"), table.RealValue(120.5)))

		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.False(t, r.RowCountMatch)
		assert.Equal(t, 6, r.TotalCells)
		assert.Equal(t, 3, r.MatchedCells)
		assert.InDelta(t, 0.5, r.Accuracy, 1e-9)

		var kinds []MismatchKind
		for _, m := range r.Mismatches {
			kinds = append(kinds, m.Kind)
		}
		assert.Contains(t, kinds, MismatchMissingRow)
	})

	t.Run("extra rows grow the denominator", func(t *testing.T) {
		produced := salesTruth(t)
		require.NoError(t, produced.AppendRow(table.IntValue(3), table.TextValue("east"), table.RealValue(1.0)))

		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.False(t, r.RowCountMatch)
		assert.Equal(t, 9, r.TotalCells)
		assert.Equal(t, 6, r.MatchedCells)
		assert.InDelta(t, 2.0/3.0, r.Accuracy, 1e-9)
	})
}

func TestValidateSchemaDifferences(t *testing.T) {
	truth := salesTruth(t)

	t.Run("missing and extra columns reported", func(t *testing.T) {
		produced := table.New()
		require.NoError(t, produced.AddColumn("sale_id", table.KindInt))
		require.NoError(t, produced.AddColumn("territory", table.KindText))
		require.NoError(t, produced.AppendRow(table.IntValue(1), table.TextValue("north")))
		require.NoError(t, produced.AppendRow(table.IntValue(2), table.TextValue("south")))

		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.False(t, r.SchemaMatch)
		assert.ElementsMatch(t, []string{"region", "revenue"}, r.MissingColumns)
		assert.ElementsMatch(t, []string{"territory"}, r.ExtraColumns)
		// Cell accuracy still computed over the shared sale_id column.
		assert.InDelta(t, 2.0/6.0, r.Accuracy, 1e-9)
		assert.False(t, r.Accepted(0.1))
	})

	t.Run("kind drift breaks schema match", func(t *testing.T) {
		produced := table.New()
		require.NoError(t, produced.AddColumn("sale_id", table.KindReal))
		require.NoError(t, produced.AddColumn("region", table.KindText))
		require.NoError(t, produced.AddColumn("revenue", table.KindReal))
		require.NoError(t, produced.AppendRow(table.RealValue(1), table.TextValue("north"), table.RealValue(120.5)))
		require.NoError(t, produced.AppendRow(table.RealValue(2), table.TextValue("south"), table.RealValue(98.0)))

		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err)
		assert.False(t, r.SchemaMatch)
		assert.Equal(t, []ColumnMismatch{
			{Name: "sale_id", Expected: table.KindInt, Actual: table.KindReal},
		}, r.ColumnMismatches)
		// Numeric cells still compare across int/real.
		assert.Equal(t, 1.0, r.Accuracy)
		assert.False(t, r.Accepted(1.0))
	})

	t.Run("loose kinds tolerate numeric drift", func(t *testing.T) {
		produced := table.New()
		require.NoError(t, produced.AddColumn("sale_id", table.KindReal))
		require.NoError(t, produced.AddColumn("region", table.KindText))
		require.NoError(t, produced.AddColumn("revenue", table.KindReal))
		require.NoError(t, produced.AppendRow(table.RealValue(1), table.TextValue("north"), table.RealValue(120.5)))
		require.NoError(t, produced.AppendRow(table.RealValue(2), table.TextValue("south"), table.RealValue(98.0)))

		opts := DefaultOptions()
		opts.LooseKinds = true
		r, err := Validate(produced, truth, opts)
		require.NoError(t, err)
		assert.True(t, r.SchemaMatch)
		assert.Empty(t, r.ColumnMismatches)
		assert.True(t, r.Accepted(1.0))
	})

	t.Run("loose kinds still reject text drift", func(t *testing.T) {
		produced := table.New()
		require.NoError(t, produced.AddColumn("sale_id", table.KindInt))
		require.NoError(t, produced.AddColumn("region", table.KindText))
		require.NoError(t, produced.AddColumn("revenue", table.KindText))
		require.NoError(t, produced.AppendRow(table.IntValue(1), table.TextValue("north"), table.TextValue("120.5")))
		require.NoError(t, produced.AppendRow(table.IntValue(2), table.TextValue("south"), table.TextValue("98.0")))

		opts := DefaultOptions()
		opts.LooseKinds = true
		r, err := Validate(produced, truth, opts)
		require.NoError(t, err)
		assert.False(t, r.SchemaMatch)
		require.Len(t, r.ColumnMismatches, 1)
		assert.Equal(t, "column revenue is text, want real", r.ColumnMismatches[0].String())
	})
}

func TestValidateMissingCells(t *testing.T) {
	truth := salesTruth(t)
	produced := table.New()
	require.NoError(t, produced.AddColumn("sale_id", table.KindInt))
	require.NoError(t, produced.AddColumn("region", table.KindText))
	require.NoError(t, produced.AddColumn("revenue", table.KindReal))
	require.NoError(t, produced.AppendRow(table.IntValue(1), table.TextValue("north"), table.MissingValue()))
	require.NoError(t, produced.AppendRow(table.IntValue(2), table.TextValue("south"), table.RealValue(98.0)))

	r, err := Validate(produced, truth, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 5.0/6.0, r.Accuracy, 1e-9)
	require.Len(t, r.Mismatches, 1)
	assert.Equal(t, "<missing>", r.Mismatches[0].Produced)
}

func TestValidateSampleCapKeepsExactCounts(t *testing.T) {
	truth := table.New()
	require.NoError(t, truth.AddColumn("id", table.KindInt))
	require.NoError(t, truth.AddColumn("v", table.KindInt))
	produced := table.New()
	require.NoError(t, produced.AddColumn("id", table.KindInt))
	require.NoError(t, produced.AddColumn("v", table.KindInt))
	for i := 0; i < 50; i++ {
		require.NoError(t, truth.AppendRow(table.IntValue(int64(i)), table.IntValue(int64(i))))
		require.NoError(t, produced.AppendRow(table.IntValue(int64(i)), table.IntValue(int64(i+1000))))
	}

	opts := DefaultOptions()
	opts.MaxSamples = 5
	r, err := Validate(produced, truth, opts)
	require.NoError(t, err)
	assert.Len(t, r.Mismatches, 5)
	assert.Equal(t, 50, r.MismatchCount)
	assert.Equal(t, 50, r.MatchedCells)
}

func TestValidateCorruptionMonotonicity(t *testing.T) {
	truth := table.New()
	require.NoError(t, truth.AddColumn("id", table.KindInt))
	require.NoError(t, truth.AddColumn("v", table.KindInt))
	for i := 0; i < 10; i++ {
		require.NoError(t, truth.AppendRow(table.IntValue(int64(i)), table.IntValue(int64(i*10))))
	}

	prev := 1.1
	for corrupted := 0; corrupted <= 10; corrupted += 2 {
		produced := table.New()
		require.NoError(t, produced.AddColumn("id", table.KindInt))
		require.NoError(t, produced.AddColumn("v", table.KindInt))
		for i := 0; i < 10; i++ {
			v := int64(i * 10)
			if i < corrupted {
				v = -1
			}
			require.NoError(t, produced.AppendRow(table.IntValue(int64(i)), table.IntValue(v)))
		}
		r, err := Validate(produced, truth, DefaultOptions())
		require.NoError(t, err, fmt.Sprintf("corrupted=%d", corrupted))
		assert.Less(t, r.Accuracy, prev)
		prev = r.Accuracy
	}
}

func TestValidateRejectsMalformedTables(t *testing.T) {
	truth := salesTruth(t)
	_, err := Validate(table.New(), truth, DefaultOptions())
	assert.Error(t, err)
	_, err = Validate(truth, table.New(), DefaultOptions())
	assert.Error(t, err)
}

func TestMismatchString(t *testing.T) {
	assert.Contains(t, Mismatch{Kind: MismatchCell, Row: 3, Column: "v", Produced: "1", Expected: "2"}.String(), "got 1, want 2")
	assert.Contains(t, Mismatch{Kind: MismatchMissingRow, Row: 1, Expected: "id=1"}.String(), "missing")
	assert.Contains(t, Mismatch{Kind: MismatchExtraRow, Row: 4, Produced: "id=9"}.String(), "extra")
}
