package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datanerd/internal/table"
	"datanerd/internal/validate"
)

// quarterlyProgram unstacks a raw quarterly report: one header row, then
// repeating two-region blocks, one block per quarter.
const quarterlyProgram = `package main

import (
	"strconv"

	"datanerd/internal/table"
)

func Transform(src *table.Table) (*table.Table, error) {
	out := table.New()
	if err := out.AddColumn("quarter", table.KindInt); err != nil {
		return nil, err
	}
	if err := out.AddColumn("region", table.KindText); err != nil {
		return nil, err
	}
	if err := out.AddColumn("units", table.KindInt); err != nil {
		return nil, err
	}
	if err := out.AddColumn("revenue", table.KindReal); err != nil {
		return nil, err
	}
	for r := 1; r < src.NumRows(); r++ {
		idx := r - 1
		quarter := int64(idx/2 + 1)
		units, err := strconv.ParseInt(src.Cell(r, 1).Text(), 10, 64)
		if err != nil {
			return nil, err
		}
		revenue, err := strconv.ParseFloat(src.Cell(r, 2).Text(), 64)
		if err != nil {
			return nil, err
		}
		err = out.AppendRow(
			table.IntValue(quarter),
			table.TextValue(src.Cell(r, 0).Text()),
			table.IntValue(units),
			table.RealValue(revenue),
		)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
`

// rawQuarterly builds the stacked all-text source: a header row followed
// by quarters blocks of north/south rows.
func rawQuarterly(t *testing.T, quarters int) *table.Table {
	t.Helper()
	src := table.New()
	require.NoError(t, src.AddColumn("c0", table.KindText))
	require.NoError(t, src.AddColumn("c1", table.KindText))
	require.NoError(t, src.AddColumn("c2", table.KindText))
	require.NoError(t, src.AppendRow(table.TextValue("Region"), table.TextValue("Units"), table.TextValue("Revenue")))
	for q := 1; q <= quarters; q++ {
		for _, region := range []string{"north", "south"} {
			require.NoError(t, src.AppendRow(
				table.TextValue(region),
				table.TextValue(fmt.Sprintf("%d", 10*q)),
				table.TextValue(fmt.Sprintf("%d.5", 100*q)),
			))
		}
	}
	return src
}

func normalizedQuarterly(t *testing.T, quarters int) *table.Table {
	t.Helper()
	truth := table.New()
	require.NoError(t, truth.AddColumn("quarter", table.KindInt))
	require.NoError(t, truth.AddColumn("region", table.KindText))
	require.NoError(t, truth.AddColumn("units", table.KindInt))
	require.NoError(t, truth.AddColumn("revenue", table.KindReal))
	for q := 1; q <= quarters; q++ {
		for _, region := range []string{"north", "south"} {
			require.NoError(t, truth.AppendRow(
				table.IntValue(int64(q)),
				table.TextValue(region),
				table.IntValue(int64(10*q)),
				table.RealValue(float64(100*q)+0.5),
			))
		}
	}
	return truth
}

func TestQuarterlyNormalizationEndToEnd(t *testing.T) {
	lib := openTestLibrary(t)
	src := rawQuarterly(t, 8)
	truth := normalizedQuarterly(t, 8)

	gen := &scriptedGenerator{programs: []string{quarterlyProgram}}
	m := newTestManager(t, gen, lib)

	res, err := m.Run(context.Background(), src, truth)
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, 1.0, res.BestAccuracy)
	assert.True(t, res.BestReport.SchemaMatch)
	assert.True(t, res.BestReport.RowCountMatch)

	// The source fingerprint sees the block structure, not just shape.
	assert.Equal(t, 1, res.Fingerprint.HeaderRows)
	assert.Equal(t, 2, res.Fingerprint.Period)

	// A longer report with the same layout reuses the stored pattern
	// without generation.
	src16 := rawQuarterly(t, 16)
	truth16 := normalizedQuarterly(t, 16)
	reuse := &scriptedGenerator{}
	m2 := newTestManager(t, reuse, lib)

	res2, err := m2.Run(context.Background(), src16, truth16)
	require.NoError(t, err)
	assert.True(t, res2.Accepted)
	assert.True(t, res2.LibraryHit)
	assert.Zero(t, reuse.calls)
	assert.Equal(t, 0, res2.AcceptedIteration)
}

// TestQuarterlyPositionalComparison pins down how much of the score is
// the row alignment policy: the same correct output compared positionally
// after a reordering scores far below the key-aligned comparison.
func TestQuarterlyPositionalComparison(t *testing.T) {
	truth := normalizedQuarterly(t, 4)

	// Same data grouped region-first instead of quarter-first.
	produced := table.New()
	require.NoError(t, produced.AddColumn("quarter", table.KindInt))
	require.NoError(t, produced.AddColumn("region", table.KindText))
	require.NoError(t, produced.AddColumn("units", table.KindInt))
	require.NoError(t, produced.AddColumn("revenue", table.KindReal))
	for _, region := range []string{"north", "south"} {
		for q := 1; q <= 4; q++ {
			require.NoError(t, produced.AppendRow(
				table.IntValue(int64(q)),
				table.TextValue(region),
				table.IntValue(int64(10*q)),
				table.RealValue(float64(100*q)+0.5),
			))
		}
	}

	keyed, err := validate.Validate(produced, truth, validate.DefaultOptions())
	require.NoError(t, err)

	opts := validate.DefaultOptions()
	opts.SortByKey = false
	positional, err := validate.Validate(produced, truth, opts)
	require.NoError(t, err)

	assert.Equal(t, 1.0, keyed.Accuracy)
	assert.Less(t, positional.Accuracy, 0.7)
	assert.Greater(t, positional.Accuracy, 0.3)
}
