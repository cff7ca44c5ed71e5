package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datanerd/internal/pipeline"
	"datanerd/internal/table"
	"datanerd/internal/validate"
)

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New()
	require.NoError(t, tbl.AddColumn("region", table.KindText))
	require.NoError(t, tbl.AddColumn("units", table.KindInt))
	require.NoError(t, tbl.AddColumn("revenue", table.KindReal))
	require.NoError(t, tbl.AppendRow(table.TextValue("north"), table.IntValue(10), table.RealValue(120.5)))
	require.NoError(t, tbl.AppendRow(table.TextValue("south"), table.MissingValue(), table.RealValue(98)))
	return tbl
}

func TestNewExporterRejectsBadFormat(t *testing.T) {
	_, err := NewExporter(t.TempDir(), "xml")
	assert.Error(t, err)
}

func TestWriteTableCSV(t *testing.T) {
	dir := t.TempDir()
	e, err := NewExporter(dir, "csv")
	require.NoError(t, err)

	path, err := e.WriteTable("normalized", sampleTable(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "normalized.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "region,units,revenue\nnorth,10,120.5\nsouth,,98\n", string(data))
}

func TestWriteTableJSON(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "json")
	require.NoError(t, err)

	path, err := e.WriteTable("normalized", sampleTable(t))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded struct {
		Columns []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"columns"`
		Rows [][]interface{} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Columns, 3)
	assert.Equal(t, "int", decoded.Columns[1].Kind)
	require.Len(t, decoded.Rows, 2)
	assert.Equal(t, "north", decoded.Rows[0][0])
	assert.Nil(t, decoded.Rows[1][1])
	assert.Equal(t, 98.0, decoded.Rows[1][2])
}

func TestWriteTableRejectsMalformed(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "csv")
	require.NoError(t, err)
	_, err = e.WriteTable("bad", table.New())
	assert.Error(t, err)
}

func TestWriteProgram(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "csv")
	require.NoError(t, err)

	path, err := e.WriteProgram("transform", "package main\n")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, err = e.WriteProgram("empty", "")
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "csv")
	require.NoError(t, err)

	res := &pipeline.JobResult{
		JobID:             "job-1",
		FinalState:        pipeline.StateAccepted,
		Accepted:          true,
		AcceptedIteration: 2,
		BestAccuracy:      1.0,
		Fingerprint:       table.Fingerprint{Columns: 3, KindSig: "text,text,text"},
		Elapsed:           1500 * time.Millisecond,
		Iterations: []pipeline.IterationRecord{
			{Index: 1, Source: pipeline.SourceGenerated, Report: &validate.Report{Accuracy: 0.5}},
			{Index: 2, Source: pipeline.SourceGenerated, Accepted: true, Report: &validate.Report{Accuracy: 1.0}},
		},
	}

	path, err := e.WriteReport("job-1", res)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, "accepted", decoded["final_state"])
	assert.Equal(t, true, decoded["accepted"])
	assert.Equal(t, 1500.0, decoded["elapsed_ms"])

	iters := decoded["iterations"].([]interface{})
	require.Len(t, iters, 2)
	first := iters[0].(map[string]interface{})
	assert.Equal(t, 0.5, first["accuracy"])
}
