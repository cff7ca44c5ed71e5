// Package export writes run artifacts: the normalized table, the program
// that produced it, and a machine-readable run report.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"datanerd/internal/logging"
	"datanerd/internal/pipeline"
	"datanerd/internal/sandbox"
	"datanerd/internal/table"
)

// Exporter writes artifacts under a fixed directory.
type Exporter struct {
	dir    string
	format string
}

// NewExporter creates the artifact directory if needed. Format is "csv"
// or "json" and controls table output only; reports are always JSON.
func NewExporter(dir, format string) (*Exporter, error) {
	switch format {
	case "csv", "json":
	default:
		return nil, fmt.Errorf("invalid export format: %s (valid: csv, json)", format)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &Exporter{dir: dir, format: format}, nil
}

// WriteTable writes a table as <name>.csv or <name>.json and returns the
// path.
func (e *Exporter) WriteTable(name string, t *table.Table) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("refusing to export malformed table: %w", err)
	}
	var path string
	var err error
	if e.format == "json" {
		path = filepath.Join(e.dir, name+".json")
		err = writeJSONTable(path, t)
	} else {
		path = filepath.Join(e.dir, name+".csv")
		err = writeCSVTable(path, t)
	}
	if err != nil {
		logging.ExportError("failed to write %s: %v", path, err)
		return "", err
	}
	logging.Export("wrote %s (%d rows)", path, t.NumRows())
	return path, nil
}

// WriteProgram writes the transformation source as <name>.go.
func (e *Exporter) WriteProgram(name, program string) (string, error) {
	if program == "" {
		return "", fmt.Errorf("no program to export")
	}
	path := filepath.Join(e.dir, name+".go")
	if err := os.WriteFile(path, []byte(program), 0644); err != nil {
		logging.ExportError("failed to write %s: %v", path, err)
		return "", fmt.Errorf("failed to write program: %w", err)
	}
	logging.Export("wrote %s", path)
	return path, nil
}

// runReport is the serialized shape of a job result.
type runReport struct {
	JobID             string            `json:"job_id"`
	FinalState        string            `json:"final_state"`
	Accepted          bool              `json:"accepted"`
	AcceptedIteration int               `json:"accepted_iteration"`
	BestAccuracy      float64           `json:"best_accuracy"`
	LibraryHit        bool              `json:"library_hit"`
	PatternID         string            `json:"pattern_id,omitempty"`
	Fingerprint       table.Fingerprint `json:"fingerprint"`
	ElapsedMS         int64             `json:"elapsed_ms"`
	Iterations        []iterationReport `json:"iterations"`
}

type iterationReport struct {
	Index            int     `json:"index"`
	Source           string  `json:"source"`
	Accepted         bool    `json:"accepted"`
	Accuracy         float64 `json:"accuracy"`
	ExecError        string  `json:"exec_error,omitempty"`
	ExecDetail       string  `json:"exec_detail,omitempty"`
	GenerationFailed bool    `json:"generation_failed,omitempty"`
	DurationMS       int64   `json:"duration_ms"`
}

// WriteReport writes the run summary as <name>.report.json.
func (e *Exporter) WriteReport(name string, res *pipeline.JobResult) (string, error) {
	rep := runReport{
		JobID:             res.JobID,
		FinalState:        res.FinalState.String(),
		Accepted:          res.Accepted,
		AcceptedIteration: res.AcceptedIteration,
		BestAccuracy:      res.BestAccuracy,
		LibraryHit:        res.LibraryHit,
		PatternID:         res.PatternID,
		Fingerprint:       res.Fingerprint,
		ElapsedMS:         res.Elapsed.Milliseconds(),
	}
	for _, it := range res.Iterations {
		ir := iterationReport{
			Index:            it.Index,
			Source:           string(it.Source),
			Accepted:         it.Accepted,
			Accuracy:         it.Accuracy(),
			GenerationFailed: it.GenerationFailed,
			DurationMS:       it.Duration.Milliseconds(),
		}
		if it.ExecError != sandbox.ErrorNone {
			ir.ExecError = it.ExecError.String()
			ir.ExecDetail = it.ExecDetail
		}
		rep.Iterations = append(rep.Iterations, ir)
	}

	path := filepath.Join(e.dir, name+".report.json")
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.ExportError("failed to write %s: %v", path, err)
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	logging.Export("wrote %s", path)
	return path, nil
}

func writeCSVTable(path string, t *table.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Names()); err != nil {
		return err
	}
	for r := 0; r < t.NumRows(); r++ {
		rec := make([]string, t.NumCols())
		for c := 0; c < t.NumCols(); c++ {
			v := t.Cell(r, c)
			if !v.IsMissing() {
				rec[c] = v.Encode()
			}
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type jsonTable struct {
	Columns []jsonColumn    `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

type jsonColumn struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func writeJSONTable(path string, t *table.Table) error {
	out := jsonTable{}
	for i := 0; i < t.NumCols(); i++ {
		c := t.Column(i)
		out.Columns = append(out.Columns, jsonColumn{Name: c.Name, Kind: c.Kind.String()})
	}
	for r := 0; r < t.NumRows(); r++ {
		row := make([]interface{}, t.NumCols())
		for c := 0; c < t.NumCols(); c++ {
			row[c] = cellJSON(t.Cell(r, c))
		}
		out.Rows = append(out.Rows, row)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode table: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func cellJSON(v table.Value) interface{} {
	if v.IsMissing() {
		return nil
	}
	switch v.Kind() {
	case table.KindInt:
		return v.Int()
	case table.KindReal:
		return v.Real()
	case table.KindBool:
		return v.Bool()
	default:
		return v.Encode()
	}
}
