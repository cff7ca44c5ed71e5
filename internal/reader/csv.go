// Package reader ingests CSV sources into the table model. Two modes:
// typed reading for ground truth files with a trustworthy header, and raw
// reading for messy sources where every cell stays text and the structure
// analysis happens downstream.
package reader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"datanerd/internal/logging"
	"datanerd/internal/table"
)

// ErrUnreadableSource wraps any failure to parse the input at all, as
// opposed to a file that parses into an empty or odd-looking table.
var ErrUnreadableSource = errors.New("unreadable source")

// ReadCSV reads a CSV file with a header row, inferring a kind for each
// column from its cells. Empty cells become missing values.
func ReadCSV(path string) (*table.Table, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: %s has no data rows", ErrUnreadableSource, path)
	}

	header := records[0]
	body := records[1:]
	kinds := make([]table.Kind, len(header))
	for c := range header {
		kinds[c] = inferKind(body, c)
	}

	t := table.New()
	for c, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("c%d", c)
		}
		if err := t.AddColumn(name, kinds[c]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
		}
	}
	for rn, rec := range body {
		vals := make([]table.Value, len(header))
		for c := range header {
			if c >= len(rec) {
				vals[c] = table.MissingValue()
				continue
			}
			v, err := parseCell(rec[c], kinds[c])
			if err != nil {
				logging.ReaderWarn("%s row %d col %s: %v, treating as missing", path, rn+1, header[c], err)
				v = table.MissingValue()
			}
			vals[c] = v
		}
		if err := t.AppendRow(vals...); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrUnreadableSource, rn+1, err)
		}
	}

	logging.Reader("read %s: %d rows, %d columns", path, t.NumRows(), t.NumCols())
	return t, nil
}

// ReadCSVRaw reads a CSV file with no assumptions: every cell is text,
// columns are named c0..cN, and any header rows stay in the data for the
// transformation program to deal with.
func ReadCSVRaw(path string) (*table.Table, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnreadableSource, path)
	}

	width := 0
	for _, rec := range records {
		if len(rec) > width {
			width = len(rec)
		}
	}

	t := table.New()
	for c := 0; c < width; c++ {
		if err := t.AddColumn(fmt.Sprintf("c%d", c), table.KindText); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
		}
	}
	for _, rec := range records {
		vals := make([]table.Value, width)
		for c := 0; c < width; c++ {
			if c >= len(rec) || strings.TrimSpace(rec[c]) == "" {
				vals[c] = table.MissingValue()
			} else {
				vals[c] = table.TextValue(rec[c])
			}
		}
		if err := t.AppendRow(vals...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
		}
	}

	logging.Reader("read %s raw: %d rows, %d columns", path, t.NumRows(), t.NumCols())
	return t, nil
}

func readRecords(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	// Ragged rows are the norm in messy exports.
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// inferKind picks the narrowest kind that fits every present cell of the
// column: int beats real beats bool beats time beats text.
func inferKind(body [][]string, col int) table.Kind {
	isInt, isReal, isBool, isTime := true, true, true, true
	present := 0
	for _, rec := range body {
		if col >= len(rec) {
			continue
		}
		s := strings.TrimSpace(rec[col])
		if s == "" {
			continue
		}
		present++
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			isReal = false
		}
		if !isBoolish(s) {
			isBool = false
		}
		if _, err := table.ParseTime(s); err != nil {
			isTime = false
		}
	}
	if present == 0 {
		return table.KindText
	}
	switch {
	case isInt:
		return table.KindInt
	case isReal:
		return table.KindReal
	case isBool:
		return table.KindBool
	case isTime:
		return table.KindTime
	default:
		return table.KindText
	}
}

func isBoolish(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

func parseCell(s string, kind table.Kind) (table.Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return table.MissingValue(), nil
	}
	switch kind {
	case table.KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return table.Value{}, err
		}
		return table.IntValue(n), nil
	case table.KindReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return table.Value{}, err
		}
		return table.RealValue(f), nil
	case table.KindBool:
		switch strings.ToLower(s) {
		case "true", "yes":
			return table.BoolValue(true), nil
		case "false", "no":
			return table.BoolValue(false), nil
		}
		return table.Value{}, fmt.Errorf("not a boolean: %q", s)
	case table.KindTime:
		ts, err := table.ParseTime(s)
		if err != nil {
			return table.Value{}, err
		}
		return table.TimeValue(ts), nil
	default:
		return table.TextValue(s), nil
	}
}
