package pipeline

import (
	"strings"

	"datanerd/internal/generate"
)

// repairSampleCap bounds how many mismatch samples reach the repair
// prompt; the full capped list stays on the report.
const repairSampleCap = 10

// buildFeedback turns a failed attempt into repair feedback for the next
// generation. Execution failures carry the failure class and detail;
// validation misses carry the score and concrete mismatches.
func buildFeedback(rec *IterationRecord) *generate.Feedback {
	fb := &generate.Feedback{
		PreviousProgram: rec.Program,
		Stdout:          rec.Stdout,
	}

	if rec.Report == nil {
		fb.FailureKind = rec.ExecError.String()
		fb.FailureDetail = rec.ExecDetail
		return fb
	}

	fb.FailureKind = "validation"
	fb.Accuracy = rec.Report.Accuracy
	n := len(rec.Report.Mismatches)
	if n > repairSampleCap {
		n = repairSampleCap
	}
	for _, m := range rec.Report.Mismatches[:n] {
		fb.Mismatches = append(fb.Mismatches, m.String())
	}
	if !rec.Report.SchemaMatch {
		detail := "output schema differs from target"
		if len(rec.Report.MissingColumns) > 0 {
			detail += "; missing columns: " + strings.Join(rec.Report.MissingColumns, ", ")
		}
		if len(rec.Report.ExtraColumns) > 0 {
			detail += "; unexpected columns: " + strings.Join(rec.Report.ExtraColumns, ", ")
		}
		if len(rec.Report.ColumnMismatches) > 0 {
			kinds := make([]string, len(rec.Report.ColumnMismatches))
			for i, cm := range rec.Report.ColumnMismatches {
				kinds[i] = cm.String()
			}
			detail += "; wrong kinds: " + strings.Join(kinds, ", ")
		}
		fb.FailureDetail = detail
	}
	return fb
}
