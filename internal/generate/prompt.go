package generate

import (
	"fmt"
	"strings"
)

const systemPrompt = `You write Go programs that normalize messy tabular data.

Contract:
- The program is a single file, package main.
- It must declare exactly: func Transform(src *table.Table) (*table.Table, error)
- Allowed imports: fmt, strings, strconv, math, sort, errors, and
  "datanerd/internal/table". Nothing else; no file, network, or process access.
- Build the output with table.New(), out.AddColumn(name, kind), and
  out.AppendRow(values...). Cell constructors: table.IntValue, table.RealValue,
  table.TextValue, table.BoolValue, table.TimeValue, table.MissingValue.
  Kinds: table.KindInt, table.KindReal, table.KindText, table.KindBool,
  table.KindTime. Read cells with src.Cell(row, col), src.NumRows(),
  src.NumCols(), src.Column(i).Name. Parse temporal text with table.ParseTime.
- Use an empty table.MissingValue() for genuinely absent cells, never a
  sentinel string or zero.

Respond with only the Go source, in a single fenced code block.`

// BuildPrompt renders the user prompt for one generation request.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Write a Go program that transforms the source table into the target table.\n\n")
	fmt.Fprintf(&b, "Source structure: %s\n\n", req.Fingerprint)
	b.WriteString("SOURCE TABLE (input to Transform):\n")
	b.WriteString(req.SourcePreview)
	b.WriteString("\nTARGET TABLE (expected output):\n")
	b.WriteString(req.TruthPreview)

	if req.Feedback != nil {
		b.WriteString("\n")
		writeFeedback(&b, req.Feedback)
	}

	b.WriteString("\nThe transformation must generalize from the rows shown: derive the layout rules, do not hardcode the sample values.\n")
	return b.String()
}

// writeFeedback renders the repair section. Mismatch samples are already
// capped upstream; everything here is verbatim.
func writeFeedback(b *strings.Builder, fb *Feedback) {
	b.WriteString("A previous attempt failed. Repair it.\n\n")
	b.WriteString("PREVIOUS PROGRAM:\n```go\n")
	b.WriteString(fb.PreviousProgram)
	if !strings.HasSuffix(fb.PreviousProgram, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")

	if fb.FailureKind == "validation" {
		fmt.Fprintf(b, "The program ran but scored %.4f accuracy against the target.\n", fb.Accuracy)
		if len(fb.Mismatches) > 0 {
			b.WriteString("Sample mismatches:\n")
			for _, m := range fb.Mismatches {
				fmt.Fprintf(b, "  - %s\n", m)
			}
		}
	} else {
		fmt.Fprintf(b, "Failure (%s): %s\n", fb.FailureKind, fb.FailureDetail)
	}
	if fb.Stdout != "" {
		fmt.Fprintf(b, "Program output:\n%s\n", fb.Stdout)
	}
}
