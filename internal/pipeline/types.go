// Package pipeline drives the normalize loop: fingerprint the source, try
// the pattern library, then generate, execute, validate, and repair until
// the output is accepted or the iteration budget runs out.
package pipeline

import (
	"time"

	"datanerd/internal/sandbox"
	"datanerd/internal/table"
	"datanerd/internal/validate"
)

// =============================================================================
// STATES
// =============================================================================

// State is the pipeline's position in the loop.
type State int

const (
	StateInit State = iota
	StateLibraryLookup
	StateGenerating
	StateExecuting
	StateValidating
	StateAnalyzing
	StateAccepted
	StateExhausted
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLibraryLookup:
		return "library_lookup"
	case StateGenerating:
		return "generating"
	case StateExecuting:
		return "executing"
	case StateValidating:
		return "validating"
	case StateAnalyzing:
		return "analyzing"
	case StateAccepted:
		return "accepted"
	case StateExhausted:
		return "exhausted"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// =============================================================================
// ITERATION RECORDS
// =============================================================================

// ProgramSource says where an iteration's program came from.
type ProgramSource string

const (
	SourceLibrary   ProgramSource = "library"
	SourceGenerated ProgramSource = "generated"
)

// IterationRecord captures one attempt. The library attempt, when it
// happens, is iteration 0; generated attempts count 1..MaxIterations.
type IterationRecord struct {
	Index    int
	Source   ProgramSource
	Program  string
	Duration time.Duration

	// ExecError is the sandbox failure class, ErrorNone when the program
	// ran and produced a table.
	ExecError  sandbox.ErrorKind
	ExecDetail string

	// Stdout is the log captured up to success or the failure point; it
	// rides into repair feedback so the generator sees its own prints.
	Stdout string

	// Report is nil when execution failed.
	Report   *validate.Report
	Accepted bool

	// GenerationFailed marks a slot consumed by an unavailable generator.
	GenerationFailed bool
}

// Accuracy returns the validated accuracy, or -1 when the attempt never
// reached validation.
func (r *IterationRecord) Accuracy() float64 {
	if r.Report == nil {
		return -1
	}
	return r.Report.Accuracy
}

// JobResult is the outcome of one Run.
type JobResult struct {
	JobID       string
	FinalState  State
	Fingerprint table.Fingerprint

	Accepted          bool
	AcceptedIteration int

	// Best-so-far across all attempts, populated whenever at least one
	// attempt reached validation. On EXHAUSTED this is the closest miss;
	// on ACCEPTED it is the winning attempt. BestTable is that attempt's
	// produced table, kept so callers can persist the output without
	// rerunning the program.
	BestProgram  string
	BestAccuracy float64
	BestReport   *validate.Report
	BestTable    *table.Table

	LibraryHit bool
	PatternID  string

	Iterations []IterationRecord
	Elapsed    time.Duration
}
