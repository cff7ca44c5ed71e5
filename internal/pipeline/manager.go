package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"datanerd/internal/generate"
	"datanerd/internal/library"
	"datanerd/internal/logging"
	"datanerd/internal/sandbox"
	"datanerd/internal/table"
	"datanerd/internal/validate"
)

// Config bounds the iteration loop.
type Config struct {
	MaxIterations     int
	AccuracyThreshold float64
	UseLibrary        bool
	PreviewRows       int
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     5,
		AccuracyThreshold: 1.0,
		UseLibrary:        true,
		PreviewRows:       30,
	}
}

// Manager runs normalize jobs. The library is optional; a nil library
// simply skips the lookup and record steps.
type Manager struct {
	exec  *sandbox.Executor
	gen   generate.Generator
	lib   *library.Library
	vopts validate.Options
	cfg   Config
}

// NewManager wires a manager from its parts.
func NewManager(exec *sandbox.Executor, gen generate.Generator, lib *library.Library, vopts validate.Options, cfg Config) *Manager {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.PreviewRows < 1 {
		cfg.PreviewRows = DefaultConfig().PreviewRows
	}
	return &Manager{exec: exec, gen: gen, lib: lib, vopts: vopts, cfg: cfg}
}

// Run normalizes one source table against its ground truth. Invalid
// inputs are fatal: no iteration runs, and the error comes back alongside
// a result in the fatal state. Everything past input validation is
// reported in the result, including total failure.
func (m *Manager) Run(ctx context.Context, src, truth *table.Table) (*JobResult, error) {
	start := time.Now()

	if err := src.Validate(); err != nil {
		return m.fatal(fmt.Errorf("source table invalid: %w", err))
	}
	if err := truth.Validate(); err != nil {
		return m.fatal(fmt.Errorf("ground truth table invalid: %w", err))
	}

	res := &JobResult{
		JobID:        uuid.NewString(),
		Fingerprint:  table.ComputeFingerprint(src),
		BestAccuracy: -1,
	}
	logging.Pipeline("job %s started: %s", res.JobID, res.Fingerprint)
	logging.Audit(logging.AuditJobStart, res.JobID, map[string]interface{}{
		"fingerprint": res.Fingerprint.String(),
	})

	srcPreview := generate.RenderPreview(src, m.cfg.PreviewRows)
	truthPreview := generate.RenderPreview(truth, m.cfg.PreviewRows)

	var feedback *generate.Feedback

	// Iteration 0: the library attempt.
	if m.lib != nil && m.cfg.UseLibrary {
		feedback = m.tryLibrary(ctx, src, truth, res)
		if res.Accepted {
			res.Elapsed = time.Since(start)
			return res, nil
		}
	}

	for i := 1; i <= m.cfg.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			res.FinalState = StateExhausted
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		default:
		}

		res.FinalState = StateGenerating
		logging.Audit(logging.AuditGeneratorCall, res.JobID, map[string]interface{}{"iteration": i})
		program, err := m.gen.Generate(ctx, generate.Request{
			SourcePreview: srcPreview,
			TruthPreview:  truthPreview,
			Fingerprint:   res.Fingerprint,
			Feedback:      feedback,
		})
		if err != nil {
			// An unavailable or unusable generator consumes the slot; the
			// previous feedback stays in place for the next attempt.
			rec := IterationRecord{Index: i, Source: SourceGenerated, GenerationFailed: true, ExecDetail: err.Error()}
			res.Iterations = append(res.Iterations, rec)
			if errors.Is(err, generate.ErrUnavailable) {
				logging.PipelineWarn("job %s iteration %d: generator unavailable: %v", res.JobID, i, err)
			} else {
				logging.PipelineWarn("job %s iteration %d: unusable generation: %v", res.JobID, i, err)
			}
			logging.Audit(logging.AuditGeneratorError, res.JobID, map[string]interface{}{
				"iteration": i, "error": err.Error(),
			})
			continue
		}

		rec := m.attempt(ctx, i, SourceGenerated, program, src, truth, res)
		res.Iterations = append(res.Iterations, *rec)

		if rec.Accepted {
			m.accept(res, rec)
			m.record(res, rec)
			res.Elapsed = time.Since(start)
			return res, nil
		}
		res.FinalState = StateAnalyzing
		feedback = buildFeedback(rec)
	}

	res.FinalState = StateExhausted
	res.Elapsed = time.Since(start)
	logging.Pipeline("job %s exhausted after %d iterations (best=%.4f)",
		res.JobID, m.cfg.MaxIterations, res.BestAccuracy)
	logging.Audit(logging.AuditJobExhausted, res.JobID, map[string]interface{}{
		"best_accuracy": res.BestAccuracy,
	})
	return res, nil
}

// fatal reports a job that never got to iterate.
func (m *Manager) fatal(err error) (*JobResult, error) {
	res := &JobResult{
		JobID:        uuid.NewString(),
		FinalState:   StateFatal,
		BestAccuracy: -1,
	}
	logging.PipelineError("job %s fatal: %v", res.JobID, err)
	logging.Audit(logging.AuditJobFatal, res.JobID, map[string]interface{}{
		"error": err.Error(),
	})
	return res, err
}

// tryLibrary runs the library attempt and returns repair feedback when it
// falls short, so the first generated program starts from the near miss.
func (m *Manager) tryLibrary(ctx context.Context, src, truth *table.Table, res *JobResult) *generate.Feedback {
	res.FinalState = StateLibraryLookup

	pattern, ok, err := m.lib.Lookup(res.Fingerprint)
	if err != nil {
		logging.PipelineWarn("job %s: library lookup failed: %v", res.JobID, err)
		return nil
	}
	if !ok {
		logging.Audit(logging.AuditLibraryMiss, res.JobID, nil)
		return nil
	}

	res.LibraryHit = true
	res.PatternID = pattern.ID
	logging.Audit(logging.AuditLibraryHit, res.JobID, map[string]interface{}{
		"pattern_id": pattern.ID,
	})

	rec := m.attempt(ctx, 0, SourceLibrary, pattern.Program, src, truth, res)
	res.Iterations = append(res.Iterations, *rec)

	if rec.Accepted {
		m.accept(res, rec)
		if err := m.lib.Touch(pattern.ID); err != nil {
			logging.PipelineWarn("job %s: failed to touch pattern %s: %v", res.JobID, pattern.ID, err)
		}
		return nil
	}
	logging.Pipeline("job %s: library pattern %s missed (accuracy=%.4f)",
		res.JobID, pattern.ID, rec.Accuracy())
	return buildFeedback(rec)
}

// attempt executes one program and validates its output, updating the
// best-so-far pointer.
func (m *Manager) attempt(ctx context.Context, index int, source ProgramSource, program string, src, truth *table.Table, res *JobResult) *IterationRecord {
	rec := &IterationRecord{Index: index, Source: source, Program: program}

	res.FinalState = StateExecuting
	execRes := m.exec.Execute(ctx, program, src)
	rec.Duration = execRes.Duration
	rec.ExecError = execRes.ErrKind
	rec.Stdout = execRes.Stdout
	if execRes.Err != nil {
		rec.ExecDetail = execRes.Err.Error()
	}

	if !execRes.OK() {
		logging.Pipeline("job %s iteration %d: execution failed (%s)", res.JobID, index, execRes.ErrKind)
		logging.Audit(logging.AuditIteration, res.JobID, map[string]interface{}{
			"iteration": index, "source": string(source), "exec_error": execRes.ErrKind.String(),
		})
		return rec
	}

	res.FinalState = StateValidating
	report, err := validate.Validate(execRes.Output, truth, m.vopts)
	if err != nil {
		rec.ExecError = sandbox.ErrorMalformedOutput
		rec.ExecDetail = err.Error()
		return rec
	}
	rec.Report = report
	rec.Accepted = report.Accepted(m.cfg.AccuracyThreshold)

	// An accepted attempt always wins the best-so-far pointer, even when a
	// schema-mismatched earlier attempt scored more raw cells.
	if rec.Accepted || report.Accuracy > res.BestAccuracy {
		res.BestAccuracy = report.Accuracy
		res.BestProgram = program
		res.BestReport = report
		res.BestTable = execRes.Output
	}

	logging.Pipeline("job %s iteration %d: accuracy=%.4f accepted=%v",
		res.JobID, index, report.Accuracy, rec.Accepted)
	logging.Audit(logging.AuditIteration, res.JobID, map[string]interface{}{
		"iteration": index, "source": string(source), "accuracy": report.Accuracy,
	})
	return rec
}

func (m *Manager) accept(res *JobResult, rec *IterationRecord) {
	res.Accepted = true
	res.AcceptedIteration = rec.Index
	res.FinalState = StateAccepted
	logging.Pipeline("job %s accepted at iteration %d (accuracy=%.4f)",
		res.JobID, rec.Index, rec.Accuracy())
	logging.Audit(logging.AuditJobAccepted, res.JobID, map[string]interface{}{
		"iteration": rec.Index, "accuracy": rec.Accuracy(),
	})
}

// record stores an accepted generated program back into the library,
// under the accuracy that program itself achieved.
func (m *Manager) record(res *JobResult, rec *IterationRecord) {
	if m.lib == nil || !m.cfg.UseLibrary {
		return
	}
	if _, err := m.lib.Record(res.Fingerprint, rec.Program, rec.Report.Accuracy); err != nil {
		logging.PipelineWarn("job %s: failed to record pattern: %v", res.JobID, err)
	}
}
