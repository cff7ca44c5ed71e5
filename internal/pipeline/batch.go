package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"datanerd/internal/logging"
	"datanerd/internal/table"
)

// Job names one source/truth pair for batch processing.
type Job struct {
	Name   string
	Source *table.Table
	Truth  *table.Table
}

// BatchResult pairs a job with its outcome. Err is set when the job was
// fatal (invalid inputs); other failures live inside Result.
type BatchResult struct {
	Name   string
	Result *JobResult
	Err    error
}

// RunBatch processes jobs with at most concurrency in flight. Fatal jobs
// do not stop the batch; results come back in job order.
func (m *Manager) RunBatch(ctx context.Context, jobs []Job, concurrency int) []BatchResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]BatchResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res, err := m.Run(gctx, job.Source, job.Truth)
			results[i] = BatchResult{Name: job.Name, Result: res, Err: err}
			if err != nil {
				logging.PipelineError("batch job %q failed: %v", job.Name, err)
			}
			// Job failures are recorded, not propagated: one bad sheet
			// must not cancel the rest of the batch.
			return nil
		})
	}
	g.Wait()
	return results
}
