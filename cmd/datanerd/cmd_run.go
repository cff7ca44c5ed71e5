package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"datanerd/internal/export"
	"datanerd/internal/generate"
	"datanerd/internal/library"
	"datanerd/internal/pipeline"
	"datanerd/internal/reader"
	"datanerd/internal/sandbox"
	"datanerd/internal/table"
	"datanerd/internal/validate"
)

var (
	runTimeout   time.Duration
	typedSource  bool
	outDir       string
	concurrency  int
	truthPattern string
)

// runCmd normalizes a single source file against a ground truth file
var runCmd = &cobra.Command{
	Use:   "run [source.csv] [truth.csv]",
	Short: "Normalize one source table against a ground truth table",
	Long: `Reads the source spreadsheet and the ground truth table, then runs the
normalize loop: pattern library first, generated transforms after.

The source is read untyped (every cell text, columns c0..cN) so the
transform program owns parsing; pass --typed-source to infer column
kinds up front instead. Artifacts (normalized table, accepted program,
run report) are written to the export directory.

Example:
  datanerd run messy_q3.csv clean_q3.csv`,
	Args: cobra.ExactArgs(2),
	RunE: runSingle,
}

// batchCmd normalizes every pair in a directory
var batchCmd = &cobra.Command{
	Use:   "batch [dir]",
	Short: "Normalize every source/truth pair in a directory",
	Long: `Scans a directory for source files with a matching ground truth file
and runs them concurrently. A pair is NAME.csv + NAME.truth.csv by
default; --truth-suffix changes the truth naming.

Example:
  datanerd batch ./inbox --concurrency 4`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "Overall job timeout")
	runCmd.Flags().BoolVar(&typedSource, "typed-source", false, "Infer column kinds for the source instead of reading raw text")
	runCmd.Flags().StringVarP(&outDir, "out", "o", "", "Export directory (default from config)")

	batchCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Overall batch timeout")
	batchCmd.Flags().IntVar(&concurrency, "concurrency", 2, "Jobs to run in parallel")
	batchCmd.Flags().StringVar(&truthPattern, "truth-suffix", ".truth.csv", "Suffix identifying ground truth files")
	batchCmd.Flags().StringVarP(&outDir, "out", "o", "", "Export directory (default from config)")
}

// buildManager assembles the pipeline from the loaded config. The caller
// owns the returned library handle and must close it.
func buildManager(ctx context.Context) (*pipeline.Manager, *library.Library, error) {
	if err := cfg.ValidateForGeneration(); err != nil {
		return nil, nil, err
	}

	exec := sandbox.NewExecutor(sandbox.Limits{
		Timeout:        cfg.GetSandboxTimeout(),
		MemoryLimit:    cfg.GetSandboxMemoryLimit(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * 1024,
	})

	gen, err := generate.NewGeminiGenerator(ctx, cfg.Generator.APIKey, cfg.Generator.Model, cfg.Generator.Temperature)
	if err != nil {
		return nil, nil, fmt.Errorf("generator init: %w", err)
	}

	libOpts := library.DefaultOptions()
	libOpts.SimilarityFloor = cfg.Library.SimilarityFloor
	lib, err := library.Open(cfg.Library.DatabasePath, libOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("pattern library: %w", err)
	}

	vopts := validate.Options{
		Tolerance:  cfg.Validation.Tolerance,
		MaxSamples: cfg.Validation.MismatchSamples,
		SortByKey:  cfg.Validation.SortByKey,
	}
	pcfg := pipeline.Config{
		MaxIterations:     cfg.Pipeline.MaxIterations,
		AccuracyThreshold: cfg.Validation.AccuracyThreshold,
		UseLibrary:        cfg.Pipeline.UseLibrary,
		PreviewRows:       pipeline.DefaultConfig().PreviewRows,
	}
	return pipeline.NewManager(exec, gen, lib, vopts, pcfg), lib, nil
}

func newExporter() (*export.Exporter, error) {
	dir := outDir
	if dir == "" {
		dir = cfg.Export.Directory
	}
	return export.NewExporter(dir, cfg.Export.Format)
}

func readSource(path string) (*table.Table, error) {
	if typedSource {
		return reader.ReadCSV(path)
	}
	return reader.ReadCSVRaw(path)
}

// signalContext cancels on SIGINT/SIGTERM so a long batch can be
// interrupted without losing the audit trail.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, runTimeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runSingle(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	mgr, lib, err := buildManager(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	src, err := readSource(args[0])
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	truth, err := reader.ReadCSV(args[1])
	if err != nil {
		return fmt.Errorf("ground truth: %w", err)
	}

	logger.Info("Normalizing",
		zap.String("source", args[0]),
		zap.String("truth", args[1]),
		zap.Int("rows", src.NumRows()),
		zap.Int("cols", src.NumCols()))

	res, err := mgr.Run(ctx, src, truth)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	name := jobName(args[0])
	if err := exportResult(name, res); err != nil {
		return err
	}
	printResult(name, res)
	if !res.Accepted {
		return fmt.Errorf("job %s not accepted: best accuracy %.4f after %d iterations",
			res.JobID, res.BestAccuracy, len(res.Iterations))
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	mgr, lib, err := buildManager(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	jobs, err := collectJobs(args[0])
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no source/truth pairs found in %s (truth suffix %q)", args[0], truthPattern)
	}
	logger.Info("Batch starting", zap.Int("jobs", len(jobs)), zap.Int("concurrency", concurrency))

	results := mgr.RunBatch(ctx, jobs, concurrency)

	failed := 0
	for _, br := range results {
		if br.Err != nil {
			failed++
			logger.Error("Job failed", zap.String("name", br.Name), zap.Error(br.Err))
			fmt.Printf("%-24s FATAL: %v\n", br.Name, br.Err)
			continue
		}
		if err := exportResult(br.Name, br.Result); err != nil {
			logger.Error("Export failed", zap.String("name", br.Name), zap.Error(err))
		}
		printResult(br.Name, br.Result)
		if !br.Result.Accepted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs not accepted", failed, len(jobs))
	}
	return nil
}

// collectJobs pairs NAME<suffix> truth files with their NAME.csv sources.
func collectJobs(dir string) ([]pipeline.Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var jobs []pipeline.Job
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), truthPattern) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), truthPattern)
		srcPath := filepath.Join(dir, name+".csv")
		if _, err := os.Stat(srcPath); err != nil {
			logger.Warn("Truth file without source, skipping", zap.String("truth", entry.Name()))
			continue
		}
		src, err := readSource(srcPath)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", srcPath, err)
		}
		truth, err := reader.ReadCSV(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("ground truth %s: %w", entry.Name(), err)
		}
		jobs = append(jobs, pipeline.Job{Name: name, Source: src, Truth: truth})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

// exportResult writes the run report, plus the best attempt's program and
// table when the job produced one. Exhausted jobs still export their
// best-effort output; the report carries the low-confidence flag.
func exportResult(name string, res *pipeline.JobResult) error {
	exp, err := newExporter()
	if err != nil {
		return err
	}
	if _, err := exp.WriteReport(name, res); err != nil {
		return fmt.Errorf("export report: %w", err)
	}
	if !cfg.Pipeline.SaveArtifacts || res.BestProgram == "" {
		return nil
	}
	if _, err := exp.WriteProgram(name, res.BestProgram); err != nil {
		return fmt.Errorf("export program: %w", err)
	}
	if res.BestTable == nil {
		return nil
	}
	if _, err := exp.WriteTable(name, res.BestTable); err != nil {
		return fmt.Errorf("export table: %w", err)
	}
	return nil
}

func printResult(name string, res *pipeline.JobResult) {
	status := "EXHAUSTED"
	if res.Accepted {
		status = "ACCEPTED"
	}
	via := "generated"
	if res.LibraryHit {
		via = "library"
	}
	fmt.Printf("%-24s %-9s accuracy=%.4f iterations=%d via=%s elapsed=%s\n",
		name, status, res.BestAccuracy, len(res.Iterations), via, res.Elapsed.Round(time.Millisecond))
}

func jobName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
