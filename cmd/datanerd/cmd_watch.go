package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"datanerd/internal/reader"
)

var (
	watchSettle time.Duration
)

// watchCmd runs jobs as files land in a directory
var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a directory and normalize pairs as they arrive",
	Long: `Watches a directory and runs a job whenever both halves of a pair are
present: NAME.csv plus NAME.truth.csv (see --truth-suffix). Pairs
already complete at startup are processed first. Files are given a
short settle delay after the last write before being read.

Stop with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&truthPattern, "truth-suffix", ".truth.csv", "Suffix identifying ground truth files")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 500*time.Millisecond, "Delay after the last write before reading a file")
	watchCmd.Flags().StringVarP(&outDir, "out", "o", "", "Export directory (default from config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := args[0]
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("watch target %s is not a directory", dir)
	}

	runTimeout = 24 * time.Hour
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	mgr, lib, err := buildManager(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(map[string]bool)
	process := func(name string) {
		if done[name] {
			return
		}
		srcPath := filepath.Join(dir, name+".csv")
		truthPath := filepath.Join(dir, name+truthPattern)
		if !fileExists(srcPath) || !fileExists(truthPath) {
			return
		}
		done[name] = true

		src, err := readSource(srcPath)
		if err != nil {
			logger.Error("Unreadable source", zap.String("path", srcPath), zap.Error(err))
			return
		}
		truth, err := reader.ReadCSV(truthPath)
		if err != nil {
			logger.Error("Unreadable ground truth", zap.String("path", truthPath), zap.Error(err))
			return
		}
		res, err := mgr.Run(ctx, src, truth)
		if err != nil {
			logger.Error("Job failed", zap.String("name", name), zap.Error(err))
			fmt.Printf("%-24s FATAL: %v\n", name, err)
			return
		}
		if err := exportResult(name, res); err != nil {
			logger.Error("Export failed", zap.String("name", name), zap.Error(err))
		}
		printResult(name, res)
	}

	// Pairs already on disk when the watch starts.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), truthPattern) {
			process(strings.TrimSuffix(entry.Name(), truthPattern))
		}
	}

	logger.Info("Watching", zap.String("dir", dir), zap.String("truth_suffix", truthPattern))
	fmt.Printf("watching %s (pairs: NAME.csv + NAME%s)\n", dir, truthPattern)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			name, ok := pairName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			// Let the writer finish before reading.
			time.Sleep(watchSettle)
			process(name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// pairName maps either half of a pair to its job name.
func pairName(base string) (string, bool) {
	if strings.HasSuffix(base, truthPattern) {
		return strings.TrimSuffix(base, truthPattern), true
	}
	if strings.HasSuffix(base, ".csv") {
		return strings.TrimSuffix(base, ".csv"), true
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
