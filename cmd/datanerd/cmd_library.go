package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"datanerd/internal/library"
)

// libraryCmd inspects and maintains the pattern library
var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Inspect the stored transform patterns",
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns, most recently updated first",
	RunE:  libraryList,
}

var libraryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pattern library statistics",
	RunE:  libraryStats,
}

var libraryDeleteCmd = &cobra.Command{
	Use:   "delete [pattern-id]",
	Short: "Delete a stored pattern",
	Args:  cobra.ExactArgs(1),
	RunE:  libraryDelete,
}

var libraryShowCmd = &cobra.Command{
	Use:   "show [pattern-id]",
	Short: "Print a stored pattern's program",
	Args:  cobra.ExactArgs(1),
	RunE:  libraryShow,
}

func init() {
	libraryCmd.AddCommand(libraryListCmd)
	libraryCmd.AddCommand(libraryStatsCmd)
	libraryCmd.AddCommand(libraryDeleteCmd)
	libraryCmd.AddCommand(libraryShowCmd)
}

func openLibrary() (*library.Library, error) {
	opts := library.DefaultOptions()
	opts.SimilarityFloor = cfg.Library.SimilarityFloor
	return library.Open(cfg.Library.DatabasePath, opts)
}

func libraryList(cmd *cobra.Command, args []string) error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	patterns, err := lib.List()
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Println("library is empty")
		return nil
	}
	fmt.Printf("%-36s %-8s %-6s %-19s %s\n", "ID", "ACCURACY", "USED", "UPDATED", "FINGERPRINT")
	for _, p := range patterns {
		fmt.Printf("%-36s %-8.4f %-6d %-19s %s\n",
			p.ID, p.Accuracy, p.UsageCount,
			p.UpdatedAt.Format("2006-01-02 15:04:05"),
			p.Fingerprint)
	}
	return nil
}

func libraryStats(cmd *cobra.Command, args []string) error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	stats, err := lib.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("patterns:      %d\n", stats.Patterns)
	fmt.Printf("total usage:   %d\n", stats.TotalUsage)
	if stats.Patterns > 0 {
		fmt.Printf("best accuracy: %.4f\n", stats.BestAccuracy)
		fmt.Printf("mean accuracy: %.4f\n", stats.MeanAccuracy)
	}
	return nil
}

func libraryDelete(cmd *cobra.Command, args []string) error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func libraryShow(cmd *cobra.Command, args []string) error {
	lib, err := openLibrary()
	if err != nil {
		return err
	}
	defer lib.Close()

	patterns, err := lib.List()
	if err != nil {
		return err
	}
	for _, p := range patterns {
		if p.ID == args[0] {
			fmt.Printf("// pattern %s accuracy=%.4f used=%d\n", p.ID, p.Accuracy, p.UsageCount)
			fmt.Println(p.Program)
			return nil
		}
	}
	return fmt.Errorf("pattern %s not found", args[0])
}
