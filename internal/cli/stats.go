package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/pkgstore/internal/server"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry statistics",
	Long:  "Show blob, package and upload session counts from a running pkgstore server.",
	Run:   runStats,
}

func init() {
	addAdminFlags(statsCmd, false)
}

func runStats(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	stats, err := c.Stats(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	printStats(os.Stdout, stats)
}

func printStats(w io.Writer, stats *server.Stats) {
	bold := color.New(color.Bold)

	bold.Fprintln(w, "Blobs")
	fmt.Fprintf(w, "  Count:      %d\n", stats.Blobs.Count)
	fmt.Fprintf(w, "  Total size: %s\n", formatBytes(stats.Blobs.TotalSize))
	fmt.Fprintln(w)

	bold.Fprintln(w, "Packages")
	if len(stats.Packages) == 0 {
		fmt.Fprintln(w, "  (none)")
	} else {
		fmt.Fprintf(w, "  %-10s  %8s  %8s  %8s  %10s\n", "Type", "Packages", "Versions", "Files", "Downloads")
		for _, ts := range stats.Packages {
			fmt.Fprintf(w, "  %-10s  %8d  %8d  %8d  %10d\n", ts.Type, ts.Packages, ts.Versions, ts.Files, ts.Downloads)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Upload sessions: %d\n", stats.UploadSessions)
}
