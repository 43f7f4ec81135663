package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/pkgstore/internal/config"
	"github.com/kilupskalvis/pkgstore/internal/server"
	"github.com/spf13/cobra"
)

var gcGrace time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete blobs no package references",
	Long: `Delete blobs that no package file references and that are older than
the grace period.

With --url the collection runs inside a running server through the admin
API. Without it, gc opens the data directory directly.

Examples:
  pkgstore gc --url https://packages.example.com --admin-token $TOKEN
  pkgstore gc --config /etc/pkgstore.toml --grace 1h`,
	Run: runGC,
}

func init() {
	addAdminFlags(gcCmd, false)
	gcCmd.Flags().DurationVar(&gcGrace, "grace", 0, "Minimum blob age (default: gc.grace_period)")
}

func runGC(_ *cobra.Command, _ []string) {
	ctx := context.Background()

	var result *server.GCResult
	if adminURL != "" {
		var err error
		if result, err = resolveAdminClient().GC(ctx, gcGrace); err != nil {
			exitError("%v", err)
		}
	} else {
		cfg := loadConfig()
		if gcGrace > 0 {
			cfg.GC.GracePeriod = config.Duration{Duration: gcGrace}
		}
		var err error
		if result, err = collectLocal(ctx, cfg, cfg.NewLogger(os.Stderr)); err != nil {
			exitError("%v", err)
		}
	}
	printGCResult(os.Stdout, result)
}

// collectLocal runs one garbage collection pass against cfg.DataDir.
func collectLocal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.GCResult, error) {
	sqlDB, blobs, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	return server.GarbageCollect(ctx, blobs, cfg.GC.GracePeriod.Duration, logger)
}

func printGCResult(w io.Writer, r *server.GCResult) {
	green := color.New(color.FgGreen)

	green.Fprintf(w, "Deleted %d of %d unreferenced blobs (%s freed)\n",
		r.BlobsDeleted, r.BlobsScanned, formatBytes(r.BytesFreed))
	if r.BlobsInUse > 0 {
		fmt.Fprintf(w, "  %d blobs were referenced again and kept\n", r.BlobsInUse)
	}
	if r.OrphansDeleted > 0 {
		fmt.Fprintf(w, "  %d stored files without a blob record were removed\n", r.OrphansDeleted)
	}
}
