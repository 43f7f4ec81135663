// Package cli implements the pkgstore command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/pkgstore/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pkgstore",
	Short: "Self-hosted package registry",
	Long: `pkgstore is a self-hosted registry for npm packages and OCI container
images. Artifacts are stored once by content hash and shared across
packages, owners and protocols.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		os.Getenv(config.EnvPrefix+"CONFIG"),
		"Path to "+config.ConfigFile+" (env: PKGSTORE_CONFIG)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads --config (or only env and defaults when unset).
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	return cfg
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
