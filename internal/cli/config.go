package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/pkgstore/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	Run:   runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after applying the file, environment and defaults.",
	Run:   runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
}

func runConfigInit(_ *cobra.Command, args []string) {
	path := config.ConfigFile
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		exitError("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Wrote %s\n", path)
}

func runConfigShow(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	if cfg.AdminToken != "" {
		cfg.AdminToken = "********"
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Print(string(data))
}
