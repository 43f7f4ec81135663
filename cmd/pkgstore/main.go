// Command pkgstore runs and administers the pkgstore package registry.
package main

import (
	"os"

	"github.com/kilupskalvis/pkgstore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
