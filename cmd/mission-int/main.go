// mission-int runs batches of simulation cases on a remote compute pool.
package main

import (
	"os"

	"github.com/rescale/mission-int/internal/cli"
	"github.com/rescale/mission-int/internal/version"
)

// Version information, overridden by -ldflags at release build time.
var (
	Version   = "v0.1.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
