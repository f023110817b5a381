// Command canopyctl runs maintenance tasks against a Canopy deployment:
// schema migrations, search reindexing and page tree inspection.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"canopy/api/internal/config"
	"canopy/api/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "canopyctl",
		Short:        "Canopy maintenance tools",
		SilenceUsage: true,
	}
	cmd.AddCommand(newMigrateCmd(), newReindexCmd(), newTreeCmd(), newPositionsCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliLogger writes to stderr so that stdout stays machine readable.
func cliLogger(cfg config.Config) *logrus.Logger {
	log := logging.New(cfg.LogLevel, "text")
	log.SetOutput(os.Stderr)
	return log
}
