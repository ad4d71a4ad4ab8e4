package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbosity int
)

var rootCmd = &cobra.Command{
	Use:   "xvcd",
	Short: "Xilinx Virtual Cable server for FTDI HS2 adapters",
	Long: `xvcd bridges Digilent HS2 (FT2232H) JTAG adapters to Xilinx debug
tools over the XVC TCP protocol. Each configured adapter gets its own
isolated server instance on its own port.

Examples:
  xvcd discover                        # List connected FTDI adapters
  xvcd discover --emit-config          # Print a ready-to-use config file
  xvcd serve /etc/xvcd/xvcd.conf       # Run all configured instances
  xvcd serve -v /etc/xvcd/xvcd.conf    # Same, with debug logging`,
	Version: "1.0.0",
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v",
		"increase log level (-v debug, -vv trace)")
}

// newLogger builds the process logger honoring the verbosity flags.
func newLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	switch {
	case verbosity >= 2:
		lg.SetLevel(logrus.TraceLevel)
	case verbosity == 1:
		lg.SetLevel(logrus.DebugLevel)
	default:
		lg.SetLevel(logrus.InfoLevel)
	}
	return lg
}
