package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anshi233/xvc-server-d2xx/pkg/config"
	"github.com/anshi233/xvc-server-d2xx/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve <config-file>",
	Short: "Run XVC server instances from a configuration file",
	Long: `Serve starts one XVC server instance per mapped adapter and keeps
them running until SIGINT or SIGTERM. A bad configuration exits with
status 1. With a single mapped adapter the instance runs directly and
any failure, including a startup failure (device open, port bind),
exits with status 1. With several adapters a failed instance, startup
failures included, is restarted after a short delay.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	lg := newLogger()

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		lg.Warn("instance management disabled in configuration; nothing to do")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.Infof("starting %d instance(s)", len(cfg.EnabledInstances()))
	sup := server.NewSupervisor(cfg, lg)
	if err := sup.Run(ctx); err != nil {
		return err
	}
	lg.Info("shutdown complete")
	return nil
}
