package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skobkin/tracetop/internal/app"
	"github.com/skobkin/tracetop/internal/config"
	"github.com/skobkin/tracetop/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	if err := newRootCmd(&cfg).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tracetop:", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "tracetop [flags] [--] [command [args...]]",
		Short: "Live CPU, memory and NVIDIA GPU monitor for a process tree",
		Long: `tracetop follows a process and its children, charting their CPU and
memory usage next to NVIDIA GPU telemetry read through nvidia-smi.

Either start a new application by passing its command line, or attach to a
running process with --pid. Keys: q or Ctrl+C quit, Left/Right switch tabs,
Up/Down select a process, [ and ] switch the charted GPU, a toggles autoscale.`,
		Version:       version.Current().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Command = args
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cfg.NoUI && !app.Interactive(os.Stdin, os.Stdout) {
				cfg.NoUI = true
			}

			logger, closeLog, err := app.OpenLogger(*cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeLog(); err != nil {
					fmt.Fprintln(os.Stderr, "tracetop: close log:", err)
				}
			}()

			if err := app.Run(cmd.Context(), logger, *cfg, app.Streams{In: os.Stdin, Out: os.Stdout}); err != nil {
				logger.Error("application error", "err", err)
				return err
			}
			return nil
		},
	}
	root.Flags().SetInterspersed(false)
	cfg.AddFlags(root)

	return root
}
