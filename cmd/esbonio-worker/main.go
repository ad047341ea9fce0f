package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nitorac/esbonio/internal/agent"
	"github.com/Nitorac/esbonio/internal/builder"
	"github.com/Nitorac/esbonio/internal/logging"
	"github.com/Nitorac/esbonio/internal/render"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		level  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "esbonio-worker",
		Short: "Build worker for the esbonio preview",
		Long: `esbonio-worker builds one documentation project on request.

It speaks newline-delimited JSON on stdin/stdout and is normally started by
the editor plugin, not by hand. Logs go to stderr.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logging.ParseLevel(level)
			if err != nil {
				return err
			}
			logger := slogNew(format, lvl)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := agent.New(builder.New(render.NewRenderer()), logger)
			return a.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&level, "log-level", "l", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&format, "log-format", "text", "log format (text, json)")
	return cmd
}

func slogNew(format string, level slog.Level) *slog.Logger {
	return slog.New(logging.NewHandler(os.Stderr, format, level))
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
