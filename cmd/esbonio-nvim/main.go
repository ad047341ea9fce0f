package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Nitorac/esbonio/internal/app"
	"github.com/Nitorac/esbonio/internal/config"
	"github.com/Nitorac/esbonio/internal/host"
	"github.com/Nitorac/esbonio/internal/logging"
	"github.com/Nitorac/esbonio/internal/worker"

	"github.com/neovim/go-client/nvim/plugin"
)

// Set up the connection to Neovim, load the configuration, start the
// preview and register the editor commands. The plugin host keeps the
// connection alive and dispatches requests until Neovim exits.
func main() {
	v := config.New("")
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[esbonio]", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[esbonio]", err)
		os.Exit(1)
	}
	defer closer.Close()

	source, err := config.NewSource(v, logger)
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}

	preview := app.NewLivePreview(*cfg, worker.NewProcessFactory(cfg.Worker, logger), logger)
	if err := preview.Start(context.Background(), source); err != nil {
		logger.Error("start preview", "error", err)
	}

	plugin.Main(func(p *plugin.Plugin) error {
		logger.Info("registering handlers")
		return host.Register(p, preview, logger)
	})
}
