package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/engine"
)

var (
	serveResources string
	serveWatch     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a long-lived process",
	Long:  `Loads the resource configuration, keeps the drivers connected, and exposes Prometheus metrics. With --watch the configuration is re-parsed on file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveResources, "resources", "", "resource config directory (overrides options file)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "reload resource configs on change")
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	en, err := newEngine(ctx, serveResources, false)
	if err != nil {
		return err
	}
	var current atomic.Pointer[engine.Engine]
	current.Store(en)

	opts := en.Config().Options
	startMetricsServer(ctx, fmt.Sprintf(":%d", opts.Port))

	var watcher *config.Watcher
	if serveWatch {
		watcher, err = config.NewWatcher(opts.ResourcesPath)
		if err != nil {
			return err
		}
		watcher.SetReloadCallback(func() {
			next, err := newEngine(context.Background(), serveResources, false)
			if err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
				return
			}
			old := current.Swap(next)
			if err := old.Close(); err != nil {
				log.Warn().Err(err).Msg("Shutdown of replaced engine reported errors")
			}
			log.Info().Int("resources", len(next.Config().Resources)).Msg("Configuration reloaded")
		})
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	log.Info().
		Int("resources", len(en.Config().Resources)).
		Bool("watch", serveWatch).
		Msg("Trellis running, press Ctrl+C to stop")
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	return current.Load().Close()
}
