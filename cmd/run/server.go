package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/QRT/config"
	"github.com/Mmx233/QRT/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the RT simulator",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "server-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msg("starting rt simulator")
		if err := server.Start(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	case err := <-errCh:
		logger.Error().Err(err).Msg("simulator error")
		return err
	}

	logger.Info().Msg("simulator stopped")
	return nil
}
