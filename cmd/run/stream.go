package run

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/QRT/client"
	"github.com/Mmx233/QRT/config"
	"github.com/Mmx233/QRT/protocol"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Connect to an RT server and stream frames as JSON lines",
	Args:  cobra.NoArgs,
	RunE:  runStream,
}

// frameRecord is one stdout line per decoded frame.
type frameRecord struct {
	Timestamp  uint64               `json:"timestamp"`
	Number     uint32               `json:"number"`
	Components []protocol.Component `json:"components"`
}

func runStream(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "stream-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	s, err := client.New(cfg)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Close()

	logger.Info().
		Stringer("version", s.Version()).
		Str("welcome", s.Welcome()).
		Msg("connected")

	// Event pushes go to the log, frames to stdout.
	go func() {
		for ev := range s.Events() {
			logger.Info().Stringer("event", ev).Msg("server event")
		}
	}()

	stream, err := s.StreamFrames(ctx, cfg.Stream.Rate, cfg.Stream.Components...)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrNoMoreData):
				logger.Info().Msg("server ended the stream")
				return nil
			case errors.Is(err, context.Canceled), errors.Is(err, protocol.ErrStreamStopped):
				return nil
			default:
				return err
			}
		}

		if err := enc.Encode(frameRecord{
			Timestamp:  frame.Timestamp,
			Number:     frame.Number,
			Components: frame.Components,
		}); err != nil {
			return err
		}
	}
}
