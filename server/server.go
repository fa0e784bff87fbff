package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/Mmx233/QRT/config"
	"github.com/Mmx233/QRT/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server is the RT simulator: it speaks the server side of the protocol
// and streams synthetic capture data. It exists for development and
// end-to-end tests; it is not a capture system.
type Server struct {
	config  *config.Server
	version protocol.Version
	logger  zerolog.Logger
}

// New creates a simulator from the configuration.
func New(conf *config.Server) (*Server, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	version, err := protocol.ParseVersion(conf.Version)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:  conf,
		version: version,
		logger:  log.With().Str("com", "server").Logger(),
	}, nil
}

// Start runs the simulator until the context is cancelled.
func Start(ctx context.Context, conf *config.Server) error {
	srv, err := New(conf)
	if err != nil {
		return err
	}

	ip, err := conf.Listen.GetIP()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(conf.Listen.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return srv.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. Exposed
// separately so tests can listen on an ephemeral port.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().
		Stringer("addr", ln.Addr()).
		Stringer("version", s.version).
		Int("frame_rate", s.config.FrameRate).
		Msg("rt simulator listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("rt simulator shutting down")
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := newServerConn(s, conn)
		go c.serve(ctx)
	}
}
