package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the transport collaborator the session depends on: an ordered,
// reliable byte stream whose reads can time out without closing the
// stream, plus whole-buffer writes. *net.TCPConn satisfies it; tests use
// in-memory pipes.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// dialServer opens the TCP connection to the RT server and applies the
// usual socket tuning for a high-frequency stream.
func dialServer(ctx context.Context, addr string, timeout time.Duration, logger zerolog.Logger) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial rt server %s: %w", addr, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			logger.Warn().Err(err).Msg("set TCP_NODELAY failed")
		}
		if err := tc.SetReadBuffer(512 * 1024); err != nil {
			logger.Warn().Err(err).Msg("set read buffer failed")
		}
	}

	return conn, nil
}
