package config

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultVersion is the protocol version requested at connect.
	DefaultVersion = "1.19"

	// DefaultConnectTimeout bounds dial plus welcome plus version
	// negotiation.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultCommandTimeout bounds one command round trip.
	DefaultCommandTimeout = 10 * time.Second

	// DefaultReadPollInterval is the dispatcher's read deadline; it only
	// bounds how quickly the dispatcher notices Close, not the stream.
	DefaultReadPollInterval = 500 * time.Millisecond

	// DefaultFrameBuffer is how many decoded frames the stream buffers
	// before the dispatcher blocks and TCP pushes back on the server.
	DefaultFrameBuffer = 128

	// DefaultEventBuffer is the event channel capacity.
	DefaultEventBuffer = 64

	// DefaultFrameRate is the simulator's synthetic capture rate in Hz.
	DefaultFrameRate = 100
)

// GenerateSessionID generates a new UUID for use as a session identifier,
// so log lines from concurrent sessions stay attributable.
func GenerateSessionID() string {
	return uuid.New().String()
}
