package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mmx233/QRT/protocol"
)

type Client struct {
	SessionID string       `yaml:"session_id"`
	Server    ClientServer `yaml:"server"`
	Version   string       `yaml:"version"` // requested protocol version, default "1.19"
	Stream    Stream       `yaml:"stream"`
	Password  string       `yaml:"password"` // server password for takecontrol

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`    // dial + handshake, default 5s
	CommandTimeout   time.Duration `yaml:"command_timeout"`    // per-command wait, default 10s
	ReadPollInterval time.Duration `yaml:"read_poll_interval"` // dispatcher read deadline, default 500ms
}

type ClientServer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // base port, default 22223
}

func (cs ClientServer) Addr() string {
	return net.JoinHostPort(cs.Host, strconv.Itoa(cs.Port))
}

type Stream struct {
	Rate        string   `yaml:"rate"`         // allframes, frequency:N or frequencydivisor:N
	Components  []string `yaml:"components"`   // component selectors, default ["3d"]
	FrameBuffer int      `yaml:"frame_buffer"` // frames buffered before backpressure, default 128
	EventBuffer int      `yaml:"event_buffer"` // events buffered on the event channel, default 64
}

// ApplyDefaults fills every unset field so a zero-filled Client is usable
// against a local server.
func (c *Client) ApplyDefaults() {
	if c.SessionID == "" {
		c.SessionID = GenerateSessionID()
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = protocol.DefaultPort
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Stream.Rate == "" {
		c.Stream.Rate = "allframes"
	}
	if len(c.Stream.Components) == 0 {
		c.Stream.Components = []string{"3d"}
	}
	if c.Stream.FrameBuffer <= 0 {
		c.Stream.FrameBuffer = DefaultFrameBuffer
	}
	if c.Stream.EventBuffer <= 0 {
		c.Stream.EventBuffer = DefaultEventBuffer
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ReadPollInterval <= 0 {
		c.ReadPollInterval = DefaultReadPollInterval
	}
}

func (c *Client) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if err := validPort(c.Server.Port); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if _, err := protocol.ParseVersion(c.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	return nil
}
