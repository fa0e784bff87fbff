package config

import (
	"fmt"

	"github.com/Mmx233/QRT/protocol"
)

// Server configures the RT simulator: a server-side implementation of the
// protocol that streams synthetic capture data, used for development and
// end-to-end tests against a real TCP socket.
type Server struct {
	Listen Listen `yaml:"listen"`

	// Version is the highest protocol version the simulator accepts.
	Version string `yaml:"version"`

	// FrameRate is the synthetic capture rate in Hz for allframes
	// streaming.
	FrameRate int `yaml:"frame_rate"`

	// MarkerCount and BodyCount size the synthetic 3D and 6DOF data.
	MarkerCount int `yaml:"marker_count"`
	BodyCount   int `yaml:"body_count"`

	// Password guards takecontrol. Empty accepts any password.
	Password string `yaml:"password"`
}

func (s *Server) ApplyDefaults() {
	if s.Listen.IP == "" {
		s.Listen.IP = "127.0.0.1"
	}
	if s.Listen.Port == 0 {
		s.Listen.Port = protocol.DefaultPort
	}
	if s.Version == "" {
		s.Version = DefaultVersion
	}
	if s.FrameRate <= 0 {
		s.FrameRate = DefaultFrameRate
	}
	if s.MarkerCount <= 0 {
		s.MarkerCount = 8
	}
	if s.BodyCount <= 0 {
		s.BodyCount = 2
	}
}

func (s *Server) Validate() error {
	if _, err := s.Listen.GetIP(); err != nil {
		return err
	}
	if err := validPort(s.Listen.Port); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if _, err := protocol.ParseVersion(s.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	return nil
}
