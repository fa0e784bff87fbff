package server

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Mmx233/QRT/protocol"
)

// frameStreamer drives one streamframes subscription: a ticker at the
// negotiated rate pushing synthetic frames until stopped.
type frameStreamer struct {
	stop chan struct{}
}

// handleStreamFrames parses the rate and component list, acknowledges,
// and starts (or stops) the streaming goroutine.
func (c *serverConn) handleStreamFrames(args []string) error {
	if len(args) == 0 {
		return c.replyError("Parse error")
	}

	if strings.EqualFold(args[0], "stop") {
		if err := c.reply("Ok"); err != nil {
			return err
		}
		c.stopStreaming(true)
		return nil
	}

	rate, err := parseRate(args[0], c.srv.config.FrameRate)
	if err != nil {
		return c.replyError(err.Error())
	}
	components, err := parseComponents(args[1:])
	if err != nil {
		return c.replyError(err.Error())
	}

	c.stopStreaming(false)
	if err := c.reply("Ok"); err != nil {
		return err
	}

	fs := &frameStreamer{stop: make(chan struct{})}
	c.stream = fs
	c.streamWg.Add(1)
	go c.streamLoop(fs, rate, components)
	return nil
}

// handleGetCurrentFrame pushes exactly one frame, or NoMoreData when no
// measurement is running. The reply rides the data path, not the command
// path.
func (c *serverConn) handleGetCurrentFrame(args []string) error {
	components, err := parseComponents(args)
	if err != nil {
		return c.replyError(err.Error())
	}
	if !c.capturing && !c.measurementOpen {
		return c.writePacket(protocol.EncodePacket(protocol.PacketNoMoreData, nil))
	}
	return c.writePacket(c.srv.syntheticFrame(c.nextFrameNumber(), components))
}

// stopStreaming ends the active stream. notify controls whether the
// client gets the NoMoreData marker; connection teardown skips it.
func (c *serverConn) stopStreaming(notify bool) {
	if c.stream == nil {
		return
	}
	close(c.stream.stop)
	c.stream = nil
	c.streamWg.Wait()
	if notify {
		if err := c.writePacket(protocol.EncodePacket(protocol.PacketNoMoreData, nil)); err != nil {
			c.logger.Warn().Err(err).Msg("nomoredata push failed")
		}
	}
}

func (c *serverConn) streamLoop(fs *frameStreamer, rate int, components []string) {
	defer c.streamWg.Done()

	interval := time.Second / time.Duration(rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Int("rate", rate).Strs("components", components).Msg("streaming frames")

	for {
		select {
		case <-fs.stop:
			return
		case <-ticker.C:
			pkt := c.srv.syntheticFrame(c.nextFrameNumber(), components)
			if err := c.writePacket(pkt); err != nil {
				c.logger.Warn().Err(err).Msg("frame push failed")
				return
			}
		}
	}
}

func (c *serverConn) nextFrameNumber() uint32 {
	c.frameNumber++
	return c.frameNumber
}

func parseRate(arg string, configured int) (int, error) {
	switch {
	case strings.EqualFold(arg, "allframes"):
		return configured, nil
	case strings.HasPrefix(strings.ToLower(arg), "frequency:"):
		n, err := strconv.Atoi(arg[len("frequency:"):])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("Invalid frequency %s", arg)
		}
		return n, nil
	case strings.HasPrefix(strings.ToLower(arg), "frequencydivisor:"):
		n, err := strconv.Atoi(arg[len("frequencydivisor:"):])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("Invalid frequency divisor %s", arg)
		}
		rate := configured / n
		if rate < 1 {
			rate = 1
		}
		return rate, nil
	default:
		return 0, fmt.Errorf("Invalid rate %s", arg)
	}
}

// streamableComponents is what the simulator can synthesize.
var streamableComponents = map[string]struct{}{
	"2d":      {},
	"3d":      {},
	"3dres":   {},
	"6d":      {},
	"6dres":   {},
	"6deuler": {},
	"analog":  {},
	"force":   {},
}

func parseComponents(args []string) ([]string, error) {
	if len(args) == 0 {
		return []string{"3d"}, nil
	}
	components := make([]string, 0, len(args))
	for _, a := range args {
		sel := strings.ToLower(a)
		if _, ok := streamableComponents[sel]; !ok {
			return nil, fmt.Errorf("Component %s not supported", a)
		}
		components = append(components, sel)
	}
	return components, nil
}

// syntheticFrame builds one Data packet. Marker positions trace circles so
// consecutive frames are distinguishable and decoders see changing floats.
func (s *Server) syntheticFrame(number uint32, components []string) []byte {
	timestamp := uint64(number) * uint64(time.Second/time.Microsecond) / uint64(s.config.FrameRate)
	phase := float64(number) * 2 * math.Pi / 360

	comps := make([]protocol.Component, 0, len(components))
	for _, sel := range components {
		switch sel {
		case "2d":
			comps = append(comps, s.synthetic2D(phase))
		case "3d", "3dres":
			comps = append(comps, s.synthetic3D(sel == "3dres", phase))
		case "6d", "6dres":
			comps = append(comps, s.synthetic6D(sel == "6dres", phase))
		case "6deuler":
			comps = append(comps, s.synthetic6DEuler(phase))
		case "analog":
			comps = append(comps, s.syntheticAnalog(phase))
		case "force":
			comps = append(comps, s.syntheticForce(phase))
		}
	}

	return protocol.EncodeDataPacket(timestamp, number, comps...)
}

func (s *Server) markerAt(phase float64, i int) protocol.Vec3 {
	offset := float64(i) * math.Pi / 4
	return protocol.Vec3{
		X: float32(1000 * math.Cos(phase+offset)),
		Y: float32(1000 * math.Sin(phase+offset)),
		Z: float32(100 * float64(i)),
	}
}

func (s *Server) synthetic2D(phase float64) *protocol.Markers2D {
	cameras := make([]protocol.Camera2D, 2)
	for ci := range cameras {
		markers := make([]protocol.Marker2D, s.config.MarkerCount)
		for i := range markers {
			p := s.markerAt(phase, i)
			markers[i] = protocol.Marker2D{
				X:         uint32(p.X + 2000),
				Y:         uint32(p.Y + 2000),
				DiameterX: 12,
				DiameterY: 12,
			}
		}
		cameras[ci] = protocol.Camera2D{Markers: markers}
	}
	return &protocol.Markers2D{Tag: protocol.Comp2D, Cameras: cameras}
}

func (s *Server) synthetic3D(residuals bool, phase float64) *protocol.Markers3D {
	tag := protocol.Comp3D
	if residuals {
		tag = protocol.Comp3DRes
	}
	markers := make([]protocol.Marker3D, s.config.MarkerCount)
	for i := range markers {
		markers[i] = protocol.Marker3D{Vec3: s.markerAt(phase, i)}
		if residuals {
			markers[i].Residual = 0.5
		}
	}
	return &protocol.Markers3D{Tag: tag, Markers: markers}
}

func (s *Server) synthetic6D(residuals bool, phase float64) *protocol.Bodies6DOF {
	tag := protocol.Comp6D
	if residuals {
		tag = protocol.Comp6DRes
	}
	bodies := make([]protocol.Body6DOF, s.config.BodyCount)
	for i := range bodies {
		bodies[i] = protocol.Body6DOF{
			Position: s.markerAt(phase, i),
			Rotation: rotationAbout(phase),
		}
		if residuals {
			bodies[i].Residual = 0.25
		}
	}
	return &protocol.Bodies6DOF{Tag: tag, Bodies: bodies}
}

func (s *Server) synthetic6DEuler(phase float64) *protocol.Bodies6DOFEuler {
	bodies := make([]protocol.Body6DOFEuler, s.config.BodyCount)
	for i := range bodies {
		bodies[i] = protocol.Body6DOFEuler{
			Position: s.markerAt(phase, i),
			Angles:   [3]float32{float32(phase), 0, float32(-phase)},
		}
	}
	return &protocol.Bodies6DOFEuler{Tag: protocol.Comp6DEuler, Bodies: bodies}
}

func (s *Server) syntheticAnalog(phase float64) *protocol.Analog {
	channels := make([][]float32, 4)
	for ch := range channels {
		samples := make([]float32, 8)
		for i := range samples {
			samples[i] = float32(math.Sin(phase + float64(ch*8+i)/64))
		}
		channels[ch] = samples
	}
	return &protocol.Analog{
		Devices: []protocol.AnalogDevice{{ID: 1, SampleNumber: 1, Channels: channels}},
	}
}

func (s *Server) syntheticForce(phase float64) *protocol.Force {
	samples := make([]protocol.ForceSample, 4)
	for i := range samples {
		samples[i] = protocol.ForceSample{
			Force:            protocol.Vec3{Z: float32(700 + 10*math.Sin(phase))},
			Moment:           protocol.Vec3{X: float32(math.Cos(phase))},
			ApplicationPoint: protocol.Vec3{X: 200, Y: 300},
		}
	}
	return &protocol.Force{
		Plates: []protocol.ForcePlate{{ID: 1, ForceNumber: 1, Samples: samples}},
	}
}

// rotationAbout is a rotation matrix for an angle about the Z axis, row
// major, the layout 6DOF components carry.
func rotationAbout(angle float64) [9]float32 {
	c := float32(math.Cos(angle))
	s := float32(math.Sin(angle))
	return [9]float32{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}
}
