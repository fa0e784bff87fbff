package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Mmx233/QRT/protocol"
	"github.com/rs/zerolog"
)

const welcomeText = "QTM RT Interface connected"

// serverConn handles one client connection: welcome push, version
// negotiation, the command vocabulary and frame streaming. Replies and
// streamed frames share the socket, so every write goes through writeMu.
type serverConn struct {
	srv    *Server
	conn   net.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	version    protocol.Version
	negotiated bool
	master     bool

	measurementOpen bool
	capturing       bool
	lastEvent       protocol.Event

	frameNumber uint32

	stream   *frameStreamer
	streamWg sync.WaitGroup
}

func newServerConn(s *Server, conn net.Conn) *serverConn {
	return &serverConn{
		srv:  s,
		conn: conn,
		logger: s.logger.With().
			Stringer("remote", conn.RemoteAddr()).
			Logger(),
		version:   protocol.MinVersion,
		lastEvent: protocol.EventConnected,
	}
}

func (c *serverConn) serve(ctx context.Context) {
	defer c.conn.Close()
	defer c.stopStreaming(false)

	c.logger.Info().Msg("client connected")
	if err := c.writePacket(protocol.EncodeTextPacket(protocol.PacketCommand, welcomeText)); err != nil {
		return
	}

	reader := protocol.NewFrameReader(c.conn)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return
		}

		pkt, err := reader.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrTimeout) {
				continue
			}
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				c.logger.Warn().Err(err).Msg("client read failed")
			}
			c.logger.Info().Msg("client disconnected")
			return
		}

		dp, err := protocol.Classify(pkt)
		if err != nil {
			c.logger.Warn().Err(err).Msg("unclassifiable client packet")
			continue
		}

		switch dp.Type {
		case protocol.PacketCommand:
			if err := c.handleCommand(dp.Text); err != nil {
				return
			}
		case protocol.PacketXML:
			// Settings documents are accepted and acknowledged; the
			// simulator has no settings to change.
			if err := c.reply("Setting parameters succeeded"); err != nil {
				return
			}
		default:
			c.logger.Debug().Stringer("type", dp.Type).Msg("ignoring client packet")
		}
	}
}

func (c *serverConn) writePacket(pkt []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(pkt); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (c *serverConn) reply(text string) error {
	return c.writePacket(protocol.EncodeTextPacket(protocol.PacketCommand, text))
}

func (c *serverConn) replyError(text string) error {
	return c.writePacket(protocol.EncodeTextPacket(protocol.PacketError, text))
}

func (c *serverConn) replyXML(doc string) error {
	return c.writePacket(protocol.EncodeTextPacket(protocol.PacketXML, doc))
}

func (c *serverConn) pushEvent(ev protocol.Event) error {
	c.lastEvent = ev
	return c.writePacket(protocol.EncodeEventPacket(ev))
}

// handleCommand dispatches one client command. A nil return keeps the
// connection; errors are write failures, which end it.
func (c *serverConn) handleCommand(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return c.replyError("Parse error")
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	c.logger.Debug().Str("command", cmd).Strs("args", args).Msg("command received")

	// Info commands work at the connection's default version; everything
	// else needs an agreed version first.
	switch cmd {
	case "version", "qtmversion", "byteorder":
	default:
		if !c.negotiated {
			return c.replyError("Version not set")
		}
	}

	switch cmd {
	case "version":
		return c.handleVersion(args)

	case "qtmversion":
		return c.reply("QTM RT Simulator 2.5")

	case "byteorder":
		return c.reply("Byte order is little endian")

	case "getstate":
		return c.pushEvent(c.lastEvent)

	case "getparameters":
		return c.handleGetParameters(args)

	case "takecontrol":
		if c.srv.config.Password != "" && (len(args) == 0 || args[0] != c.srv.config.Password) {
			return c.replyError("Wrong password")
		}
		c.master = true
		return c.reply("You are now master")

	case "releasecontrol":
		c.master = false
		return c.reply("You are now a regular client")

	case "streamframes":
		return c.handleStreamFrames(args)

	case "getcurrentframe":
		return c.handleGetCurrentFrame(args)

	case "new":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if c.measurementOpen {
			return c.reply("Already connected")
		}
		c.measurementOpen = true
		if err := c.reply("Creating new connection"); err != nil {
			return err
		}
		return c.pushEvent(protocol.EventConnected)

	case "close":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if !c.measurementOpen {
			return c.reply("No connection to close")
		}
		c.measurementOpen = false
		c.capturing = false
		if err := c.reply("Closing connection"); err != nil {
			return err
		}
		return c.pushEvent(protocol.EventConnectionClosed)

	case "start":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		c.capturing = true
		if len(args) > 0 && strings.EqualFold(args[0], "rtfromfile") {
			if err := c.reply("Starting RT from file"); err != nil {
				return err
			}
			return c.pushEvent(protocol.EventRTFromFileStarted)
		}
		if err := c.reply("Starting measurement"); err != nil {
			return err
		}
		return c.pushEvent(protocol.EventCaptureStarted)

	case "stop":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		c.capturing = false
		if err := c.reply("Stopping measurement"); err != nil {
			return err
		}
		return c.pushEvent(protocol.EventCaptureStopped)

	case "load":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if len(args) == 0 {
			return c.replyError("No file specified")
		}
		c.measurementOpen = true
		return c.reply("Measurement loaded")

	case "save":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if len(args) == 0 {
			return c.replyError("No file specified")
		}
		return c.reply("Measurement saved")

	case "loadproject":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if len(args) == 0 {
			return c.replyError("No project specified")
		}
		return c.reply("Project loaded")

	case "trig":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if err := c.reply("Trig ok"); err != nil {
			return err
		}
		return c.pushEvent(protocol.EventTrigger)

	case "event":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		return c.reply("Event set")

	case "calibrate":
		if ok, err := c.requireMaster(); !ok {
			return err
		}
		if err := c.reply("Starting calibration"); err != nil {
			return err
		}
		// The calibration result arrives later as an XML push.
		go func() {
			time.Sleep(100 * time.Millisecond)
			if err := c.replyXML(calibrationResultXML); err != nil {
				c.logger.Warn().Err(err).Msg("calibration result push failed")
			}
		}()
		return nil

	default:
		return c.replyError(fmt.Sprintf("Unknown command %s", cmd))
	}
}

// requireMaster rejects control commands from regular clients, mirroring
// the server's master/slave model. ok is false when the command was
// already answered with an Error packet.
func (c *serverConn) requireMaster() (ok bool, err error) {
	if c.master {
		return true, nil
	}
	return false, c.replyError("You must be master to issue this command")
}

func (c *serverConn) handleVersion(args []string) error {
	if len(args) == 0 {
		return c.reply(fmt.Sprintf("Version is %s", c.version))
	}
	requested, err := protocol.ParseVersion(args[0])
	if err != nil {
		return c.replyError("Parse error")
	}
	if requested.Major != c.srv.version.Major || requested.Minor > c.srv.version.Minor {
		return c.replyError(fmt.Sprintf("Version %s not supported", requested))
	}
	c.version = requested
	c.negotiated = true
	return c.reply(fmt.Sprintf("Version set to %s", requested))
}

func (c *serverConn) handleGetParameters(args []string) error {
	groups := args
	if len(groups) == 0 {
		groups = []string{"all"}
	}
	return c.replyXML(c.srv.settingsXML(groups))
}
