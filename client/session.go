package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/QRT/config"
	"github.com/Mmx233/QRT/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateVersionNegotiated
	StateIdle
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateVersionNegotiated:
		return "version_negotiated"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrAlreadyStreaming reports a StreamFrames call while a stream is
// already active. Stop the current stream first; each Streaming entry
// yields its own frame sequence.
var ErrAlreadyStreaming = errors.New("streaming already active")

type frameResult struct {
	frame *protocol.Frame
	err   error
}

// Session is one logical connection to an RT server. It owns the
// transport handle and the pending-command slot, negotiates the protocol
// version once at connect, and multiplexes command replies, streamed data
// frames and event pushes over the single byte stream.
//
// Exactly one goroutine, the dispatcher started by Connect, reads the
// socket: it reassembles packets, classifies them and fans out to the
// command waiter, the frame stream and the event path. The command-send
// path and the frame-consumption path may run on different goroutines.
type Session struct {
	conf   *config.Client
	logger zerolog.Logger

	// dial is swappable so tests can run the session over an in-memory
	// pipe.
	dial func(ctx context.Context, addr string, timeout time.Duration, logger zerolog.Logger) (net.Conn, error)

	conn   Conn
	reader *protocol.FrameReader

	state atomic.Int32

	versionMu sync.Mutex
	version   protocol.Version

	correlator correlator
	waiters    *eventWaiters
	events     chan protocol.Event

	streamMu    sync.Mutex
	stream      *FrameStream
	oneshot     chan frameResult
	calibration chan string

	welcome string

	closeOnce sync.Once
	closeMu   sync.Mutex
	closeErr  error
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates a session from the configuration. Defaults are applied so
// a zero-filled config is usable.
func New(conf *config.Client) (*Session, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	s := &Session{
		conf: conf,
		logger: log.With().
			Str("com", "session").
			Str("session_id", conf.SessionID).
			Str("server", conf.Server.Addr()).
			Logger(),
		waiters: newEventWaiters(),
		events:  make(chan protocol.Event, conf.Stream.EventBuffer),
		closed:  make(chan struct{}),
		dial:    dialServer,
	}
	s.state.Store(int32(StateDisconnected))
	return s, nil
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Version returns the negotiated protocol version, zero before the
// handshake completes. It is immutable for the connection's lifetime.
func (s *Session) Version() protocol.Version {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	return s.version
}

func (s *Session) setVersion(v protocol.Version) {
	s.versionMu.Lock()
	s.version = v
	s.versionMu.Unlock()
}

// Welcome returns the server's greeting line received on connect.
func (s *Session) Welcome() string {
	return s.welcome
}

// Connect dials the server, reads the welcome line, negotiates the
// protocol version and starts the dispatcher. The requested version must
// be at least 1.8; older versions and server rejections fail with
// UnsupportedVersionError. No command other than version negotiation is
// sent before the handshake completes.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect: session is %s", s.State())
	}
	s.logger.Info().Msg("connecting to rt server")

	requested, err := protocol.ParseVersion(s.conf.Version)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}
	if !requested.AtLeast(protocol.MinVersion) {
		s.state.Store(int32(StateDisconnected))
		return &protocol.UnsupportedVersionError{
			Requested: requested,
			Reason:    fmt.Sprintf("client requires at least %s", protocol.MinVersion),
		}
	}

	conn, err := s.dial(ctx, s.conf.Server.Addr(), s.conf.ConnectTimeout, s.logger)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}
	s.conn = conn
	s.reader = protocol.NewFrameReader(conn)

	if err := s.handshake(requested); err != nil {
		conn.Close()
		s.conn = nil
		s.state.Store(int32(StateDisconnected))
		return err
	}

	s.state.Store(int32(StateVersionNegotiated))
	s.logger.Info().
		Stringer("version", s.Version()).
		Str("welcome", s.welcome).
		Msg("protocol version negotiated")
	s.state.Store(int32(StateIdle))

	s.wg.Add(1)
	go s.run()

	return nil
}

// handshake reads the welcome push and performs version negotiation
// synchronously, before the dispatcher exists. Events arriving during the
// handshake are forwarded; data packets cannot be decoded yet and are
// dropped.
func (s *Session) handshake(requested protocol.Version) error {
	welcome, err := s.readSync()
	if err != nil {
		return err
	}
	if welcome.Type != protocol.PacketCommand {
		return fmt.Errorf("unexpected %s packet before welcome", welcome.Type)
	}
	s.welcome = welcome.Text

	if err := protocol.WriteCommand(s.conn, fmt.Sprintf("Version %s", requested)); err != nil {
		return fmt.Errorf("send version negotiation: %w", err)
	}

	for {
		dp, err := s.readSync()
		if err != nil {
			return err
		}
		switch dp.Type {
		case protocol.PacketCommand:
			text, ok := strings.CutPrefix(dp.Text, "Version set to ")
			if !ok {
				return &protocol.UnsupportedVersionError{Requested: requested, Reason: dp.Text}
			}
			negotiated, err := protocol.ParseVersion(text)
			if err != nil {
				return err
			}
			if !negotiated.AtLeast(protocol.MinVersion) {
				return &protocol.UnsupportedVersionError{
					Requested: requested,
					Reason:    fmt.Sprintf("server selected %s", negotiated),
				}
			}
			s.setVersion(negotiated)
			return nil
		case protocol.PacketVersion:
			if !dp.Version.AtLeast(protocol.MinVersion) {
				return &protocol.UnsupportedVersionError{
					Requested: requested,
					Reason:    fmt.Sprintf("server selected %s", dp.Version),
				}
			}
			s.setVersion(dp.Version)
			return nil
		case protocol.PacketError:
			return &protocol.UnsupportedVersionError{Requested: requested, Reason: dp.Text}
		case protocol.PacketEvent:
			s.publishEvent(dp.Event)
		default:
			s.logger.Debug().Stringer("type", dp.Type).Msg("dropping packet during handshake")
		}
	}
}

// readSync reads and classifies one packet under the connect timeout.
// Only used before the dispatcher starts.
func (s *Session) readSync() (protocol.DecodedPacket, error) {
	deadline := time.Now().Add(s.conf.ConnectTimeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return protocol.DecodedPacket{}, fmt.Errorf("set read deadline: %w", err)
	}
	pkt, err := s.reader.Next()
	if err != nil {
		return protocol.DecodedPacket{}, err
	}
	return protocol.Classify(pkt)
}

// SendCommand sends one command and blocks until the server's reply
// resolves it. At most one command is in flight at a time; a second send
// fails with ErrCommandInFlight and leaves the first call's resolution
// unaffected. A server Error reply resolves the call with CommandError
// and the connection stays usable.
//
// When the context has no deadline the configured command timeout
// applies. A timed-out caller abandons the wait; the correlation slot
// stays armed until the actual reply arrives so later commands stay
// paired with their own replies.
func (s *Session) SendCommand(ctx context.Context, command string) (string, error) {
	return s.roundTrip(ctx, command, false)
}

// SendXML sends an XML settings document and returns the server's
// acknowledgment text.
func (s *Session) SendXML(ctx context.Context, document string) (string, error) {
	return s.roundTrip(ctx, document, true)
}

func (s *Session) roundTrip(ctx context.Context, payload string, xml bool) (string, error) {
	if err := s.commandReady(); err != nil {
		return "", err
	}

	respCh, err := s.correlator.arm()
	if err != nil {
		return "", err
	}

	var writeErr error
	if xml {
		writeErr = protocol.WriteXML(s.conn, payload)
	} else {
		writeErr = protocol.WriteCommand(s.conn, payload)
	}
	if writeErr != nil {
		s.closeWithError(fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, writeErr))
		return "", writeErr
	}

	if _, ok := ctx.Deadline(); !ok && s.conf.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conf.CommandTimeout)
		defer cancel()
	}

	select {
	case resp := <-respCh:
		return resp.text, resp.err
	case <-ctx.Done():
		return "", ctxError(ctx)
	}
}

// commandReady checks the caller is allowed to send: connected and past
// version negotiation. Violations never mutate session state.
func (s *Session) commandReady() error {
	switch s.State() {
	case StateDisconnected:
		return protocol.ErrConnectionClosed
	case StateConnecting, StateVersionNegotiated:
		return protocol.ErrVersionNotNegotiated
	}
	return nil
}

// StreamFrames enters Streaming: it registers a new frame stream, sends
// the stream-start command and hands the stream to the caller once the
// server acknowledges. rate is "allframes", "frequency:N" or
// "frequencydivisor:N"; an empty rate means all frames.
func (s *Session) StreamFrames(ctx context.Context, rate string, components ...string) (*FrameStream, error) {
	if err := ValidateComponents(components); err != nil {
		return nil, err
	}
	if rate == "" {
		rate = "allframes"
	}

	s.streamMu.Lock()
	if s.stream != nil {
		s.streamMu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	fs := newFrameStream(s.conf.Stream.FrameBuffer)
	// Register before sending: the first frames can interleave ahead of
	// the command reply and must not be lost.
	s.stream = fs
	s.streamMu.Unlock()

	cmd := "streamframes " + rate
	if len(components) > 0 {
		cmd += " " + strings.Join(components, " ")
	}

	resp, err := s.SendCommand(ctx, cmd)
	if err == nil && !strings.HasPrefix(resp, "Ok") {
		err = &protocol.CommandError{Message: resp}
	}
	if err != nil {
		s.streamMu.Lock()
		if s.stream == fs {
			s.stream = nil
		}
		s.streamMu.Unlock()
		fs.close(err)
		return nil, err
	}

	s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming))
	s.logger.Info().Str("rate", rate).Strs("components", components).Msg("streaming started")
	return fs, nil
}

// StreamFramesStop tells the server to stop pushing frames and ends the
// current stream.
func (s *Session) StreamFramesStop(ctx context.Context) error {
	resp, err := s.SendCommand(ctx, "streamframes stop")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "Ok") {
		return &protocol.CommandError{Message: resp}
	}
	s.endStream(protocol.ErrStreamStopped)
	s.logger.Info().Msg("streaming stopped")
	return nil
}

// GetCurrentFrame requests a single frame. The reply arrives as a Data
// packet on the asynchronous path (or NoMoreData when nothing is
// measured), never through the command correlator.
func (s *Session) GetCurrentFrame(ctx context.Context, components ...string) (*protocol.Frame, error) {
	if err := ValidateComponents(components); err != nil {
		return nil, err
	}
	if err := s.commandReady(); err != nil {
		return nil, err
	}
	if s.correlator.inFlight() {
		return nil, protocol.ErrCommandInFlight
	}

	ch := make(chan frameResult, 1)
	s.streamMu.Lock()
	if s.oneshot != nil {
		s.streamMu.Unlock()
		return nil, fmt.Errorf("frame request already pending: %w", protocol.ErrCommandInFlight)
	}
	s.oneshot = ch
	s.streamMu.Unlock()

	cmd := "getcurrentframe"
	if len(components) > 0 {
		cmd += " " + strings.Join(components, " ")
	}
	if err := protocol.WriteCommand(s.conn, cmd); err != nil {
		s.clearOneshot(ch)
		s.closeWithError(fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err))
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && s.conf.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conf.CommandTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		return res.frame, res.err
	case <-ctx.Done():
		s.clearOneshot(ch)
		return nil, ctxError(ctx)
	}
}

func (s *Session) clearOneshot(ch chan frameResult) {
	s.streamMu.Lock()
	if s.oneshot == ch {
		s.oneshot = nil
	}
	s.streamMu.Unlock()
}

// Close shuts the session down. A command awaiting its response resolves
// with ErrConnectionClosed rather than hanging, the active stream and all
// event waiters end the same way.
func (s *Session) Close() error {
	s.closeWithError(protocol.ErrConnectionClosed)
	s.wg.Wait()
	return nil
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeErr = err
		s.closeMu.Unlock()

		s.state.Store(int32(StateDisconnected))
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}

		s.correlator.fail(err)
		s.endStream(err)
		s.resolveOneshot(frameResult{err: err})
		s.waiters.failAll(err)

		s.logger.Info().Err(unwrapClose(err)).Msg("session closed")
	})
}

// unwrapClose keeps a deliberate Close quiet in the log.
func unwrapClose(err error) error {
	if err == protocol.ErrConnectionClosed {
		return nil
	}
	return err
}

func (s *Session) closeReason() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeErr == nil {
		return protocol.ErrConnectionClosed
	}
	return s.closeErr
}

// run is the dispatcher: the one goroutine that reads the socket. It
// reassembles and classifies packets and fans them out, preserving
// arrival order per destination.
func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		// Short deadlines keep the loop responsive to Close without
		// closing the connection on expiry.
		if err := s.conn.SetReadDeadline(time.Now().Add(s.conf.ReadPollInterval)); err != nil {
			s.closeWithError(fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err))
			return
		}

		pkt, err := s.reader.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrTimeout) {
				continue
			}
			s.closeWithError(err)
			return
		}

		dp, err := protocol.Classify(pkt)
		if err != nil {
			var malformed *protocol.MalformedPacketError
			if errors.As(err, &malformed) {
				s.closeWithError(err)
				return
			}
			// Unknown packet types are reported, not fatal: the framing
			// is intact and the stream can continue past them.
			s.logger.Error().Err(err).Msg("unclassifiable packet")
			continue
		}

		s.route(dp)
	}
}

func (s *Session) route(dp protocol.DecodedPacket) {
	switch dp.Type {
	case protocol.PacketCommand, protocol.PacketXML:
		if s.correlator.deliver(dp) {
			return
		}
		if dp.Type == protocol.PacketXML && s.resolveCalibration(dp.Text) {
			return
		}
		s.logger.Warn().Stringer("type", dp.Type).Str("text", dp.Text).Msg("unsolicited response packet")

	case protocol.PacketError:
		if s.correlator.deliver(dp) {
			return
		}
		if s.resolveOneshot(frameResult{err: &protocol.CommandError{Message: dp.Text}}) {
			return
		}
		s.logger.Warn().Str("message", dp.Text).Msg("unsolicited error packet")

	case protocol.PacketData:
		s.handleData(dp.Data)

	case protocol.PacketEvent:
		s.logger.Debug().Stringer("event", dp.Event).Msg("event received")
		s.publishEvent(dp.Event)

	case protocol.PacketNoMoreData:
		if s.resolveOneshot(frameResult{err: protocol.ErrNoMoreData}) {
			return
		}
		s.endStream(protocol.ErrNoMoreData)

	case protocol.PacketVersion:
		s.setVersion(dp.Version)

	default:
		// C3D/QTM file payloads and discover replies on the command
		// socket are pass-through and have no consumer here.
		s.logger.Debug().Stringer("type", dp.Type).Msg("ignoring packet")
	}
}

// handleData decodes a Data packet and delivers the frame. Decode errors
// are fatal to the frame only, never the connection; skipped components
// are logged and the rest of the frame is delivered.
func (s *Session) handleData(payload []byte) {
	frame, err := protocol.DecodeFrame(payload, s.Version())
	if err != nil {
		s.logger.Error().Err(err).Msg("dropping undecodable frame")
		s.resolveOneshot(frameResult{err: err})
		return
	}
	frame.LogSkipped(s.logger)

	if s.resolveOneshot(frameResult{frame: frame}) {
		return
	}

	s.streamMu.Lock()
	fs := s.stream
	s.streamMu.Unlock()
	if fs == nil {
		s.logger.Debug().Uint32("frame", frame.Number).Msg("dropping frame without consumer")
		return
	}
	if !fs.push(frame) {
		// Consumer detached locally; forget the stream.
		s.streamMu.Lock()
		if s.stream == fs {
			s.stream = nil
		}
		s.streamMu.Unlock()
		s.state.CompareAndSwap(int32(StateStreaming), int32(StateIdle))
	}
}

func (s *Session) resolveOneshot(res frameResult) bool {
	s.streamMu.Lock()
	ch := s.oneshot
	s.oneshot = nil
	s.streamMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- res
	return true
}

func (s *Session) endStream(reason error) {
	s.streamMu.Lock()
	fs := s.stream
	s.stream = nil
	s.streamMu.Unlock()
	if fs != nil {
		fs.close(reason)
	}
	s.state.CompareAndSwap(int32(StateStreaming), int32(StateIdle))
}

func (s *Session) publishEvent(ev protocol.Event) {
	s.waiters.notify(ev)
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Stringer("event", ev).Msg("event channel full, event not delivered")
	}
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.ErrTimeout
	}
	return ctx.Err()
}
