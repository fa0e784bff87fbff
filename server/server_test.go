package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Mmx233/QRT/config"
	"github.com/Mmx233/QRT/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient drives a simulator connection from the client side using the
// protocol primitives directly.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *protocol.FrameReader
}

func dialSimulator(t *testing.T, conf *config.Server) *testClient {
	t.Helper()

	srv, err := New(conf)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn, reader: protocol.NewFrameReader(conn)}
}

func (tc *testClient) next() protocol.DecodedPacket {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	pkt, err := tc.reader.Next()
	require.NoError(tc.t, err)
	dp, err := protocol.Classify(pkt)
	require.NoError(tc.t, err)
	return dp
}

func (tc *testClient) send(command string) {
	tc.t.Helper()
	require.NoError(tc.t, protocol.WriteCommand(tc.conn, command))
}

// roundTrip sends a command and returns the next non-event packet,
// letting event pushes pass by.
func (tc *testClient) roundTrip(command string) protocol.DecodedPacket {
	tc.t.Helper()
	tc.send(command)
	for {
		dp := tc.next()
		if dp.Type != protocol.PacketEvent {
			return dp
		}
	}
}

func (tc *testClient) handshake() {
	tc.t.Helper()

	welcome := tc.next()
	require.Equal(tc.t, protocol.PacketCommand, welcome.Type)
	assert.Contains(tc.t, welcome.Text, "connected")

	resp := tc.roundTrip("Version 1.19")
	require.Equal(tc.t, protocol.PacketCommand, resp.Type)
	assert.Equal(tc.t, "Version set to 1.19", resp.Text)
}

func TestServer_HandshakeAndInfoCommands(t *testing.T) {
	tc := dialSimulator(t, &config.Server{})
	tc.handshake()

	resp := tc.roundTrip("qtmversion")
	assert.Contains(t, resp.Text, "Simulator")

	resp = tc.roundTrip("byteorder")
	assert.Contains(t, resp.Text, "little endian")
}

func TestServer_VersionRejected(t *testing.T) {
	tc := dialSimulator(t, &config.Server{Version: "1.19"})
	tc.next() // welcome

	resp := tc.roundTrip("Version 1.25")
	require.Equal(t, protocol.PacketError, resp.Type)
	assert.Contains(t, resp.Text, "not supported")
}

func TestServer_CommandBeforeNegotiation(t *testing.T) {
	tc := dialSimulator(t, &config.Server{})
	tc.next() // welcome

	// Info commands work at the default version.
	resp := tc.roundTrip("qtmversion")
	require.Equal(t, protocol.PacketCommand, resp.Type)

	// Everything else is rejected until a version is agreed.
	resp = tc.roundTrip("getparameters all")
	require.Equal(t, protocol.PacketError, resp.Type)
	assert.Contains(t, resp.Text, "Version not set")

	resp = tc.roundTrip("Version 1.19")
	require.Equal(t, protocol.PacketCommand, resp.Type)
	resp = tc.roundTrip("getparameters all")
	assert.Equal(t, protocol.PacketXML, resp.Type)
}

// start rtfromfile answers with its own success string and event, and a
// repeated new on an open measurement stays successful.
func TestServer_StartRTFromFileAndRepeatedNew(t *testing.T) {
	tc := dialSimulator(t, &config.Server{})
	tc.handshake()

	resp := tc.roundTrip("takecontrol")
	require.Equal(t, protocol.PacketCommand, resp.Type)

	resp = tc.roundTrip("new")
	require.Equal(t, protocol.PacketCommand, resp.Type)
	assert.Equal(t, "Creating new connection", resp.Text)
	resp = tc.roundTrip("new")
	require.Equal(t, protocol.PacketCommand, resp.Type)
	assert.Equal(t, "Already connected", resp.Text)

	tc.send("start rtfromfile")
	var sawEvent bool
	for {
		dp := tc.next()
		if dp.Type == protocol.PacketEvent {
			if dp.Event == protocol.EventRTFromFileStarted {
				sawEvent = true
			}
			continue
		}
		require.Equal(t, protocol.PacketCommand, dp.Type)
		assert.Equal(t, "Starting RT from file", dp.Text)
		break
	}
	if !sawEvent {
		dp := tc.next()
		require.Equal(t, protocol.PacketEvent, dp.Type)
		assert.Equal(t, protocol.EventRTFromFileStarted, dp.Event)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	tc := dialSimulator(t, &config.Server{})
	tc.handshake()

	resp := tc.roundTrip("bogus")
	require.Equal(t, protocol.PacketError, resp.Type)
	assert.Contains(t, resp.Text, "Unknown command")
}

func TestServer_MasterGating(t *testing.T) {
	tc := dialSimulator(t, &config.Server{Password: "secret"})
	tc.handshake()

	resp := tc.roundTrip("start")
	require.Equal(t, protocol.PacketError, resp.Type)
	assert.Contains(t, resp.Text, "must be master")

	resp = tc.roundTrip("takecontrol wrong")
	require.Equal(t, protocol.PacketError, resp.Type)
	assert.Contains(t, resp.Text, "Wrong password")

	resp = tc.roundTrip("takecontrol secret")
	require.Equal(t, protocol.PacketCommand, resp.Type)
	assert.Equal(t, "You are now master", resp.Text)

	// start now succeeds and pushes a capture event.
	tc.send("start")
	resp = tc.next()
	require.Equal(t, protocol.PacketCommand, resp.Type)
	assert.Equal(t, "Starting measurement", resp.Text)
	ev := tc.next()
	require.Equal(t, protocol.PacketEvent, ev.Type)
	assert.Equal(t, protocol.EventCaptureStarted, ev.Event)
}

func TestServer_GetState(t *testing.T) {
	tc := dialSimulator(t, &config.Server{})
	tc.handshake()

	tc.send("getstate")
	ev := tc.next()
	require.Equal(t, protocol.PacketEvent, ev.Type)
	assert.Equal(t, protocol.EventConnected, ev.Event)
}

func TestServer_GetParameters(t *testing.T) {
	tc := dialSimulator(t, &config.Server{MarkerCount: 3})
	tc.handshake()

	resp := tc.roundTrip("getparameters all")
	require.Equal(t, protocol.PacketXML, resp.Type)
	assert.Contains(t, resp.Text, "<QTM_Parameters_Ver_1>")
	assert.Contains(t, resp.Text, "marker_3")

	resp = tc.roundTrip("getparameters 3d")
	assert.Contains(t, resp.Text, "<The_3D>")
	assert.NotContains(t, resp.Text, "<General>")
}

func TestServer_StreamFrames(t *testing.T) {
	tc := dialSimulator(t, &config.Server{FrameRate: 200, MarkerCount: 4})
	tc.handshake()

	resp := tc.roundTrip("streamframes allframes 3d 6deuler")
	require.Equal(t, protocol.PacketCommand, resp.Type)
	require.Equal(t, "Ok", resp.Text)

	var last uint32
	for i := 0; i < 3; i++ {
		dp := tc.next()
		require.Equal(t, protocol.PacketData, dp.Type)

		frame, err := protocol.DecodeFrame(dp.Data, protocol.Version{Major: 1, Minor: 19})
		require.NoError(t, err)
		assert.Greater(t, frame.Number, last)
		last = frame.Number

		m3d, ok := frame.Component(protocol.Comp3D).(*protocol.Markers3D)
		require.True(t, ok)
		assert.Len(t, m3d.Markers, 4)
		require.NotNil(t, frame.Component(protocol.Comp6DEuler))
	}

	tc.send("streamframes stop")
	sawNoMoreData := false
	for i := 0; i < 50 && !sawNoMoreData; i++ {
		dp := tc.next()
		switch dp.Type {
		case protocol.PacketData:
			// Frames already queued may still arrive.
		case protocol.PacketCommand:
			require.Equal(t, "Ok", dp.Text)
		case protocol.PacketNoMoreData:
			sawNoMoreData = true
		}
	}
	assert.True(t, sawNoMoreData, "expected NoMoreData after stop")
}

func TestServer_StreamFrames_UnsupportedComponent(t *testing.T) {
	tc := dialSimulator(t, &config.Server{})
	tc.handshake()

	resp := tc.roundTrip("streamframes allframes gazevector")
	require.Equal(t, protocol.PacketError, resp.Type)
	assert.Contains(t, resp.Text, "not supported")
}

func TestServer_GetCurrentFrame(t *testing.T) {
	tc := dialSimulator(t, &config.Server{Password: ""})
	tc.handshake()

	// No measurement running: NoMoreData.
	tc.send("getcurrentframe 3d")
	dp := tc.next()
	require.Equal(t, protocol.PacketNoMoreData, dp.Type)

	require.Equal(t, "You are now master", tc.roundTrip("takecontrol").Text)
	require.Equal(t, "Starting measurement", tc.roundTrip("start").Text)

	tc.send("getcurrentframe 3d")
	for {
		dp = tc.next()
		if dp.Type == protocol.PacketEvent {
			continue
		}
		break
	}
	require.Equal(t, protocol.PacketData, dp.Type)
	frame, err := protocol.DecodeFrame(dp.Data, protocol.Version{Major: 1, Minor: 19})
	require.NoError(t, err)
	require.NotNil(t, frame.Component(protocol.Comp3D))
}

func TestParseRate(t *testing.T) {
	rate, err := parseRate("allframes", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, rate)

	rate, err = parseRate("frequency:25", 100)
	require.NoError(t, err)
	assert.Equal(t, 25, rate)

	rate, err = parseRate("frequencydivisor:4", 100)
	require.NoError(t, err)
	assert.Equal(t, 25, rate)

	_, err = parseRate("frequency:0", 100)
	require.Error(t, err)

	_, err = parseRate("sometimes", 100)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Invalid rate"))
}
