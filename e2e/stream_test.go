package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Mmx233/QRT/client"
	"github.com/Mmx233/QRT/config"
	"github.com/Mmx233/QRT/protocol"
	"github.com/Mmx233/QRT/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startSimulator runs the simulator on an ephemeral port and returns the
// port.
func startSimulator(t *testing.T, conf *config.Server) int {
	t.Helper()

	srv, err := server.New(conf)
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

	return ln.Addr().(*net.TCPAddr).Port
}

func newSession(t *testing.T, port int) *client.Session {
	t.Helper()

	s, err := client.New(&config.Client{
		Server:           config.ClientServer{Host: "127.0.0.1", Port: port},
		ReadPollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStream_EndToEnd walks the whole session lifecycle against a real
// TCP socket: connect, negotiate, take control, start a measurement,
// stream frames, stop, tear down.
func TestStream_EndToEnd(t *testing.T) {
	port := startSimulator(t, &config.Server{FrameRate: 200, MarkerCount: 5, BodyCount: 1})
	s := newSession(t, port)
	ctx := context.Background()

	assert.True(t, s.Version().AtLeast(protocol.MinVersion))
	assert.NotEmpty(t, s.Welcome())

	resp, err := s.QTMVersion(ctx)
	require.NoError(t, err)
	assert.Contains(t, resp, "Simulator")

	require.NoError(t, s.TakeControl(ctx, ""))
	require.NoError(t, s.Start(ctx, false))

	select {
	case ev := <-s.Events():
		assert.Equal(t, protocol.EventCaptureStarted, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("capture event never delivered")
	}

	stream, err := s.StreamFrames(ctx, "allframes", "3d", "6d")
	require.NoError(t, err)

	var last uint32
	for i := 0; i < 5; i++ {
		frame, err := stream.Next(ctx)
		require.NoError(t, err)
		require.Greater(t, frame.Number, last)
		last = frame.Number

		markers, ok := frame.Component(protocol.Comp3D).(*protocol.Markers3D)
		require.True(t, ok)
		assert.Len(t, markers.Markers, 5)
		bodies, ok := frame.Component(protocol.Comp6D).(*protocol.Bodies6DOF)
		require.True(t, ok)
		assert.Len(t, bodies.Bodies, 1)
	}

	require.NoError(t, s.StreamFramesStop(ctx))
	_, err = stream.Next(ctx)
	require.Error(t, err)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.ReleaseControl(ctx))
}

func TestGetParameters_EndToEnd(t *testing.T) {
	port := startSimulator(t, &config.Server{MarkerCount: 3})
	s := newSession(t, port)

	xml, err := s.GetParameters(context.Background(), "3d", "general")
	require.NoError(t, err)
	assert.Contains(t, xml, "<QTM_Parameters_Ver_1>")
	assert.Contains(t, xml, "marker_1")
	assert.Contains(t, xml, "<General>")
}

func TestGetCurrentFrame_EndToEnd(t *testing.T) {
	port := startSimulator(t, &config.Server{MarkerCount: 2})
	s := newSession(t, port)
	ctx := context.Background()

	// No measurement running yet.
	_, err := s.GetCurrentFrame(ctx, "3d")
	require.ErrorIs(t, err, protocol.ErrNoMoreData)

	require.NoError(t, s.TakeControl(ctx, ""))
	require.NoError(t, s.Start(ctx, false))

	frame, err := s.GetCurrentFrame(ctx, "3d")
	require.NoError(t, err)
	require.NotNil(t, frame.Component(protocol.Comp3D))
}

// TestAbruptDisconnect verifies a command awaiting its response resolves
// with ErrConnectionClosed when the server vanishes mid-exchange, rather
// than hanging.
func TestAbruptDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// A fake server that completes the handshake and then drops the
	// connection on the first command.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if err := protocol.WriteCommand(conn, "QTM RT Interface connected"); err != nil {
			return
		}
		reader := protocol.NewFrameReader(conn)
		if _, err := reader.Next(); err != nil { // version negotiation
			return
		}
		if err := protocol.WriteCommand(conn, "Version set to 1.19"); err != nil {
			return
		}
		if _, err := reader.Next(); err != nil { // first real command
			return
		}
		conn.Close()
	}()

	s, err := client.New(&config.Client{
		Server:           config.ClientServer{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port},
		ReadPollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	_, err = s.SendCommand(context.Background(), "qtmversion")
	require.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestStartRTFromFile_EndToEnd(t *testing.T) {
	port := startSimulator(t, &config.Server{})
	s := newSession(t, port)
	ctx := context.Background()

	require.NoError(t, s.TakeControl(ctx, ""))
	require.NoError(t, s.NewMeasurement(ctx))
	// A second new on an open measurement answers "Already connected",
	// which is still success.
	require.NoError(t, s.NewMeasurement(ctx))

	require.NoError(t, s.Start(ctx, true))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev == protocol.EventRTFromFileStarted {
				return
			}
		case <-deadline:
			t.Fatal("rtfromfile event never delivered")
		}
	}
}

func TestCalibrate_EndToEnd(t *testing.T) {
	port := startSimulator(t, &config.Server{})
	s := newSession(t, port)
	ctx := context.Background()

	require.NoError(t, s.TakeControl(ctx, ""))

	doc, err := s.Calibrate(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, doc, "calibration")
}
