package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mmx233/QRT/protocol"
)

// Component selectors a frame request or stream may name, lowercased the
// way the wire expects them.
var validComponents = map[string]struct{}{
	"2d":              {},
	"2dlin":           {},
	"3d":              {},
	"3dres":           {},
	"3dnolabels":      {},
	"3dnolabelsres":   {},
	"analog":          {},
	"analogsingle":    {},
	"force":           {},
	"forcesingle":     {},
	"6d":              {},
	"6dres":           {},
	"6deuler":         {},
	"6deulerres":      {},
	"gazevector":      {},
	"eyetracker":      {},
	"image":           {},
	"timecode":        {},
	"skeleton":        {},
	"skeleton:global": {},
}

// Parameter groups GetParameters accepts.
var validParameters = map[string]struct{}{
	"all":             {},
	"general":         {},
	"3d":              {},
	"6d":              {},
	"analog":          {},
	"force":           {},
	"gazevector":      {},
	"eyetracker":      {},
	"image":           {},
	"skeleton":        {},
	"skeleton:global": {},
	"calibration":     {},
}

// ValidateComponents rejects component selectors the protocol does not
// define before anything is sent.
func ValidateComponents(components []string) error {
	for _, c := range components {
		if _, ok := validComponents[strings.ToLower(c)]; !ok {
			return fmt.Errorf("unknown component selector %q", c)
		}
	}
	return nil
}

// expect runs one command and checks the server's acknowledgment against
// the expected reply prefix. Anything else is a CommandError carrying the
// actual text.
func (s *Session) expect(ctx context.Context, command, wantPrefix string) (string, error) {
	resp, err := s.SendCommand(ctx, command)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(resp, wantPrefix) {
		return "", &protocol.CommandError{Message: resp}
	}
	return resp, nil
}

// QTMVersion asks for the server application's version string.
func (s *Session) QTMVersion(ctx context.Context) (string, error) {
	return s.SendCommand(ctx, "qtmversion")
}

// ByteOrder asks which byte order the server sends data in.
func (s *Session) ByteOrder(ctx context.Context) (string, error) {
	return s.SendCommand(ctx, "byteorder")
}

// GetState asks the server to push its latest event; the reply arrives as
// an Event packet, not a command response. Pair with AwaitEvent.
func (s *Session) GetState(ctx context.Context) error {
	if err := s.commandReady(); err != nil {
		return err
	}
	// No command reply follows, so the correlator stays unarmed.
	if err := protocol.WriteCommand(s.conn, "getstate"); err != nil {
		s.closeWithError(fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err))
		return err
	}
	return nil
}

// GetParameters fetches the settings XML for the named parameter groups,
// or everything when none are given.
func (s *Session) GetParameters(ctx context.Context, parameters ...string) (string, error) {
	for _, p := range parameters {
		if _, ok := validParameters[strings.ToLower(p)]; !ok {
			return "", fmt.Errorf("unknown parameter group %q", p)
		}
	}
	cmd := "getparameters"
	if len(parameters) == 0 {
		cmd += " all"
	} else {
		cmd += " " + strings.Join(parameters, " ")
	}

	if err := s.commandReady(); err != nil {
		return "", err
	}
	respCh, err := s.correlator.arm()
	if err != nil {
		return "", err
	}
	if err := protocol.WriteCommand(s.conn, cmd); err != nil {
		s.closeWithError(fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err))
		return "", err
	}

	if _, ok := ctx.Deadline(); !ok && s.conf.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conf.CommandTimeout)
		defer cancel()
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			return "", resp.err
		}
		if resp.typ != protocol.PacketXML {
			return "", &protocol.CommandError{Message: resp.text}
		}
		return resp.text, nil
	case <-ctx.Done():
		return "", ctxError(ctx)
	}
}

// TakeControl claims the master role using the server password.
func (s *Session) TakeControl(ctx context.Context, password string) error {
	_, err := s.expect(ctx, "takecontrol "+password, "You are now master")
	return err
}

// ReleaseControl gives the master role back.
func (s *Session) ReleaseControl(ctx context.Context) error {
	_, err := s.expect(ctx, "releasecontrol", "You are now a regular client")
	return err
}

// NewMeasurement creates a new measurement. Requires control.
func (s *Session) NewMeasurement(ctx context.Context) error {
	resp, err := s.SendCommand(ctx, "new")
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(resp, "Creating new connection"),
		strings.HasPrefix(resp, "Already connected"):
		return nil
	}
	return &protocol.CommandError{Message: resp}
}

// CloseMeasurement closes the current measurement. Requires control.
func (s *Session) CloseMeasurement(ctx context.Context) error {
	resp, err := s.SendCommand(ctx, "close")
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(resp, "Closing connection"),
		strings.HasPrefix(resp, "File closed"),
		strings.HasPrefix(resp, "Closing file"),
		strings.HasPrefix(resp, "No connection to close"):
		return nil
	}
	return &protocol.CommandError{Message: resp}
}

// Start begins capture, or playback when rtFromFile is set. Requires
// control.
func (s *Session) Start(ctx context.Context, rtFromFile bool) error {
	cmd := "start"
	if rtFromFile {
		cmd += " rtfromfile"
	}
	resp, err := s.SendCommand(ctx, cmd)
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(resp, "Starting measurement"),
		strings.HasPrefix(resp, "Starting RT from file"):
		return nil
	}
	return &protocol.CommandError{Message: resp}
}

// Stop ends the running capture or playback. Requires control.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.expect(ctx, "stop", "Stopping measurement")
	return err
}

// Load opens a measurement file on the server. Requires control.
func (s *Session) Load(ctx context.Context, filename string) error {
	_, err := s.expect(ctx, "load "+filename, "Measurement loaded")
	return err
}

// Save writes the current measurement to filename on the server.
// Requires control.
func (s *Session) Save(ctx context.Context, filename string, overwrite bool) error {
	cmd := "save " + filename
	if overwrite {
		cmd += " overwrite"
	}
	_, err := s.expect(ctx, cmd, "Measurement saved")
	return err
}

// LoadProject opens a project on the server. Requires control.
func (s *Session) LoadProject(ctx context.Context, path string) error {
	_, err := s.expect(ctx, "loadproject "+path, "Project loaded")
	return err
}

// Trig fires a software trigger. Requires control.
func (s *Session) Trig(ctx context.Context) error {
	_, err := s.expect(ctx, "trig", "Trig ok")
	return err
}

// SetQTMEvent records a named event in the running measurement. Requires
// control.
func (s *Session) SetQTMEvent(ctx context.Context, label string) error {
	_, err := s.expect(ctx, "event "+label, "Event set")
	return err
}

// Calibrate starts a calibration and blocks until the server pushes the
// calibration result XML. Calibrations run long; pass a context with a
// generous deadline.
func (s *Session) Calibrate(ctx context.Context, refine bool) (string, error) {
	ch := make(chan string, 1)
	s.streamMu.Lock()
	if s.calibration != nil {
		s.streamMu.Unlock()
		return "", fmt.Errorf("calibration already pending: %w", protocol.ErrCommandInFlight)
	}
	s.calibration = ch
	s.streamMu.Unlock()
	defer func() {
		s.streamMu.Lock()
		if s.calibration == ch {
			s.calibration = nil
		}
		s.streamMu.Unlock()
	}()

	cmd := "calibrate"
	if refine {
		cmd += " refine"
	}
	if _, err := s.expect(ctx, cmd, "Starting calibration"); err != nil {
		return "", err
	}

	select {
	case doc, ok := <-ch:
		if !ok {
			return "", s.closeReason()
		}
		return doc, nil
	case <-ctx.Done():
		return "", ctxError(ctx)
	case <-s.closed:
		return "", s.closeReason()
	}
}

// resolveCalibration hands an unsolicited XML push to a pending Calibrate
// call, if any.
func (s *Session) resolveCalibration(doc string) bool {
	s.streamMu.Lock()
	ch := s.calibration
	s.calibration = nil
	s.streamMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- doc
	return true
}
