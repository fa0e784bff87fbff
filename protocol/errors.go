package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy. Fatal-to-the-connection errors (ErrConnectionClosed,
// MalformedPacketError, UnsupportedVersionError) terminate the session and
// resolve any pending command with the same error. CommandError and
// ErrTimeout leave the connection usable. Caller protocol violations
// (ErrCommandInFlight, ErrVersionNotNegotiated) are returned synchronously
// and never affect session state.
var (
	// ErrConnectionClosed reports that the transport ended, including
	// end-of-stream in the middle of a packet.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout reports that a read or command wait expired. The
	// connection stays open and the caller may retry.
	ErrTimeout = errors.New("timeout")

	// ErrCommandInFlight reports a send while a previous command is
	// still awaiting its response.
	ErrCommandInFlight = errors.New("command already in flight")

	// ErrVersionNotNegotiated reports a command sent before the version
	// handshake completed.
	ErrVersionNotNegotiated = errors.New("protocol version not negotiated")

	// ErrNoMoreData marks the server-signalled end of a streaming
	// segment, distinct from the connection closing.
	ErrNoMoreData = errors.New("no more data")

	// ErrStreamStopped reports a read from a frame stream after Stop.
	ErrStreamStopped = errors.New("stream stopped")
)

// MalformedPacketError reports a packet header that violates the framing
// invariants.
type MalformedPacketError struct {
	Size   uint32
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed packet: %s (declared size %d)", e.Reason, e.Size)
}

// UnsupportedPacketTypeError reports an unknown packet type tag. The raw
// tag value is kept for diagnostics.
type UnsupportedPacketTypeError struct {
	Tag uint32
}

func (e *UnsupportedPacketTypeError) Error() string {
	return fmt.Sprintf("unsupported packet type %d", e.Tag)
}

// UnsupportedVersionError reports a protocol version the client refuses to
// speak, or a version the server rejected.
type UnsupportedVersionError struct {
	Requested Version
	Reason    string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %s: %s", e.Requested, e.Reason)
}

// CommandError is a server-rejected command. It resolves the pending call
// as a typed failure; the connection stays usable.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return "command rejected: " + e.Message
}

// UnknownComponentNotice records a component block the decoder skipped:
// either a type tag outside the known set, or a known type below its
// introduction version. Skippable, never frame-fatal.
type UnknownComponentNotice struct {
	Tag  uint32
	Size uint32
}

func (e *UnknownComponentNotice) Error() string {
	return fmt.Sprintf("unknown component type %d (%d bytes skipped)", e.Tag, e.Size)
}

// TruncatedComponentError reports a component block whose declared size
// crosses the payload boundary. Fatal to the whole frame, the decoder
// cannot resynchronize past it.
type TruncatedComponentError struct {
	Tag       uint32
	Declared  uint32
	Remaining int
}

func (e *TruncatedComponentError) Error() string {
	return fmt.Sprintf("truncated component type %d: declares %d bytes, %d remain", e.Tag, e.Declared, e.Remaining)
}

// ComponentSizeError reports a component block whose declared length does
// not match what its item layout implies. A mismatch is a decode error,
// not a silent truncation.
type ComponentSizeError struct {
	Component ComponentType
	Declared  uint32
	Expected  int
}

func (e *ComponentSizeError) Error() string {
	return fmt.Sprintf("component %s: declared %d bytes, layout implies %d", e.Component, e.Declared, e.Expected)
}
