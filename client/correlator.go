package client

import (
	"sync"

	"github.com/Mmx233/QRT/protocol"
)

// commandResponse resolves one pending command: either the response text
// (Command or XML packet) or an error (server Error packet, or a
// connection fault).
type commandResponse struct {
	typ  protocol.PacketType
	text string
	err  error
}

// correlator is the single-slot pending command state machine:
// Idle -> AwaitingResponse -> Idle. The protocol is strictly
// request-then-response with at most one outstanding reply, and the
// client mirrors that to stay correlated. Only Command, XML and Error
// packets resolve the slot; the dispatcher routes everything else to the
// asynchronous paths and never through here.
type correlator struct {
	mu      sync.Mutex
	pending chan commandResponse
}

// arm registers a correlation slot for the next command. It fails with
// ErrCommandInFlight while a previous command still awaits its response;
// the earlier command's eventual resolution is unaffected.
//
// The returned channel is buffered so a response arriving after the
// caller gave up waiting never blocks the dispatcher; the slot clears on
// delivery either way, keeping the pairing intact.
func (c *correlator) arm() (<-chan commandResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil, protocol.ErrCommandInFlight
	}
	c.pending = make(chan commandResponse, 1)
	return c.pending, nil
}

// inFlight reports whether a command is awaiting its response.
func (c *correlator) inFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// deliver resolves the pending command with a classified response packet.
// An Error packet resolves it as a command-level failure, not a
// connection fault. Returns false when no command is pending, meaning the
// packet is unsolicited.
func (c *correlator) deliver(dp protocol.DecodedPacket) bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil {
		return false
	}

	resp := commandResponse{typ: dp.Type, text: dp.Text}
	if dp.Type == protocol.PacketError {
		resp.err = &protocol.CommandError{Message: dp.Text}
	}
	pending <- resp
	return true
}

// fail resolves the pending command with a session-level error, if any is
// pending. Used on close so an awaiting caller is never left unresolved.
func (c *correlator) fail(err error) bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil {
		return false
	}
	pending <- commandResponse{err: err}
	return true
}
