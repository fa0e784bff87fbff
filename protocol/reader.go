package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

const readChunkSize = 64 * 1024

// FrameReader reassembles complete packets from a byte source that may
// deliver partial or coalesced TCP segments. It is an infinite source of
// packets while the connection is open and is not restartable once the
// source ends; create a new instance per connection.
//
// FrameReader is not safe for concurrent use. The session enforces a
// single-reader invariant structurally: one goroutine owns the socket.
type FrameReader struct {
	r      io.Reader
	buf    []byte
	start  int
	chunk  []byte
	failed bool
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Next blocks until a complete packet is buffered and returns it. Packets
// with declared size 0 are keep-alives and are skipped without being
// emitted. Next returns ErrConnectionClosed when the source ends (including
// end-of-stream in the middle of a packet), ErrTimeout when a read deadline
// expires (the reader stays usable and buffered bytes are kept), and a
// MalformedPacketError for a declared size in [1, HeaderSize) or above
// MaxPacketSize.
func (fr *FrameReader) Next() (Packet, error) {
	if fr.failed {
		return Packet{}, ErrConnectionClosed
	}

	for {
		for fr.buffered() < 4 {
			if err := fr.fill(); err != nil {
				return Packet{}, err
			}
		}

		size := binary.LittleEndian.Uint32(fr.buf[fr.start : fr.start+4])

		// Keep-alive: a zero size field carries no packet at all.
		if size == 0 {
			fr.consume(4)
			continue
		}

		if size < HeaderSize {
			fr.failed = true
			return Packet{}, &MalformedPacketError{Size: size, Reason: "size below header size"}
		}
		if size > MaxPacketSize {
			fr.failed = true
			return Packet{}, &MalformedPacketError{Size: size, Reason: "size above packet ceiling"}
		}

		for fr.buffered() < int(size) {
			if err := fr.fill(); err != nil {
				return Packet{}, err
			}
		}

		_, typ := ParseHeader(fr.buf[fr.start : fr.start+HeaderSize])
		payload := make([]byte, size-HeaderSize)
		copy(payload, fr.buf[fr.start+HeaderSize:fr.start+int(size)])
		fr.consume(int(size))

		return Packet{Type: typ, Payload: payload}, nil
	}
}

func (fr *FrameReader) buffered() int {
	return len(fr.buf) - fr.start
}

func (fr *FrameReader) consume(n int) {
	fr.start += n
	if fr.start == len(fr.buf) {
		fr.buf = fr.buf[:0]
		fr.start = 0
	}
}

// fill reads one chunk from the source and appends it to the buffer.
// Partial packet state survives a timeout so the caller can retry.
func (fr *FrameReader) fill() error {
	// Compact before growing so consumed bytes are not kept alive.
	if fr.start > 0 {
		fr.buf = append(fr.buf[:0], fr.buf[fr.start:]...)
		fr.start = 0
	}

	n, err := fr.r.Read(fr.chunk)
	if n > 0 {
		fr.buf = append(fr.buf, fr.chunk[:n]...)
		return nil
	}
	if err == nil {
		// Zero-length read without error, treat as a timeout tick.
		return ErrTimeout
	}

	if isTimeout(err) {
		return ErrTimeout
	}

	fr.failed = true
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if fr.buffered() > 0 {
			return fmt.Errorf("%w: stream ended with %d byte partial packet", ErrConnectionClosed, fr.buffered())
		}
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
