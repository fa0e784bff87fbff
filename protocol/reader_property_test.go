package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"pgregory.net/rapid"
)

// chunkedReader delivers a byte stream sliced at predetermined points,
// simulating arbitrary TCP segmentation.
type chunkedReader struct {
	chunks [][]byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for len(c.chunks) > 0 && len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	return n, nil
}

func drainPackets(t *rapid.T, r io.Reader) []Packet {
	fr := NewFrameReader(r)
	var packets []Packet
	for {
		pkt, err := fr.Next()
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				t.Fatalf("unexpected reader error: %v", err)
			}
			return packets
		}
		packets = append(packets, pkt)
	}
}

// Chunking transparency: for any sequence of valid packets, splitting the
// byte stream at arbitrary points (down to 1 byte at a time) yields exactly
// the packets the contiguous stream yields.
func TestFrameReader_ChunkingTransparency_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		packetCount := rapid.IntRange(0, 8).Draw(t, "packetCount")

		var stream []byte
		for i := 0; i < packetCount; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "kind") {
			case 0:
				text := rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "text")
				stream = append(stream, EncodeTextPacket(PacketCommand, text)...)
			case 1:
				ev := Event(rapid.IntRange(1, 16).Draw(t, "event"))
				stream = append(stream, EncodeEventPacket(ev)...)
			case 2:
				payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")
				stream = append(stream, EncodePacket(PacketData, payload)...)
			case 3:
				// Keep-alive inserted between packets, never emitted.
				stream = append(stream, 0, 0, 0, 0)
			}
		}

		contiguous := drainPackets(t, bytes.NewReader(stream))

		// Split the identical stream at random points, 1-byte chunks allowed.
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		fragmented := drainPackets(t, &chunkedReader{chunks: chunks})

		if len(contiguous) != len(fragmented) {
			t.Fatalf("packet count differs: contiguous %d, fragmented %d", len(contiguous), len(fragmented))
		}
		for i := range contiguous {
			if contiguous[i].Type != fragmented[i].Type {
				t.Fatalf("packet %d type differs: %v vs %v", i, contiguous[i].Type, fragmented[i].Type)
			}
			if !bytes.Equal(contiguous[i].Payload, fragmented[i].Payload) {
				t.Fatalf("packet %d payload differs", i)
			}
		}
	})
}

// Every yielded packet accounts for exactly its declared size: header plus
// payload, nothing partial.
func TestFrameReader_ExactSizes_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "payload")
		pkt := EncodePacket(PacketData, payload)

		fr := NewFrameReader(bytes.NewReader(pkt))
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(got.Payload)+HeaderSize != len(pkt) {
			t.Fatalf("yielded %d payload bytes for a %d byte packet", len(got.Payload), len(pkt))
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Fatalf("payload mismatch")
		}
	})
}
