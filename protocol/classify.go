package protocol

import (
	"strings"
)

// DecodedPacket is the classifier's output: the payload interpreted
// according to the packet type, with untouched fields left zero.
type DecodedPacket struct {
	Type PacketType

	// Text holds the NUL-trimmed payload of Command, XML and Error
	// packets. For Error packets it is the server's human-readable
	// message; the correlator turns it into a CommandError rather than
	// a connection fault.
	Text string

	// Data holds the raw payload of Data packets (decoded separately by
	// DecodeFrame) and the opaque contents of C3DFile, QTMFile and
	// Discover packets, which are pass-through at this layer.
	Data []byte

	// Event is set for Event packets.
	Event Event

	// Version is set for Version packets.
	Version Version
}

// Classify interprets a packet's payload according to its type tag. It is
// a pure function of the packet bytes and holds no connection state.
// Unknown type tags fail with UnsupportedPacketTypeError; they are never
// silently ignored.
func Classify(pkt Packet) (DecodedPacket, error) {
	if pkt.Type > knownPacketTypes {
		return DecodedPacket{}, &UnsupportedPacketTypeError{Tag: uint32(pkt.Type)}
	}

	dp := DecodedPacket{Type: pkt.Type}

	switch pkt.Type {
	case PacketError, PacketCommand, PacketXML:
		dp.Text = trimText(pkt.Payload)

	case PacketData, PacketC3DFile, PacketQTMFile, PacketDiscover:
		dp.Data = pkt.Payload

	case PacketNoMoreData:
		// End-of-segment marker, no payload to interpret.

	case PacketEvent:
		if len(pkt.Payload) < 1 {
			return DecodedPacket{}, &MalformedPacketError{
				Size:   uint32(len(pkt.Payload)) + HeaderSize,
				Reason: "event packet without event id",
			}
		}
		dp.Event = Event(pkt.Payload[0])

	case PacketVersion:
		v, err := ParseVersion(trimText(pkt.Payload))
		if err != nil {
			return DecodedPacket{}, err
		}
		dp.Version = v
	}

	return dp, nil
}

func trimText(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
