package protocol

import "encoding/binary"

// Wire format: every packet starts with an 8-byte header,
// [4 bytes size][4 bytes type], both uint32 little-endian.
// The size field counts the whole packet, header included.
const (
	HeaderSize = 8

	// DefaultPort is the RT server's base TCP port.
	DefaultPort = 22223

	// DiscoverPort is the UDP port servers answer discovery on.
	DiscoverPort = 22226

	// MaxPacketSize caps the declared packet size to keep a corrupt
	// header from triggering an unbounded allocation.
	MaxPacketSize = 64 * 1024 * 1024
)

// PacketType identifies the owner of a packet payload.
type PacketType uint32

const (
	PacketError      PacketType = 0
	PacketCommand    PacketType = 1
	PacketXML        PacketType = 2
	PacketData       PacketType = 3
	PacketNoMoreData PacketType = 4
	PacketC3DFile    PacketType = 5
	PacketEvent      PacketType = 6
	PacketDiscover   PacketType = 7
	PacketQTMFile    PacketType = 8
	PacketVersion    PacketType = 9
)

// knownPacketTypes is the closed set this client decodes. Anything else
// fails classification; forward compatibility is explicitly not promised.
const knownPacketTypes = PacketVersion

func (t PacketType) String() string {
	switch t {
	case PacketError:
		return "error"
	case PacketCommand:
		return "command"
	case PacketXML:
		return "xml"
	case PacketData:
		return "data"
	case PacketNoMoreData:
		return "nomoredata"
	case PacketC3DFile:
		return "c3dfile"
	case PacketEvent:
		return "event"
	case PacketDiscover:
		return "discover"
	case PacketQTMFile:
		return "qtmfile"
	case PacketVersion:
		return "version"
	default:
		return "unknown"
	}
}

// Packet is a complete protocol packet as reassembled by the FrameReader.
// Payload excludes the 8-byte header. Packets are consumed immediately by
// the classifier and never persisted.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// PutHeader writes a packet header into b, which must hold HeaderSize bytes.
// size is the total packet length including the header itself.
func PutHeader(b []byte, size uint32, typ PacketType) {
	binary.LittleEndian.PutUint32(b[0:4], size)
	binary.LittleEndian.PutUint32(b[4:8], uint32(typ))
}

// ParseHeader reads a packet header from b, which must hold HeaderSize bytes.
func ParseHeader(b []byte) (size uint32, typ PacketType) {
	return binary.LittleEndian.Uint32(b[0:4]), PacketType(binary.LittleEndian.Uint32(b[4:8]))
}
