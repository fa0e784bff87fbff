package client

import (
	"encoding/binary"
	"testing"

	"github.com/Mmx233/QRT/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeDiscoverResponse(info string, basePort uint16) []byte {
	body := make([]byte, 0, len(info)+3)
	body = append(body, info...)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint16(body, basePort)

	pkt := make([]byte, protocol.HeaderSize, protocol.HeaderSize+len(body))
	protocol.PutHeader(pkt, uint32(protocol.HeaderSize+len(body)), protocol.PacketCommand)
	return append(pkt, body...)
}

func TestParseDiscoverResponse(t *testing.T) {
	pkt := encodeDiscoverResponse("QTM on lab-pc, 8 cameras", 22223)

	info, basePort, err := parseDiscoverResponse(pkt)
	require.NoError(t, err)
	assert.Equal(t, "QTM on lab-pc, 8 cameras", info)
	assert.Equal(t, uint16(22223), basePort)
}

func TestParseDiscoverResponse_TooShort(t *testing.T) {
	_, _, err := parseDiscoverResponse([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestParseDiscoverResponse_WrongType(t *testing.T) {
	pkt := protocol.EncodePacket(protocol.PacketData, []byte{0, 0, 1, 2})
	_, _, err := parseDiscoverResponse(pkt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected discovery packet type")
}

func TestParseDiscoverResponse_SizeMismatch(t *testing.T) {
	pkt := encodeDiscoverResponse("server", 22223)
	binary.LittleEndian.PutUint32(pkt[0:4], uint32(len(pkt)+5))
	_, _, err := parseDiscoverResponse(pkt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match datagram")
}
