package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Mmx233/QRT/protocol"
	"github.com/rs/zerolog/log"
)

// ServerInfo is one discovery response: the announcing host, its
// self-description line and the base port its RT endpoint listens on.
type ServerInfo struct {
	Host     string `json:"host"`
	Info     string `json:"info"`
	BasePort uint16 `json:"base_port"`
}

// Discover broadcasts a discovery request on the well-known UDP port and
// collects responses until the context expires or wait elapses. Multiple
// servers may answer; duplicates from multi-homed hosts are collapsed.
//
// The discovery exchange is the protocol's one byte-order quirk: the
// ports ride big-endian inside otherwise little-endian packets.
func Discover(ctx context.Context, wait time.Duration) ([]ServerInfo, error) {
	logger := log.With().Str("com", "discover").Logger()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	localPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	// Discovery request: a Discover packet whose payload carries the
	// response port the client listens on.
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, localPort)
	request := make([]byte, protocol.HeaderSize+len(payload))
	protocol.PutHeader(request, uint32(len(request)), protocol.PacketDiscover)
	copy(request[protocol.HeaderSize:], payload)

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: protocol.DiscoverPort}
	if _, err := conn.WriteToUDP(request, broadcast); err != nil {
		return nil, fmt.Errorf("send discovery broadcast: %w", err)
	}
	logger.Debug().Uint16("response_port", localPort).Msg("discovery broadcast sent")

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set discovery deadline: %w", err)
	}

	var (
		servers []ServerInfo
		seen    = make(map[string]struct{})
		buf     = make([]byte, 2048)
	)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return servers, nil
			}
			return servers, fmt.Errorf("read discovery response: %w", err)
		}

		info, basePort, err := parseDiscoverResponse(buf[:n])
		if err != nil {
			logger.Warn().Err(err).Stringer("from", addr).Msg("bad discovery response")
			continue
		}

		host := addr.IP.String()
		key := fmt.Sprintf("%s|%s|%d", host, info, basePort)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		servers = append(servers, ServerInfo{Host: host, Info: info, BasePort: basePort})
		logger.Debug().Str("host", host).Str("info", info).Uint16("base_port", basePort).
			Msg("server discovered")
	}
}

// parseDiscoverResponse unpacks one announcement: the standard packet
// header, a NUL-terminated info string and a trailing big-endian base
// port.
func parseDiscoverResponse(b []byte) (string, uint16, error) {
	if len(b) < protocol.HeaderSize+2 {
		return "", 0, fmt.Errorf("discovery packet too short: %d bytes", len(b))
	}
	size, typ := protocol.ParseHeader(b)
	if typ != protocol.PacketCommand && typ != protocol.PacketDiscover {
		return "", 0, fmt.Errorf("unexpected discovery packet type %d", typ)
	}
	if int(size) != len(b) {
		return "", 0, fmt.Errorf("discovery packet size %d does not match datagram %d", size, len(b))
	}

	body := b[protocol.HeaderSize:]
	basePort := binary.BigEndian.Uint16(body[len(body)-2:])
	info := strings.TrimRight(string(body[:len(body)-2]), "\x00")
	return info, basePort, nil
}
