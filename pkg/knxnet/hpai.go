package knxnet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Host protocol codes for HPAI.
const (
	ProtocolUDP = 0x01
	ProtocolTCP = 0x02
)

// HPAI is the 8-byte host protocol address information block describing a
// protocol endpoint.
type HPAI struct {
	Protocol uint8
	Addr     netip.AddrPort
}

// HPAITCP returns the HPAI used for secure handshakes over TCP: the TCP
// protocol code with an unspecified route-back endpoint (0.0.0.0:0).
func HPAITCP() HPAI {
	return HPAI{Protocol: ProtocolTCP, Addr: netip.AddrPortFrom(netip.IPv4Unspecified(), 0)}
}

// HPAIUDP returns an HPAI for a UDP endpoint.
func HPAIUDP(addr netip.AddrPort) HPAI {
	return HPAI{Protocol: ProtocolUDP, Addr: addr}
}

// ParseHPAI decodes an HPAI from the start of data.
func ParseHPAI(data []byte) (HPAI, error) {
	if len(data) < HPAISize {
		return HPAI{}, ErrHPAITooShort
	}
	if data[0] != HPAISize {
		return HPAI{}, fmt.Errorf("%w: structure length 0x%02x", ErrInvalidHPAI, data[0])
	}
	proto := data[1]
	if proto != ProtocolUDP && proto != ProtocolTCP {
		return HPAI{}, fmt.Errorf("%w: protocol 0x%02x", ErrInvalidHPAI, proto)
	}
	ip := netip.AddrFrom4([4]byte(data[2:6]))
	port := binary.BigEndian.Uint16(data[6:8])
	return HPAI{Protocol: proto, Addr: netip.AddrPortFrom(ip, port)}, nil
}

// Encode serializes the HPAI to its 8-byte wire form.
func (h HPAI) Encode() []byte {
	buf := make([]byte, HPAISize)
	buf[0] = HPAISize
	buf[1] = h.Protocol
	ip := h.Addr.Addr()
	if ip.Is4() {
		v4 := ip.As4()
		copy(buf[2:6], v4[:])
	}
	binary.BigEndian.PutUint16(buf[6:8], h.Addr.Port())
	return buf
}

// String returns the protocol and endpoint for logging.
func (h HPAI) String() string {
	proto := "udp"
	if h.Protocol == ProtocolTCP {
		proto = "tcp"
	}
	return fmt.Sprintf("%s %s", proto, h.Addr)
}
