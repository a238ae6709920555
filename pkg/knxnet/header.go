// Package knxnet implements the KNXnet/IP wire codec: the 6-byte frame
// header, HPAI endpoint descriptors, and the frame builders used by the
// client side of the protocol. All multi-byte fields are big-endian on the
// wire.
package knxnet

import (
	"encoding/binary"
	"fmt"
)

// Header is the KNXnet/IP frame header preceding every service.
type Header struct {
	// Service identifies the service carried by the frame body.
	Service uint16

	// TotalLength is the length of the entire frame, header included.
	TotalLength int
}

// NewHeader creates a header for a service with the given body length.
func NewHeader(service uint16, bodyLength int) Header {
	return Header{Service: service, TotalLength: HeaderSize + bodyLength}
}

// ParseHeader decodes a frame header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}
	if data[0] != HeaderSize {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrInvalidHeader, data[0])
	}
	if data[1] != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, data[1])
	}
	h := Header{
		Service:     binary.BigEndian.Uint16(data[2:4]),
		TotalLength: int(binary.BigEndian.Uint16(data[4:6])),
	}
	if h.TotalLength < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidLength, h.TotalLength)
	}
	return h, nil
}

// Encode serializes the header to its 6-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = HeaderSize
	buf[1] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], h.Service)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.TotalLength))
	return buf
}

// BodyLength returns the length of the frame body following the header.
func (h Header) BodyLength() int { return h.TotalLength - HeaderSize }

// IsSecure reports whether the service belongs to the KNX IP secure family
// routed to a secure session.
func (h Header) IsSecure() bool {
	switch h.Service {
	case SvcSecureWrapper, SvcSessionResponse, SvcSessionAuth, SvcSessionStatus:
		return true
	}
	return false
}

// String returns the service name and total length for logging.
func (h Header) String() string {
	return fmt.Sprintf("%s (length %d)", ServiceName(h.Service), h.TotalLength)
}
