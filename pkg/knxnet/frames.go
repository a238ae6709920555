package knxnet

import (
	"encoding/binary"
	"fmt"
)

// ConnHeaderSize is the size of the connection header preceding tunneling
// and device-configuration bodies.
const ConnHeaderSize = 4

// NewSessionRequest builds a SessionRequest frame carrying the client's
// control endpoint and Curve25519 public key.
func NewSessionRequest(controlEndpoint HPAI, publicKey []byte) ([]byte, error) {
	if len(publicKey) != PublicKeySize {
		return nil, ErrInvalidKeyLength
	}
	h := NewHeader(SvcSessionRequest, HPAISize+PublicKeySize)
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, controlEndpoint.Encode()...)
	buf = append(buf, publicKey...)
	return buf, nil
}

// NewSessionAuth builds a SessionAuth frame for the given user with the
// already encrypted message authentication code.
func NewSessionAuth(user uint16, mac [MACSize]byte) []byte {
	h := NewHeader(SvcSessionAuth, 2+MACSize)
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = binary.BigEndian.AppendUint16(buf, user)
	buf = append(buf, mac[:]...)
	return buf
}

// NewSessionStatus builds a plain SessionStatus frame; the caller wraps it
// into a secure wrapper before sending.
func NewSessionStatus(status uint8) []byte {
	h := NewHeader(SvcSessionStatus, 2)
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, status, 0)
	return buf
}

// ParseSessionStatus extracts the status code from a SessionStatus frame
// body. The frame total length has to be 8.
func ParseSessionStatus(h Header, body []byte) (int, error) {
	if h.Service != SvcSessionStatus {
		return 0, fmt.Errorf("knxnet: %s is not a session status", ServiceName(h.Service))
	}
	if h.TotalLength != HeaderSize+2 || len(body) < 1 {
		return 0, fmt.Errorf("%w: %d for a session status", ErrInvalidLength, h.TotalLength)
	}
	return int(body[0]), nil
}

// NewConnectRequest builds a ConnectRequest frame with the given control and
// data endpoints and connection request information block.
func NewConnectRequest(control, data HPAI, cri []byte) []byte {
	h := NewHeader(SvcConnectRequest, 2*HPAISize+len(cri))
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, control.Encode()...)
	buf = append(buf, data.Encode()...)
	buf = append(buf, cri...)
	return buf
}

// NewDisconnectRequest builds a DisconnectRequest frame for a channel.
func NewDisconnectRequest(channel uint8, control HPAI) []byte {
	h := NewHeader(SvcDisconnectRequest, 2+HPAISize)
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, channel, 0)
	buf = append(buf, control.Encode()...)
	return buf
}

// NewConnStateRequest builds a ConnectionStateRequest frame for a channel.
func NewConnStateRequest(channel uint8, control HPAI) []byte {
	h := NewHeader(SvcConnStateRequest, 2+HPAISize)
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, channel, 0)
	buf = append(buf, control.Encode()...)
	return buf
}

// NewServiceFrame builds a tunneling or device-configuration style frame:
// connection header (channel, sequence) followed by the service body.
func NewServiceFrame(service uint16, channel, seq uint8, body []byte) []byte {
	h := NewHeader(service, ConnHeaderSize+len(body))
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, ConnHeaderSize, channel, seq, 0)
	buf = append(buf, body...)
	return buf
}

// NewServiceAck builds a tunneling or device-configuration acknowledge with
// the given status in the connection header.
func NewServiceAck(service uint16, channel, seq, status uint8) []byte {
	h := NewHeader(service, ConnHeaderSize)
	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = append(buf, ConnHeaderSize, channel, seq, status)
	return buf
}
