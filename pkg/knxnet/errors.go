package knxnet

import "errors"

// Codec errors.
var (
	ErrHeaderTooShort   = errors.New("knxnet: data too short for header")
	ErrInvalidHeader    = errors.New("knxnet: invalid header structure length")
	ErrInvalidVersion   = errors.New("knxnet: unsupported protocol version")
	ErrInvalidLength    = errors.New("knxnet: total length smaller than header")
	ErrHPAITooShort     = errors.New("knxnet: data too short for HPAI")
	ErrInvalidHPAI      = errors.New("knxnet: invalid HPAI structure")
	ErrInvalidKeyLength = errors.New("knxnet: public key must be 32 bytes")
)

// Wire format constants.
const (
	// HeaderSize is the size of the KNXnet/IP frame header in bytes.
	HeaderSize = 6

	// ProtocolVersion is the KNXnet/IP protocol version 1.0 identifier.
	ProtocolVersion = 0x10

	// HPAISize is the size of a host protocol address information block.
	HPAISize = 8

	// PublicKeySize is the size of a Curve25519 public key on the wire.
	PublicKeySize = 32

	// MACSize is the size of the message authentication code used by the
	// secure services.
	MACSize = 16
)
