// Package crypto provides the cryptographic primitives of the KNX IP secure
// transport: Curve25519 key agreement, session key derivation, AES-128
// CBC-MAC authentication, and AES-128 CTR encryption keyed by the secure
// wrapper's security information block.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key sizes in bytes.
const (
	// KeySize is the AES-128 key size used throughout the protocol.
	KeySize = 16

	// PublicKeySize is the Curve25519 public key size.
	PublicKeySize = 32
)

// ErrKeyAgreement is returned when the Curve25519 agreement yields a
// low-order result.
var ErrKeyAgreement = errors.New("crypto: curve25519 key agreement failed")

// GenerateKeyPair creates a new Curve25519 key pair. The returned public key
// bytes are the RFC 7748 encoding, which is already the little-endian order
// the protocol transmits.
func GenerateKeyPair() (private, public [PublicKeySize]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return private, public, fmt.Errorf("crypto: generating private key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, public, fmt.Errorf("%w: %w", ErrKeyAgreement, err)
	}
	copy(public[:], pub)
	return private, public, nil
}

// SharedSecret computes the Curve25519 shared secret between the private key
// and the peer's public key.
func SharedSecret(private, peerPublic [PublicKeySize]byte) ([PublicKeySize]byte, error) {
	var shared [PublicKeySize]byte
	s, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %w", ErrKeyAgreement, err)
	}
	copy(shared[:], s)
	return shared, nil
}

// SessionKey derives the 16-byte session key from a shared secret as the
// first half of its SHA-256 digest.
func SessionKey(sharedSecret [PublicKeySize]byte) [KeySize]byte {
	digest := sha256.Sum256(sharedSecret[:])
	var key [KeySize]byte
	copy(key[:], digest[:KeySize])
	return key
}

// XorKeys returns the byte-wise XOR of two public keys, used as the shared
// input of the handshake MACs.
func XorKeys(a, b [PublicKeySize]byte) [PublicKeySize]byte {
	var out [PublicKeySize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
