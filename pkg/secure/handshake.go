package secure

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/calimero-project/calimero/pkg/crypto"
	"github.com/calimero-project/calimero/pkg/knx"
)

// HandshakeMAC computes the message authentication code transmitted during
// session setup: the CBC-MAC over a block of zeroes, the 2-byte length of
// the associated data, and the associated data itself, encrypted with
// AES-CTR using the zero security information block and the MAC counter.
//
// For a session response the associated data is the response header, the
// session id, and the XOR of the two public keys; for a session auth it is
// the auth header, the user id, and the same XOR.
func HandshakeMAC(key [crypto.KeySize]byte, assoc []byte) [crypto.KeySize]byte {
	in := make([]byte, 0, crypto.KeySize+2+len(assoc))
	in = append(in, make([]byte, crypto.KeySize)...)
	in = binary.BigEndian.AppendUint16(in, uint16(len(assoc)))
	in = append(in, assoc...)

	mac := crypto.CBCMAC(key, in)
	crypto.EncryptCTR(key, crypto.SecurityInfo(0, knx.SerialNumber{}, 0, crypto.MACCounter), mac[:])
	return mac
}

// VerifyHandshakeMAC reports whether the received encrypted MAC matches the
// associated data under the given key. The comparison is constant time.
func VerifyHandshakeMAC(key [crypto.KeySize]byte, assoc []byte, received [crypto.KeySize]byte) bool {
	expected := HandshakeMAC(key, assoc)
	return subtle.ConstantTimeCompare(expected[:], received[:]) == 1
}
