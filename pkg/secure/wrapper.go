// Package secure implements the KNX IP secure wrapper: authenticated,
// encrypted encapsulation of KNXnet/IP frames bound to a secure session.
package secure

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/calimero-project/calimero/pkg/crypto"
	"github.com/calimero-project/calimero/pkg/knx"
	"github.com/calimero-project/calimero/pkg/knxnet"
)

// Wrapped holds the fields recovered from a secure wrapper frame.
type Wrapped struct {
	SessionID uint16
	Seq       uint64
	Serial    knx.SerialNumber
	Tag       uint16
	Plain     []byte
}

// Wrap encapsulates a plain KNXnet/IP packet into a secure wrapper frame:
// the packet and its CBC-MAC are encrypted with AES-CTR under the session
// key, keyed by the session's sequence number, serial number, and tag.
func Wrap(plain []byte, sessionID uint16, seq uint64, sno knx.SerialNumber, tag uint16, key [crypto.KeySize]byte) []byte {
	h := knxnet.NewHeader(knxnet.SvcSecureWrapper, sessionInfoSize+len(plain)+knxnet.MACSize)
	msgLen := knxnet.HeaderSize + len(plain)

	buf := make([]byte, 0, h.TotalLength)
	buf = append(buf, h.Encode()...)
	buf = binary.BigEndian.AppendUint16(buf, sessionID)
	var seqBytes [6]byte
	crypto.PutSeq(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, sno[:]...)
	buf = binary.BigEndian.AppendUint16(buf, tag)

	mac := wrapperMAC(key, buf[:knxnet.HeaderSize+2], plain)

	ciphertext := make([]byte, len(plain))
	copy(ciphertext, plain)
	crypto.EncryptCTR(key, crypto.SecurityInfo(seq, sno, tag, uint16(msgLen)), ciphertext)
	crypto.EncryptCTR(key, crypto.SecurityInfo(seq, sno, tag, crypto.MACCounter), mac[:])

	buf = append(buf, ciphertext...)
	buf = append(buf, mac[:]...)
	return buf
}

// Unwrap authenticates and decrypts a secure wrapper frame given as header
// and body. It returns ErrAuthFailed when the MAC does not verify.
func Unwrap(h knxnet.Header, body []byte, key [crypto.KeySize]byte) (Wrapped, error) {
	if h.Service != knxnet.SvcSecureWrapper || !h.IsSecure() {
		return Wrapped{}, fmt.Errorf("%w: %s", ErrNotWrapper, h)
	}
	if h.TotalLength < MinWrapperSize {
		return Wrapped{}, fmt.Errorf("%w: %d", ErrWrapperTooShort, h.TotalLength)
	}
	if len(body) != h.BodyLength() {
		return Wrapped{}, fmt.Errorf("%w: body %d, header %d", ErrWrapperLength, len(body), h.BodyLength())
	}

	w := Wrapped{
		SessionID: binary.BigEndian.Uint16(body[0:2]),
		Seq:       crypto.Seq(body[2:8]),
		Tag:       binary.BigEndian.Uint16(body[14:16]),
	}
	copy(w.Serial[:], body[8:14])

	ciphertext := body[sessionInfoSize : len(body)-knxnet.MACSize]
	msgLen := knxnet.HeaderSize + len(ciphertext)

	var mac [crypto.KeySize]byte
	copy(mac[:], body[len(body)-knxnet.MACSize:])
	crypto.EncryptCTR(key, crypto.SecurityInfo(w.Seq, w.Serial, w.Tag, crypto.MACCounter), mac[:])

	plain := make([]byte, len(ciphertext))
	copy(plain, ciphertext)
	crypto.EncryptCTR(key, crypto.SecurityInfo(w.Seq, w.Serial, w.Tag, uint16(msgLen)), plain)

	verify := wrapperMAC(key, assocHeader(h, w.SessionID), plain)
	if subtle.ConstantTimeCompare(mac[:], verify[:]) != 1 {
		return Wrapped{}, fmt.Errorf("%w: secure wrapper MAC mismatch", ErrAuthFailed)
	}

	w.Plain = plain
	return w, nil
}

// UnwrapFrame is Unwrap for a complete frame including the header bytes.
func UnwrapFrame(frame []byte, key [crypto.KeySize]byte) (Wrapped, error) {
	h, err := knxnet.ParseHeader(frame)
	if err != nil {
		return Wrapped{}, err
	}
	if h.TotalLength > len(frame) {
		return Wrapped{}, fmt.Errorf("%w: frame %d, header %d", ErrWrapperLength, len(frame), h.TotalLength)
	}
	return Unwrap(h, frame[knxnet.HeaderSize:h.TotalLength], key)
}

// wrapperMAC computes the plain CBC-MAC over the wrapper's associated data
// (header and session id) followed by the plain packet, with the block of
// zeroes and the encapsulated message length prepended.
func wrapperMAC(key [crypto.KeySize]byte, assoc, plain []byte) [crypto.KeySize]byte {
	msgLen := knxnet.HeaderSize + len(plain)
	in := make([]byte, 0, crypto.KeySize+2+len(assoc)+len(plain))
	in = append(in, make([]byte, crypto.KeySize)...)
	in = binary.BigEndian.AppendUint16(in, uint16(msgLen))
	in = append(in, assoc...)
	in = append(in, plain...)
	return crypto.CBCMAC(key, in)
}

// assocHeader rebuilds the associated data of a wrapper frame: the encoded
// header followed by the session id.
func assocHeader(h knxnet.Header, sessionID uint16) []byte {
	assoc := make([]byte, 0, knxnet.HeaderSize+2)
	assoc = append(assoc, h.Encode()...)
	assoc = binary.BigEndian.AppendUint16(assoc, sessionID)
	return assoc
}
