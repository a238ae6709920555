package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/calimero-project/calimero/pkg/knx"
)

// MACCounter is the counter field value of the security information block
// used when encrypting or decrypting a message authentication code.
const MACCounter = 0xff00

// SecurityInfo builds the 16-byte block used as the AES-CTR counter:
// 6 bytes sequence number (big-endian), 6 bytes serial number, 2 bytes
// message tag, 2 bytes counter field.
func SecurityInfo(seq uint64, sno knx.SerialNumber, tag uint16, counter uint16) [16]byte {
	var info [16]byte
	PutSeq(info[:6], seq)
	copy(info[6:12], sno[:])
	binary.BigEndian.PutUint16(info[12:14], tag)
	binary.BigEndian.PutUint16(info[14:16], counter)
	return info
}

// EncryptCTR encrypts or decrypts data in place with AES-128 in CTR mode,
// using the security information block as the initial counter. CTR is its
// own inverse, so the same call decrypts.
func EncryptCTR(key [KeySize]byte, info [16]byte, data []byte) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	cipher.NewCTR(block, info[:]).XORKeyStream(data, data)
}

// PutSeq writes the low 48 bits of seq big-endian into the 6-byte buffer.
func PutSeq(buf []byte, seq uint64) {
	buf[0] = byte(seq >> 40)
	buf[1] = byte(seq >> 32)
	buf[2] = byte(seq >> 24)
	buf[3] = byte(seq >> 16)
	buf[4] = byte(seq >> 8)
	buf[5] = byte(seq)
}

// Seq reads a 48-bit big-endian sequence number from the 6-byte buffer.
func Seq(buf []byte) uint64 {
	return uint64(buf[0])<<40 | uint64(buf[1])<<32 | uint64(buf[2])<<24 |
		uint64(buf[3])<<16 | uint64(buf[4])<<8 | uint64(buf[5])
}
