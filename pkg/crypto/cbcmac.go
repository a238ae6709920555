package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// CBCMAC computes the AES-128 CBC-MAC over data: CBC encryption with a zero
// IV over the input zero-padded to a multiple of the block size, returning
// the last ciphertext block.
func CBCMAC(key [KeySize]byte, data []byte) [KeySize]byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on invalid key sizes, which the
		// fixed-size key rules out.
		panic(err)
	}

	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
	if n == 0 {
		n = aes.BlockSize
	}
	padded := make([]byte, n)
	copy(padded, data)

	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

	var mac [KeySize]byte
	copy(mac[:], padded[len(padded)-aes.BlockSize:])
	return mac
}
