package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/calimero-project/calimero/pkg/knx"
)

// RFC 7748 Section 6.1 test vectors.
var (
	alicePrivate = mustHex("77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a")
	alicePublic  = mustHex("8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a")
	bobPrivate   = mustHex("5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb")
	bobPublic    = mustHex("de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f")
	sharedKAT    = mustHex("4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestSharedSecretVectors(t *testing.T) {
	var private, public [PublicKeySize]byte
	copy(private[:], alicePrivate)
	copy(public[:], bobPublic)
	shared, err := SharedSecret(private, public)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	if !bytes.Equal(shared[:], sharedKAT) {
		t.Errorf("SharedSecret() = %x, want %x", shared, sharedKAT)
	}

	// the agreement is symmetric
	copy(private[:], bobPrivate)
	copy(public[:], alicePublic)
	shared2, err := SharedSecret(private, public)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	if shared != shared2 {
		t.Error("shared secrets of both sides differ")
	}
}

func TestGenerateKeyPairAgreement(t *testing.T) {
	aPriv, aPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	bPriv, bPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	if aPub == bPub {
		t.Fatal("two generated key pairs share the public key")
	}

	s1, err := SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	s2, err := SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("SharedSecret() error: %v", err)
	}
	if s1 != s2 {
		t.Error("shared secrets of both sides differ")
	}
	if SessionKey(s1) != SessionKey(s2) {
		t.Error("session keys of both sides differ")
	}
}

func TestSessionKeyDerivation(t *testing.T) {
	var shared [PublicKeySize]byte
	copy(shared[:], sharedKAT)
	key := SessionKey(shared)

	digest := sha256.Sum256(sharedKAT)
	if !bytes.Equal(key[:], digest[:KeySize]) {
		t.Errorf("SessionKey() = %x, want first %d bytes of %x", key, KeySize, digest)
	}
}

func TestXorKeys(t *testing.T) {
	var a, b [PublicKeySize]byte
	for i := range a {
		a[i] = byte(i)
		b[i] = 0xff
	}
	x := XorKeys(a, b)
	for i := range x {
		if x[i] != byte(i)^0xff {
			t.Fatalf("XorKeys()[%d] = 0x%02x", i, x[i])
		}
	}
	if XorKeys(a, a) != ([PublicKeySize]byte{}) {
		t.Error("XorKeys(a, a) != zero")
	}
}

func TestCBCMAC(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}

	// padding to the block size must not change the MAC
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	padded := make([]byte, 16)
	copy(padded, data)
	if CBCMAC(key, data) != CBCMAC(key, padded) {
		t.Error("zero padding changes the MAC")
	}

	// any data change must change the MAC
	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0x01
	if CBCMAC(key, data) == CBCMAC(key, tampered) {
		t.Error("MAC unchanged for tampered data")
	}

	// multi-block input uses the last block
	long := make([]byte, 40)
	for i := range long {
		long[i] = byte(i)
	}
	if CBCMAC(key, long) == CBCMAC(key, long[:16]) {
		t.Error("MAC ignores trailing blocks")
	}
}

func TestEncryptCTRRoundtrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], mustHex("000102030405060708090a0b0c0d0e0f"))
	sno := knx.SerialNumber{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	info := SecurityInfo(17, sno, 0, 24)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	data := append([]byte(nil), plain...)

	EncryptCTR(key, info, data)
	if bytes.Equal(data, plain) {
		t.Fatal("EncryptCTR() left data unchanged")
	}
	EncryptCTR(key, info, data)
	if !bytes.Equal(data, plain) {
		t.Error("CTR encrypt twice is not the identity")
	}
}

func TestSecurityInfoLayout(t *testing.T) {
	sno := knx.SerialNumber{1, 2, 3, 4, 5, 6}
	info := SecurityInfo(0x0000deadbeef, sno, 0x1234, MACCounter)
	want := []byte{
		0x00, 0x00, 0xde, 0xad, 0xbe, 0xef, // sequence
		1, 2, 3, 4, 5, 6, // serial number
		0x12, 0x34, // tag
		0xff, 0x00, // counter
	}
	if !bytes.Equal(info[:], want) {
		t.Errorf("SecurityInfo() = % x, want % x", info, want)
	}
}

func TestSeqRoundtrip(t *testing.T) {
	for _, seq := range []uint64{0, 1, 0xffff, 0x0000ffffffffffff} {
		var buf [6]byte
		PutSeq(buf[:], seq)
		if got := Seq(buf[:]); got != seq {
			t.Errorf("Seq(PutSeq(%d)) = %d", seq, got)
		}
	}
}
