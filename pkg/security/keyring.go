package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"

	"github.com/calimero-project/calimero/pkg/knx"
)

// Keyring is the verified, password-protected artifact carrying the keys
// and topology of a KNX installation, as exported by the configuration
// tool. Parsing and signature handling live with the keyring
// implementation; this package only consumes its keyed entries.
type Keyring interface {
	// VerifySignature reports whether the keyring signature matches for
	// the given keyring password.
	VerifySignature(password []byte) bool

	// Devices returns the devices of the keyring by individual address.
	Devices() map[knx.IndividualAddr]Device

	// Groups returns the encrypted group keys by group address.
	Groups() map[knx.GroupAddr][]byte

	// Interfaces returns the secure interfaces by host address.
	Interfaces() map[knx.IndividualAddr][]Interface

	// DecryptKey decrypts a key-wrapped keyring entry.
	DecryptKey(encrypted, password []byte) ([]byte, error)
}

// Device is a keyring device entry.
type Device interface {
	// ToolKey returns the encrypted tool key, if the device has one.
	ToolKey() ([]byte, bool)
}

// Interface is a secure interface entry of a keyring.
type Interface interface {
	// Address returns the individual address of the interface.
	Address() knx.IndividualAddr

	// Groups returns the interface's datapoints with the addresses of the
	// devices acting as senders for each datapoint.
	Groups() map[knx.GroupAddr]map[knx.IndividualAddr]bool
}

// keyringSalt is the PBKDF2 salt of keyring password hashes.
const keyringSalt = "1.keyring.ets.knx.org"

// keyringIterations is the PBKDF2 iteration count of keyring passwords.
const keyringIterations = 65536

// ErrKeyBlock is returned for wrapped keys that are not block-aligned.
var ErrKeyBlock = errors.New("security: encrypted key not block-aligned")

// PasswordHash derives the 16-byte AES key protecting keyring entries from
// the keyring password.
func PasswordHash(password []byte) []byte {
	return pbkdf2.Key(password, []byte(keyringSalt), keyringIterations, 16, sha256.New)
}

// DecryptKey unwraps a keyring key entry with AES-128-CBC under the
// password hash; the IV derives from the keyring's creation time text.
// Keyring implementations share this code path with the tests.
func DecryptKey(encrypted, passwordHash []byte, created string) ([]byte, error) {
	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return nil, ErrKeyBlock
	}
	block, err := aes.NewCipher(passwordHash)
	if err != nil {
		return nil, err
	}
	createdHash := sha256.Sum256([]byte(created))
	iv := createdHash[:aes.BlockSize]

	out := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, encrypted)
	return out, nil
}

// EncryptKey wraps a key for storage in a keyring, the inverse of
// DecryptKey.
func EncryptKey(key, passwordHash []byte, created string) ([]byte, error) {
	if len(key) == 0 || len(key)%aes.BlockSize != 0 {
		return nil, ErrKeyBlock
	}
	block, err := aes.NewCipher(passwordHash)
	if err != nil {
		return nil, err
	}
	createdHash := sha256.Sum256([]byte(created))
	iv := createdHash[:aes.BlockSize]

	out := make([]byte, len(key))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, key)
	return out, nil
}
