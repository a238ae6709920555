// Package security holds the key and address information required for KNX
// secure process communication and management: device tool keys, group
// keys, and the senders of secure datapoints, fed from a keyring.
package security

import (
	"errors"
	"fmt"
	"sync"

	"github.com/calimero-project/calimero/pkg/knx"
)

// ErrKeyringSignature is returned for a keyring whose signature does not
// verify, due to a wrong password or a tampered keyring.
var ErrKeyringSignature = errors.New("security: keyring signature mismatch (invalid keyring or wrong password)")

// Security contains the keys and sender views of one KNX installation.
// Accessors return the live underlying maps without defensive copies;
// callers may add and remove entries. A keyring ingest mutates these same
// maps, so it must not run concurrently with reads of previously obtained
// views.
type Security struct {
	// mu serializes keyring ingests.
	mu sync.Mutex

	deviceToolKeys     map[knx.IndividualAddr][]byte
	groupKeys          map[knx.GroupAddr][]byte
	groupSenders       map[knx.GroupAddr]map[knx.IndividualAddr]bool
	sendersByInterface map[knx.IndividualAddr]map[knx.GroupAddr]map[knx.IndividualAddr]bool
	broadcastToolKeys  map[knx.SerialNumber][]byte
}

var (
	defaultOnce sync.Once
	defaultInst *Security
)

// DefaultInstallation returns the security object of the default KNX
// installation, shared process-wide.
func DefaultInstallation() *Security {
	defaultOnce.Do(func() { defaultInst = NewSecurity() })
	return defaultInst
}

// NewSecurity creates an empty security object, mainly for KNX
// installations other than the default installation.
func NewSecurity() *Security {
	return &Security{
		deviceToolKeys:     make(map[knx.IndividualAddr][]byte),
		groupKeys:          make(map[knx.GroupAddr][]byte),
		groupSenders:       make(map[knx.GroupAddr]map[knx.IndividualAddr]bool),
		sendersByInterface: make(map[knx.IndividualAddr]map[knx.GroupAddr]map[knx.IndividualAddr]bool),
		broadcastToolKeys:  make(map[knx.SerialNumber][]byte),
	}
}

// UseKeyring adds the KNX secure information of the keyring to this
// security object; keyring entries overwrite existing key data. The
// keyring has to carry a valid signature for the given password.
func (s *Security) UseKeyring(keyring Keyring, password []byte) error {
	if !keyring.VerifySignature(password) {
		return ErrKeyringSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, device := range keyring.Devices() {
		encrypted, ok := device.ToolKey()
		if !ok {
			continue
		}
		key, err := keyring.DecryptKey(encrypted, password)
		if err != nil {
			return fmt.Errorf("security: tool key of %s: %w", addr, err)
		}
		s.deviceToolKeys[addr] = key
	}

	for addr, encrypted := range keyring.Groups() {
		key, err := keyring.DecryptKey(encrypted, password)
		if err != nil {
			return fmt.Errorf("security: group key of %s: %w", addr, err)
		}
		s.groupKeys[addr] = key
	}

	// an interface never acts as sender of one of its own datapoints
	interfaceAddresses := make(map[knx.IndividualAddr]bool)
	for _, interfaces := range keyring.Interfaces() {
		for _, iface := range interfaces {
			interfaceAddresses[iface.Address()] = true
		}
	}

	for _, interfaces := range keyring.Interfaces() {
		for _, iface := range interfaces {
			for group, senders := range iface.Groups() {
				set := s.groupSenders[group]
				if set == nil {
					set = make(map[knx.IndividualAddr]bool)
					s.groupSenders[group] = set
				}
				for sender := range senders {
					if !interfaceAddresses[sender] {
						set[sender] = true
					}
				}
			}
		}
	}

	for _, interfaces := range keyring.Interfaces() {
		for _, iface := range interfaces {
			s.sendersByInterface[iface.Address()] = copySenders(iface.Groups())
		}
	}
	return nil
}

func copySenders(groups map[knx.GroupAddr]map[knx.IndividualAddr]bool) map[knx.GroupAddr]map[knx.IndividualAddr]bool {
	out := make(map[knx.GroupAddr]map[knx.IndividualAddr]bool, len(groups))
	for group, senders := range groups {
		set := make(map[knx.IndividualAddr]bool, len(senders))
		for sender := range senders {
			set[sender] = true
		}
		out[group] = set
	}
	return out
}

// DeviceToolKeys returns the live mapping of device address to tool key.
func (s *Security) DeviceToolKeys() map[knx.IndividualAddr][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceToolKeys
}

// GroupKeys returns the live mapping of group address to group key.
func (s *Security) GroupKeys() map[knx.GroupAddr][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupKeys
}

// GroupSenders returns the live mapping of secure datapoint to the
// addresses of devices acting as senders for that datapoint.
func (s *Security) GroupSenders() map[knx.GroupAddr]map[knx.IndividualAddr]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupSenders
}

// InterfaceGroupSenders returns the group addresses and group senders
// configured for a specific secure interface; the map might be empty.
func (s *Security) InterfaceGroupSenders(interfaceAddr knx.IndividualAddr) map[knx.GroupAddr]map[knx.IndividualAddr]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	senders := s.sendersByInterface[interfaceAddr]
	if senders == nil {
		senders = make(map[knx.GroupAddr]map[knx.IndividualAddr]bool)
		s.sendersByInterface[interfaceAddr] = senders
	}
	return senders
}

// BroadcastToolKeys returns the live mapping of serial number to broadcast
// tool key.
func (s *Security) BroadcastToolKeys() map[knx.SerialNumber][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastToolKeys
}
