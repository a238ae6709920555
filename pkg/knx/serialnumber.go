package knx

import (
	"fmt"
	"net"
)

// SerialNumberSize is the size of a KNX serial number in bytes.
const SerialNumberSize = 6

// SerialNumber is the 6-byte identifier of a KNX (secure) endpoint.
// The zero value means "no serial number assigned".
type SerialNumber [SerialNumberSize]byte

// SerialNumberFromMAC derives a serial number from a NIC hardware address.
// Returns the zero serial if the address is shorter than 6 bytes.
func SerialNumberFromMAC(mac net.HardwareAddr) SerialNumber {
	var sno SerialNumber
	if len(mac) >= SerialNumberSize {
		copy(sno[:], mac[:SerialNumberSize])
	}
	return sno
}

// IsZero reports whether no serial number is assigned.
func (s SerialNumber) IsZero() bool { return s == SerialNumber{} }

// String formats the serial number as "xxxx:xxxxxxxx".
func (s SerialNumber) String() string {
	return fmt.Sprintf("%02x%02x:%02x%02x%02x%02x", s[0], s[1], s[2], s[3], s[4], s[5])
}
