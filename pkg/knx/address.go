// Package knx provides the KNX address and identifier value types shared by
// the transport and security layers.
package knx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address errors.
var (
	ErrInvalidIndividualAddr = errors.New("knx: invalid individual address")
	ErrInvalidGroupAddr      = errors.New("knx: invalid group address")
)

// IndividualAddr is a KNX individual (physical) address.
// The 16 bits split into area (4), line (4), and device (8).
type IndividualAddr uint16

// NewIndividualAddr assembles an individual address from its area, line, and
// device parts. Out-of-range parts are truncated to their field width.
func NewIndividualAddr(area, line, device uint8) IndividualAddr {
	return IndividualAddr(uint16(area&0x0f)<<12 | uint16(line&0x0f)<<8 | uint16(device))
}

// ParseIndividualAddr parses the "area.line.device" text form, e.g. "1.1.5".
func ParseIndividualAddr(s string) (IndividualAddr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIndividualAddr, s)
	}
	area, err1 := strconv.ParseUint(parts[0], 10, 8)
	line, err2 := strconv.ParseUint(parts[1], 10, 8)
	device, err3 := strconv.ParseUint(parts[2], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil || area > 15 || line > 15 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIndividualAddr, s)
	}
	return NewIndividualAddr(uint8(area), uint8(line), uint8(device)), nil
}

// Area returns the 4-bit area part.
func (a IndividualAddr) Area() uint8 { return uint8(a >> 12) }

// Line returns the 4-bit line part.
func (a IndividualAddr) Line() uint8 { return uint8(a>>8) & 0x0f }

// Device returns the 8-bit device part.
func (a IndividualAddr) Device() uint8 { return uint8(a) }

// String returns the "area.line.device" text form.
func (a IndividualAddr) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}

// GroupAddr is a KNX group address in 3-level notation.
// The 16 bits split into main (5), middle (3), and sub (8).
type GroupAddr uint16

// NewGroupAddr assembles a group address from its main, middle, and sub
// parts. Out-of-range parts are truncated to their field width.
func NewGroupAddr(main, middle, sub uint8) GroupAddr {
	return GroupAddr(uint16(main&0x1f)<<11 | uint16(middle&0x07)<<8 | uint16(sub))
}

// ParseGroupAddr parses the "main/middle/sub" text form, e.g. "1/2/3".
func ParseGroupAddr(s string) (GroupAddr, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidGroupAddr, s)
	}
	main, err1 := strconv.ParseUint(parts[0], 10, 8)
	middle, err2 := strconv.ParseUint(parts[1], 10, 8)
	sub, err3 := strconv.ParseUint(parts[2], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil || main > 31 || middle > 7 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidGroupAddr, s)
	}
	return NewGroupAddr(uint8(main), uint8(middle), uint8(sub)), nil
}

// Main returns the 5-bit main group.
func (g GroupAddr) Main() uint8 { return uint8(g >> 11) }

// Middle returns the 3-bit middle group.
func (g GroupAddr) Middle() uint8 { return uint8(g>>8) & 0x07 }

// Sub returns the 8-bit sub group.
func (g GroupAddr) Sub() uint8 { return uint8(g) }

// String returns the "main/middle/sub" text form.
func (g GroupAddr) String() string {
	return fmt.Sprintf("%d/%d/%d", g.Main(), g.Middle(), g.Sub())
}
