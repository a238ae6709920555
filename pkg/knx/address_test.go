package knx

import (
	"net"
	"testing"
)

func TestIndividualAddrRoundtrip(t *testing.T) {
	tests := []struct {
		text string
		addr IndividualAddr
	}{
		{"0.0.0", 0x0000},
		{"1.1.5", 0x1105},
		{"15.15.255", 0xffff},
		{"2.3.16", 0x2310},
	}
	for _, tt := range tests {
		addr, err := ParseIndividualAddr(tt.text)
		if err != nil {
			t.Fatalf("ParseIndividualAddr(%q) error: %v", tt.text, err)
		}
		if addr != tt.addr {
			t.Errorf("ParseIndividualAddr(%q) = 0x%04x, want 0x%04x", tt.text, uint16(addr), uint16(tt.addr))
		}
		if got := addr.String(); got != tt.text {
			t.Errorf("String() = %q, want %q", got, tt.text)
		}
	}
}

func TestParseIndividualAddrInvalid(t *testing.T) {
	for _, text := range []string{"", "1.1", "1.1.5.7", "16.0.0", "1.16.0", "a.b.c", "1/1/5"} {
		if _, err := ParseIndividualAddr(text); err == nil {
			t.Errorf("ParseIndividualAddr(%q) expected error", text)
		}
	}
}

func TestGroupAddrRoundtrip(t *testing.T) {
	tests := []struct {
		text string
		addr GroupAddr
	}{
		{"0/0/0", 0x0000},
		{"1/2/3", 0x0a03},
		{"31/7/255", 0xffff},
	}
	for _, tt := range tests {
		addr, err := ParseGroupAddr(tt.text)
		if err != nil {
			t.Fatalf("ParseGroupAddr(%q) error: %v", tt.text, err)
		}
		if addr != tt.addr {
			t.Errorf("ParseGroupAddr(%q) = 0x%04x, want 0x%04x", tt.text, uint16(addr), uint16(tt.addr))
		}
		if got := addr.String(); got != tt.text {
			t.Errorf("String() = %q, want %q", got, tt.text)
		}
	}
}

func TestParseGroupAddrInvalid(t *testing.T) {
	for _, text := range []string{"", "1/2", "32/0/0", "0/8/0", "1.2.3"} {
		if _, err := ParseGroupAddr(text); err == nil {
			t.Errorf("ParseGroupAddr(%q) expected error", text)
		}
	}
}

func TestSerialNumberFromMAC(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	sno := SerialNumberFromMAC(mac)
	if sno != (SerialNumber{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}) {
		t.Errorf("SerialNumberFromMAC() = %v", sno)
	}
	if sno.IsZero() {
		t.Error("IsZero() = true for non-zero serial")
	}
	if got, want := sno.String(), "0001:02030405"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if sno := SerialNumberFromMAC(net.HardwareAddr{0x00, 0x01}); !sno.IsZero() {
		t.Errorf("SerialNumberFromMAC(short) = %v, want zero", sno)
	}
}
