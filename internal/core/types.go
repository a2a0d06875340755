// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Direction is the side of a port a packet travels on.
// Out is guest → network, In is network → guest.
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
)

// Directions lists both directions in dump order.
var Directions = [2]Direction{DirIn, DirOut}

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return "dir(" + strconv.Itoa(int(d)) + ")"
	}
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == DirIn {
		return DirOut
	}
	return DirIn
}

// ParseDirection accepts "in"/"inbound" and "out"/"outbound".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "inbound":
		return DirIn, nil
	case "out", "outbound":
		return DirOut, nil
	}
	return 0, fmt.Errorf("%w: direction %q", ErrConfigInvalid, s)
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Protocol is an IP protocol number.
type Protocol uint8

const (
	ProtoNone Protocol = 0
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoNone:
		return "NONE"
	default:
		return "PROTO(" + strconv.Itoa(int(p)) + ")"
	}
}

// HasPorts reports whether the protocol carries L4 ports.
func (p Protocol) HasPorts() bool { return p == ProtoTCP || p == ProtoUDP }

// ParseProtocol accepts protocol names (case-insensitive) or decimal numbers.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtoTCP, nil
	case "UDP":
		return ProtoUDP, nil
	case "ICMP":
		return ProtoICMP, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: protocol %q", ErrConfigInvalid, s)
	}
	return Protocol(n), nil
}

func (p Protocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MAC is a 48-bit Ethernet address, comparable so it can live in flow keys.
type MAC [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses a colon or dash separated 48-bit address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return MAC{}, fmt.Errorf("%w: mac %q", ErrConfigInvalid, s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants and tests.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// IsZero reports whether the address is unset.
func (m MAC) IsZero() bool { return m == MAC{} }

// HardwareAddr returns a freshly allocated net.HardwareAddr.
func (m MAC) HardwareAddr() net.HardwareAddr {
	hw := make(net.HardwareAddr, 6)
	copy(hw, m[:])
	return hw
}

func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// FlowID is the canonical identity of a flow as seen in one direction.
// It is a plain value and safe to use as a map key.
type FlowID struct {
	Dir     Direction  `json:"dir"`
	Proto   Protocol   `json:"proto"`
	SrcIP   netip.Addr `json:"src_ip"`
	SrcPort uint16     `json:"src_port"`
	DstIP   netip.Addr `json:"dst_ip"`
	DstPort uint16     `json:"dst_port"`
}

// Reverse returns the identity of the return traffic.
func (f FlowID) Reverse() FlowID {
	return FlowID{
		Dir:     f.Dir.Opposite(),
		Proto:   f.Proto,
		SrcIP:   f.DstIP,
		SrcPort: f.DstPort,
		DstIP:   f.SrcIP,
		DstPort: f.SrcPort,
	}
}

// IsZero reports whether the flow id carries no addresses.
func (f FlowID) IsZero() bool { return !f.SrcIP.IsValid() && !f.DstIP.IsValid() }

func (f FlowID) String() string {
	return fmt.Sprintf("%s:%s:%d:%s:%d:%s", f.Proto, f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.Dir)
}
