// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"strings"
)

// EtherTypes understood by the pipeline.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86DD
)

// ARP operations.
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

// TCP flag bits as carried in the header.
const (
	TCPFin uint8 = 0x01
	TCPSyn uint8 = 0x02
	TCPRst uint8 = 0x04
	TCPPsh uint8 = 0x08
	TCPAck uint8 = 0x10
)

// IPv4 flag bits, in the three-bit field's own numbering.
const (
	IPv4MoreFragments uint8 = 0x01
	IPv4DontFragment  uint8 = 0x02
)

// EthernetHeader represents the L2 header of the guest frame.
type EthernetHeader struct {
	Src       MAC
	Dst       MAC
	EtherType uint16
}

// ARPHeader is an Ethernet/IPv4 ARP message.
type ARPHeader struct {
	Op        uint16
	SenderMAC MAC
	SenderIP  netip.Addr
	TargetMAC MAC
	TargetIP  netip.Addr
}

// IPv4Header holds the fields the pipeline reads or rewrites.
type IPv4Header struct {
	Src        netip.Addr
	Dst        netip.Addr
	Proto      Protocol
	TTL        uint8
	TOS        uint8
	ID         uint16
	Flags      uint8
	FragOffset uint16
}

// TransportHeader represents the L4 header (TCP/UDP).
type TransportHeader struct {
	SrcPort uint16
	DstPort uint16
	// TCP-specific fields (zero for UDP)
	Flags  uint8
	Seq    uint32
	Ack    uint32
	Window uint16
}

// ICMPHeader carries echo identifiers for ICMPv4.
type ICMPHeader struct {
	Type uint8
	Code uint8
	ID   uint16
	Seq  uint16
}

// Encap is the outer Geneve-over-IPv6 header stack wrapping a guest frame.
type Encap struct {
	SrcMAC  MAC        `json:"src_mac"`
	DstMAC  MAC        `json:"dst_mac"`
	SrcIP   netip.Addr `json:"src_ip"`
	DstIP   netip.Addr `json:"dst_ip"`
	SrcPort uint16     `json:"src_port"`
	VNI     uint32     `json:"vni"`
}

// Packet is a parsed, mutable view of one guest frame plus its optional
// overlay encapsulation. Layers read and rewrite it in place.
type Packet struct {
	Eth     EthernetHeader
	ARP     *ARPHeader
	IPv4    *IPv4Header
	L4      TransportHeader
	ICMP    *ICMPHeader
	Payload []byte
	Encap   *Encap
}

// IsIPv4 reports whether the frame carries an IPv4 datagram.
func (p *Packet) IsIPv4() bool { return p.IPv4 != nil }

// IsTCP reports whether the frame carries a TCP segment.
func (p *Packet) IsTCP() bool { return p.IPv4 != nil && p.IPv4.Proto == ProtoTCP }

// FlowID returns the flow identity of the packet in the given direction.
// ok is false for non-IP frames, which never take part in flow caching.
func (p *Packet) FlowID(dir Direction) (FlowID, bool) {
	if p.IPv4 == nil {
		return FlowID{}, false
	}
	id := FlowID{
		Dir:   dir,
		Proto: p.IPv4.Proto,
		SrcIP: p.IPv4.Src,
		DstIP: p.IPv4.Dst,
	}
	switch {
	case p.IPv4.Proto.HasPorts():
		id.SrcPort = p.L4.SrcPort
		id.DstPort = p.L4.DstPort
	case p.IPv4.Proto == ProtoICMP && p.ICMP != nil:
		// echo id stands in for a port so concurrent pings stay distinct
		id.SrcPort = p.ICMP.ID
		id.DstPort = p.ICMP.ID
	}
	return id, true
}

// Clone returns a deep copy of the packet view.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.ARP != nil {
		a := *p.ARP
		c.ARP = &a
	}
	if p.IPv4 != nil {
		ip := *p.IPv4
		c.IPv4 = &ip
	}
	if p.ICMP != nil {
		ic := *p.ICMP
		c.ICMP = &ic
	}
	if p.Encap != nil {
		e := *p.Encap
		c.Encap = &e
	}
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	return &c
}

// Transform is a header transposition. Zero-valued fields leave the
// corresponding header untouched.
type Transform struct {
	SrcMAC  MAC        `json:"src_mac,omitempty"`
	DstMAC  MAC        `json:"dst_mac,omitempty"`
	SrcIP   netip.Addr `json:"src_ip,omitempty"`
	DstIP   netip.Addr `json:"dst_ip,omitempty"`
	SrcPort uint16     `json:"src_port,omitempty"`
	DstPort uint16     `json:"dst_port,omitempty"`
	Encap   *Encap     `json:"encap,omitempty"`
	Decap   bool       `json:"decap,omitempty"`
}

// IsIdentity reports whether applying t changes nothing.
func (t Transform) IsIdentity() bool {
	return t.SrcMAC.IsZero() && t.DstMAC.IsZero() &&
		!t.SrcIP.IsValid() && !t.DstIP.IsValid() &&
		t.SrcPort == 0 && t.DstPort == 0 &&
		t.Encap == nil && !t.Decap
}

// Apply rewrites p in place: pop the outer header, rewrite guest headers,
// then push the new outer header.
func (t Transform) Apply(p *Packet) {
	if t.Decap {
		p.Encap = nil
	}
	if !t.SrcMAC.IsZero() {
		p.Eth.Src = t.SrcMAC
	}
	if !t.DstMAC.IsZero() {
		p.Eth.Dst = t.DstMAC
	}
	if p.IPv4 != nil {
		if t.SrcIP.IsValid() {
			p.IPv4.Src = t.SrcIP
		}
		if t.DstIP.IsValid() {
			p.IPv4.Dst = t.DstIP
		}
		if p.IPv4.Proto.HasPorts() {
			if t.SrcPort != 0 {
				p.L4.SrcPort = t.SrcPort
			}
			if t.DstPort != 0 {
				p.L4.DstPort = t.DstPort
			}
		}
	}
	if t.Encap != nil {
		e := *t.Encap
		p.Encap = &e
	}
}

// ApplyFlow returns the flow id a packet with identity id carries after t.
func (t Transform) ApplyFlow(id FlowID) FlowID {
	if t.SrcIP.IsValid() {
		id.SrcIP = t.SrcIP
	}
	if t.DstIP.IsValid() {
		id.DstIP = t.DstIP
	}
	if id.Proto.HasPorts() {
		if t.SrcPort != 0 {
			id.SrcPort = t.SrcPort
		}
		if t.DstPort != 0 {
			id.DstPort = t.DstPort
		}
	}
	return id
}

// Merge folds a sequence of transforms, in application order, into one
// transform with the same effect.
func Merge(ts []Transform) Transform {
	var out Transform
	for _, t := range ts {
		if t.Decap {
			out.Decap = true
			out.Encap = nil
		}
		if !t.SrcMAC.IsZero() {
			out.SrcMAC = t.SrcMAC
		}
		if !t.DstMAC.IsZero() {
			out.DstMAC = t.DstMAC
		}
		if t.SrcIP.IsValid() {
			out.SrcIP = t.SrcIP
		}
		if t.DstIP.IsValid() {
			out.DstIP = t.DstIP
		}
		if t.SrcPort != 0 {
			out.SrcPort = t.SrcPort
		}
		if t.DstPort != 0 {
			out.DstPort = t.DstPort
		}
		if t.Encap != nil {
			e := *t.Encap
			out.Encap = &e
		}
	}
	return out
}

func (t Transform) String() string {
	if t.IsIdentity() {
		return "identity"
	}
	var parts []string
	if t.Decap {
		parts = append(parts, "decap")
	}
	if !t.SrcMAC.IsZero() {
		parts = append(parts, "ether.src="+t.SrcMAC.String())
	}
	if !t.DstMAC.IsZero() {
		parts = append(parts, "ether.dst="+t.DstMAC.String())
	}
	if t.SrcIP.IsValid() {
		parts = append(parts, "ip.src="+t.SrcIP.String())
	}
	if t.DstIP.IsValid() {
		parts = append(parts, "ip.dst="+t.DstIP.String())
	}
	if t.SrcPort != 0 {
		parts = append(parts, fmt.Sprintf("ulp.src=%d", t.SrcPort))
	}
	if t.DstPort != 0 {
		parts = append(parts, fmt.Sprintf("ulp.dst=%d", t.DstPort))
	}
	if t.Encap != nil {
		parts = append(parts, fmt.Sprintf("encap(vni=%d,dst=%s)", t.Encap.VNI, t.Encap.DstIP))
	}
	return strings.Join(parts, ",")
}
