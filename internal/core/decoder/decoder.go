// Package decoder converts between raw Ethernet frames and core.Packet views.
package decoder

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/jmpesp/opte/internal/core"
)

// Decoder parses frames with a reusable gopacket DecodingLayerParser.
// A Decoder is not safe for concurrent use; Decode (package level) pools them.
type Decoder struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	payload gopacket.Payload

	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for Ethernet-framed traffic.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.arp,
		&d.ip4,
		&d.ip6,
		&d.tcp,
		&d.udp,
		&d.icmp4,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

var pool = sync.Pool{New: func() any { return NewDecoder() }}

// Decode parses a frame using a pooled Decoder.
func Decode(frame []byte) (*core.Packet, error) {
	d := pool.Get().(*Decoder)
	defer pool.Put(d)
	return d.Decode(frame)
}

// Decode parses frame into a packet view. A Geneve frame on UDP 6081 over
// IPv6 is unwrapped: its outer headers land in Packet.Encap and the guest
// frame is decoded into the remaining fields.
func (d *Decoder) Decode(frame []byte) (*core.Packet, error) {
	if err := d.decodeLayers(frame); err != nil {
		return nil, err
	}

	if d.has(layers.LayerTypeIPv6) && d.has(layers.LayerTypeUDP) && uint16(d.udp.DstPort) == GenevePort {
		encap := core.Encap{
			SrcMAC:  macFromHW(d.eth.SrcMAC),
			DstMAC:  macFromHW(d.eth.DstMAC),
			SrcIP:   addrFromIP(d.ip6.SrcIP),
			DstIP:   addrFromIP(d.ip6.DstIP),
			SrcPort: uint16(d.udp.SrcPort),
		}
		vni, hdrLen, err := DecodeGeneve(d.udp.Payload)
		if err != nil {
			return nil, err
		}
		encap.VNI = vni
		inner := append([]byte(nil), d.udp.Payload[hdrLen:]...)
		if err := d.decodeLayers(inner); err != nil {
			return nil, err
		}
		p, err := d.packet()
		if err != nil {
			return nil, err
		}
		p.Encap = &encap
		return p, nil
	}

	return d.packet()
}

func (d *Decoder) decodeLayers(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("%w: %d bytes", core.ErrPacketTooShort, len(frame))
	}
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMalformed, err)
	}
	if !d.has(layers.LayerTypeEthernet) {
		return fmt.Errorf("%w: no ethernet header", core.ErrMalformed)
	}
	return nil
}

func (d *Decoder) has(lt gopacket.LayerType) bool {
	for _, t := range d.decoded {
		if t == lt {
			return true
		}
	}
	return false
}

// packet builds the guest view from the most recent decode pass.
func (d *Decoder) packet() (*core.Packet, error) {
	p := &core.Packet{
		Eth: core.EthernetHeader{
			Src:       macFromHW(d.eth.SrcMAC),
			Dst:       macFromHW(d.eth.DstMAC),
			EtherType: uint16(d.eth.EthernetType),
		},
	}

	switch {
	case d.has(layers.LayerTypeARP):
		if d.arp.ProtAddressSize != 4 || d.arp.HwAddressSize != 6 {
			return nil, fmt.Errorf("%w: arp for non ipv4/ethernet", core.ErrUnsupportedProto)
		}
		p.ARP = &core.ARPHeader{
			Op:        d.arp.Operation,
			SenderMAC: macFromHW(d.arp.SourceHwAddress),
			SenderIP:  addrFromIP(d.arp.SourceProtAddress),
			TargetMAC: macFromHW(d.arp.DstHwAddress),
			TargetIP:  addrFromIP(d.arp.DstProtAddress),
		}
		return p, nil

	case d.has(layers.LayerTypeIPv4):
		p.IPv4 = &core.IPv4Header{
			Src:        addrFromIP(d.ip4.SrcIP),
			Dst:        addrFromIP(d.ip4.DstIP),
			Proto:      core.Protocol(d.ip4.Protocol),
			TTL:        d.ip4.TTL,
			TOS:        d.ip4.TOS,
			ID:         d.ip4.Id,
			Flags:      uint8(d.ip4.Flags),
			FragOffset: d.ip4.FragOffset,
		}
		var body []byte
		switch {
		case d.has(layers.LayerTypeTCP):
			p.L4 = core.TransportHeader{
				SrcPort: uint16(d.tcp.SrcPort),
				DstPort: uint16(d.tcp.DstPort),
				Flags:   tcpFlags(&d.tcp),
				Seq:     d.tcp.Seq,
				Ack:     d.tcp.Ack,
				Window:  d.tcp.Window,
			}
			body = d.tcp.Payload
		case d.has(layers.LayerTypeUDP):
			p.L4 = core.TransportHeader{
				SrcPort: uint16(d.udp.SrcPort),
				DstPort: uint16(d.udp.DstPort),
			}
			body = d.udp.Payload
		case d.has(layers.LayerTypeICMPv4):
			p.ICMP = &core.ICMPHeader{
				Type: d.icmp4.TypeCode.Type(),
				Code: d.icmp4.TypeCode.Code(),
				ID:   d.icmp4.Id,
				Seq:  d.icmp4.Seq,
			}
			body = d.icmp4.Payload
		default:
			body = d.ip4.Payload
		}
		if len(body) > 0 {
			p.Payload = append([]byte(nil), body...)
		}
		return p, nil

	case d.has(layers.LayerTypeIPv6):
		return nil, fmt.Errorf("%w: ipv6 guest traffic", core.ErrUnsupportedProto)
	}

	return nil, fmt.Errorf("%w: ethertype 0x%04x", core.ErrUnsupportedProto, p.Eth.EtherType)
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	if t.FIN {
		f |= core.TCPFin
	}
	if t.SYN {
		f |= core.TCPSyn
	}
	if t.RST {
		f |= core.TCPRst
	}
	if t.PSH {
		f |= core.TCPPsh
	}
	if t.ACK {
		f |= core.TCPAck
	}
	return f
}

func macFromHW(hw net.HardwareAddr) core.MAC {
	var m core.MAC
	copy(m[:], hw)
	return m
}

func addrFromIP(ip []byte) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}
