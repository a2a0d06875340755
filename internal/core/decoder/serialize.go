package decoder

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/jmpesp/opte/internal/core"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// Serialize renders a packet view back into a frame. When the view carries
// an Encap the guest frame is wrapped in Ethernet/IPv6/UDP/Geneve.
func Serialize(p *core.Packet) ([]byte, error) {
	inner, err := serializeGuest(p)
	if err != nil {
		return nil, err
	}
	if p.Encap == nil {
		return inner, nil
	}
	return Wrap(inner, *p.Encap)
}

func serializeGuest(p *core.Packet) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       p.Eth.Src.HardwareAddr(),
		DstMAC:       p.Eth.Dst.HardwareAddr(),
		EthernetType: layers.EthernetType(p.Eth.EtherType),
	}
	stack := []gopacket.SerializableLayer{eth}

	switch {
	case p.ARP != nil:
		eth.EthernetType = layers.EthernetTypeARP
		sip, tip := p.ARP.SenderIP.As4(), p.ARP.TargetIP.As4()
		stack = append(stack, &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         p.ARP.Op,
			SourceHwAddress:   p.ARP.SenderMAC.HardwareAddr(),
			SourceProtAddress: sip[:],
			DstHwAddress:      p.ARP.TargetMAC.HardwareAddr(),
			DstProtAddress:    tip[:],
		})

	case p.IPv4 != nil:
		eth.EthernetType = layers.EthernetTypeIPv4
		if !p.IPv4.Src.Is4() || !p.IPv4.Dst.Is4() {
			return nil, fmt.Errorf("%w: ipv4 header with non-v4 address", core.ErrMalformed)
		}
		src, dst := p.IPv4.Src.As4(), p.IPv4.Dst.As4()
		ip := &layers.IPv4{
			Version:    4,
			TOS:        p.IPv4.TOS,
			Id:         p.IPv4.ID,
			Flags:      layers.IPv4Flag(p.IPv4.Flags),
			FragOffset: p.IPv4.FragOffset,
			TTL:        p.IPv4.TTL,
			Protocol:   layers.IPProtocol(p.IPv4.Proto),
			SrcIP:      src[:],
			DstIP:      dst[:],
		}
		stack = append(stack, ip)
		switch p.IPv4.Proto {
		case core.ProtoTCP:
			tcp := &layers.TCP{
				SrcPort:    layers.TCPPort(p.L4.SrcPort),
				DstPort:    layers.TCPPort(p.L4.DstPort),
				Seq:        p.L4.Seq,
				Ack:        p.L4.Ack,
				Window:     p.L4.Window,
				DataOffset: 5,
				FIN:        p.L4.Flags&core.TCPFin != 0,
				SYN:        p.L4.Flags&core.TCPSyn != 0,
				RST:        p.L4.Flags&core.TCPRst != 0,
				PSH:        p.L4.Flags&core.TCPPsh != 0,
				ACK:        p.L4.Flags&core.TCPAck != 0,
			}
			if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
				return nil, err
			}
			stack = append(stack, tcp)
		case core.ProtoUDP:
			udp := &layers.UDP{
				SrcPort: layers.UDPPort(p.L4.SrcPort),
				DstPort: layers.UDPPort(p.L4.DstPort),
			}
			if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
				return nil, err
			}
			stack = append(stack, udp)
		case core.ProtoICMP:
			if p.ICMP != nil {
				stack = append(stack, &layers.ICMPv4{
					TypeCode: layers.CreateICMPv4TypeCode(p.ICMP.Type, p.ICMP.Code),
					Id:       p.ICMP.ID,
					Seq:      p.ICMP.Seq,
				})
			}
		}
		stack = append(stack, gopacket.Payload(p.Payload))

	default:
		return nil, fmt.Errorf("%w: ethertype 0x%04x", core.ErrUnsupportedProto, p.Eth.EtherType)
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, stack...); err != nil {
		return nil, fmt.Errorf("serialize guest frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Wrap encapsulates a guest frame in Ethernet/IPv6/UDP/Geneve using e.
func Wrap(inner []byte, e core.Encap) ([]byte, error) {
	if !e.SrcIP.Is6() || !e.DstIP.Is6() {
		return nil, fmt.Errorf("%w: underlay addresses must be ipv6", core.ErrConfigInvalid)
	}
	gnv, err := EncodeGeneve(e.VNI)
	if err != nil {
		return nil, err
	}
	src, dst := e.SrcIP.As16(), e.DstIP.As16()
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      src[:],
		DstIP:      dst[:],
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(e.SrcPort),
		DstPort: layers.UDPPort(GenevePort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buf, serializeOpts,
		&layers.Ethernet{
			SrcMAC:       e.SrcMAC.HardwareAddr(),
			DstMAC:       e.DstMAC.HardwareAddr(),
			EthernetType: layers.EthernetTypeIPv6,
		},
		ip6,
		udp,
		gopacket.Payload(append(gnv, inner...)),
	)
	if err != nil {
		return nil, fmt.Errorf("serialize geneve frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Unwrap strips the outer Ethernet/IPv6/UDP/Geneve headers and returns them
// together with an unmodified copy of the guest frame.
func Unwrap(frame []byte) (core.Encap, []byte, error) {
	d := pool.Get().(*Decoder)
	defer pool.Put(d)

	if err := d.decodeLayers(frame); err != nil {
		return core.Encap{}, nil, err
	}
	if !d.has(layers.LayerTypeIPv6) || !d.has(layers.LayerTypeUDP) || uint16(d.udp.DstPort) != GenevePort {
		return core.Encap{}, nil, fmt.Errorf("%w: not a geneve frame", core.ErrMalformed)
	}
	vni, hdrLen, err := DecodeGeneve(d.udp.Payload)
	if err != nil {
		return core.Encap{}, nil, err
	}
	e := core.Encap{
		SrcMAC:  macFromHW(d.eth.SrcMAC),
		DstMAC:  macFromHW(d.eth.DstMAC),
		SrcIP:   addrFromIP(d.ip6.SrcIP),
		DstIP:   addrFromIP(d.ip6.DstIP),
		SrcPort: uint16(d.udp.SrcPort),
		VNI:     vni,
	}
	return e, append([]byte(nil), d.udp.Payload[hdrLen:]...), nil
}
