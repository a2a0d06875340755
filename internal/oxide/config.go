// Package oxide configures the generic layer engine as the Oxide VPC
// network: ARP, firewall, dynamic NAT, router and Geneve overlay.
package oxide

import (
	"fmt"
	"net/netip"

	"github.com/jmpesp/opte/internal/core"
)

// Layer names, in outbound order.
const (
	LayerARP      = "arp"
	LayerFirewall = "firewall"
	LayerDynNAT   = "dyn-nat"
	LayerRouter   = "router"
	LayerOverlay  = "overlay"
)

// LayerNames lists the layers of a port in outbound processing order.
var LayerNames = []string{LayerARP, LayerFirewall, LayerDynNAT, LayerRouter, LayerOverlay}

// DynNATConfig is the public side of dynamic NAT. The port range is inclusive.
type DynNATConfig struct {
	PublicMAC core.MAC   `json:"public_mac" yaml:"public_mac" mapstructure:"public_mac"`
	PublicIP  netip.Addr `json:"public_ip" yaml:"public_ip" mapstructure:"public_ip"`
	PortStart uint16     `json:"port_start" yaml:"port_start" mapstructure:"port_start"`
	PortEnd   uint16     `json:"port_end" yaml:"port_end" mapstructure:"port_end"`
}

// PhysNet is a destination on the physical underlay.
type PhysNet struct {
	IP  netip.Addr `json:"ip" yaml:"ip" mapstructure:"ip"`
	VNI uint32     `json:"vni" yaml:"vni" mapstructure:"vni"`
}

// OverlayConfig places the port on the Geneve underlay.
type OverlayConfig struct {
	BoundaryServices PhysNet `json:"boundary_services" yaml:"boundary_services" mapstructure:"boundary_services"`
	VNI              uint32  `json:"vni" yaml:"vni" mapstructure:"vni"`
	// PhysMACSrc/PhysMACDst stand in for the physical routing service: the
	// host NIC MAC and the physical gateway MAC.
	PhysMACSrc core.MAC   `json:"phys_mac_src" yaml:"phys_mac_src" mapstructure:"phys_mac_src"`
	PhysMACDst core.MAC   `json:"phys_mac_dst" yaml:"phys_mac_dst" mapstructure:"phys_mac_dst"`
	PhysIPSrc  netip.Addr `json:"phys_ip_src" yaml:"phys_ip_src" mapstructure:"phys_ip_src"`
}

// GeneveSrcPort is the UDP source port stamped on encapsulated traffic.
const GeneveSrcPort = 7777

// Encap returns the outer header pushed on outbound traffic.
func (o OverlayConfig) Encap() core.Encap {
	return core.Encap{
		SrcMAC:  o.PhysMACSrc,
		DstMAC:  o.PhysMACDst,
		SrcIP:   o.PhysIPSrc,
		DstIP:   o.BoundaryServices.IP,
		SrcPort: GeneveSrcPort,
		VNI:     o.BoundaryServices.VNI,
	}
}

// Config is the network configuration of one port.
type Config struct {
	VPCSubnet  netip.Prefix   `json:"vpc_subnet" yaml:"vpc_subnet" mapstructure:"vpc_subnet"`
	PrivateMAC core.MAC       `json:"private_mac" yaml:"private_mac" mapstructure:"private_mac"`
	PrivateIP  netip.Addr     `json:"private_ip" yaml:"private_ip" mapstructure:"private_ip"`
	GatewayMAC core.MAC       `json:"gw_mac" yaml:"gw_mac" mapstructure:"gw_mac"`
	GatewayIP  netip.Addr     `json:"gw_ip" yaml:"gw_ip" mapstructure:"gw_ip"`
	DynNAT     DynNATConfig   `json:"dyn_nat" yaml:"dyn_nat" mapstructure:"dyn_nat"`
	Overlay    *OverlayConfig `json:"overlay,omitempty" yaml:"overlay,omitempty" mapstructure:"overlay"`
}

const maxVNI = 1<<24 - 1

// Validate checks addressing consistency. Errors wrap core.ErrConfigInvalid
// or core.ErrInvalidRange.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}
	if !c.VPCSubnet.IsValid() || !c.VPCSubnet.Addr().Is4() {
		return invalid("vpc_subnet %v must be an ipv4 prefix", c.VPCSubnet)
	}
	c.VPCSubnet = c.VPCSubnet.Masked()
	if c.PrivateMAC.IsZero() {
		return invalid("private_mac is required")
	}
	if !c.PrivateIP.Is4() || !c.VPCSubnet.Contains(c.PrivateIP) {
		return invalid("private_ip %v must be inside %v", c.PrivateIP, c.VPCSubnet)
	}
	if c.GatewayIP.IsValid() && (!c.GatewayIP.Is4() || !c.VPCSubnet.Contains(c.GatewayIP)) {
		return invalid("gw_ip %v must be inside %v", c.GatewayIP, c.VPCSubnet)
	}
	if c.GatewayIP.IsValid() != !c.GatewayMAC.IsZero() {
		return invalid("gw_ip and gw_mac must be set together")
	}
	n := c.DynNAT
	if !n.PublicIP.Is4() {
		return invalid("dyn_nat.public_ip %v must be ipv4", n.PublicIP)
	}
	if n.PublicMAC.IsZero() {
		return invalid("dyn_nat.public_mac is required")
	}
	if n.PortStart == 0 || n.PortStart > n.PortEnd {
		return fmt.Errorf("%w: dyn_nat ports %d-%d", core.ErrInvalidRange, n.PortStart, n.PortEnd)
	}
	if o := c.Overlay; o != nil {
		if !o.PhysIPSrc.Is6() || !o.BoundaryServices.IP.Is6() {
			return invalid("overlay underlay addresses must be ipv6")
		}
		if o.VNI > maxVNI || o.BoundaryServices.VNI > maxVNI {
			return invalid("overlay vni must fit in 24 bits")
		}
		if o.PhysMACSrc.IsZero() || o.PhysMACDst.IsZero() {
			return invalid("overlay phys_mac_src and phys_mac_dst are required")
		}
	}
	return nil
}
