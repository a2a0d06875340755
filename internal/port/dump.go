package port

import (
	"net/netip"
	"time"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/natpool"
	"github.com/jmpesp/opte/internal/oxide"
)

// UFTDump is a snapshot of both directions of the unified flow table.
type UFTDump struct {
	In  flowtable.TableDump `json:"uft_in"`
	Out flowtable.TableDump `json:"uft_out"`
}

// Info summarizes a port for listings.
type Info struct {
	Name       string            `json:"name"`
	MAC        core.MAC          `json:"mac"`
	IP         netip.Addr        `json:"ip"`
	Subnet     netip.Prefix      `json:"subnet"`
	PublicIP   netip.Addr        `json:"public_ip"`
	NATInUse   int               `json:"nat_in_use"`
	NATSize    int               `json:"nat_size"`
	UFTIn      int               `json:"uft_in"`
	UFTOut     int               `json:"uft_out"`
	TCPFlows   int               `json:"tcp_flows"`
	Created    time.Time         `json:"created"`
	Overlay    bool              `json:"overlay"`
	Neighbors  []oxide.Neighbor  `json:"neighbors,omitempty"`
	NATMapping []natpool.Mapping `json:"nat_mappings,omitempty"`
}

// DumpLayer snapshots the rules and flows of the named layer.
func (p *Port) DumpLayer(name string) (layer.Dump, error) {
	l, err := p.Layer(name)
	if err != nil {
		return layer.Dump{}, err
	}
	return l.Dump(), nil
}

// DumpUFT snapshots the unified flow table.
func (p *Port) DumpUFT() UFTDump {
	return UFTDump{
		In:  flowtable.DumpFlows(p.uft[core.DirIn], (*uftEntry).summary),
		Out: flowtable.DumpFlows(p.uft[core.DirOut], (*uftEntry).summary),
	}
}

// DumpTCPFlows snapshots the tracked TCP connections.
func (p *Port) DumpTCPFlows() flowtable.TableDump {
	return flowtable.DumpFlows(p.tcp, (*tcpFlow).summary)
}

// Info returns a summary of the port. detail adds neighbors and mappings.
func (p *Port) Info(detail bool) Info {
	pool := p.stack.Pool
	info := Info{
		Name:     p.cfg.Name,
		MAC:      p.cfg.PrivateMAC,
		IP:       p.cfg.PrivateIP,
		Subnet:   p.cfg.VPCSubnet,
		PublicIP: pool.PublicIP(),
		NATInUse: pool.InUse(),
		NATSize:  pool.Capacity(),
		UFTIn:    p.uft[core.DirIn].Len(),
		UFTOut:   p.uft[core.DirOut].Len(),
		TCPFlows: p.tcp.Len(),
		Created:  p.created,
		Overlay:  p.cfg.Overlay != nil,
	}
	if detail {
		info.Neighbors = p.stack.Neighbors.Entries()
		info.NATMapping = pool.Mappings()
	}
	return info
}
