package oxide

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/vishvananda/netlink"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/rule"
)

// Neighbor is one IPv4 to MAC binding.
type Neighbor struct {
	IP      netip.Addr `json:"ip"`
	MAC     core.MAC   `json:"mac"`
	Expires time.Time  `json:"expires,omitempty"` // zero for static entries
}

// NeighborTable maps IPv4 addresses to MACs. Learned entries expire after
// the table TTL; pinned entries never do.
type NeighborTable struct {
	c *cache.Cache
}

// NewNeighborTable creates a table whose learned entries live for ttl.
func NewNeighborTable(ttl time.Duration) *NeighborTable {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NeighborTable{c: cache.New(ttl, 2*ttl)}
}

func (n *NeighborTable) Resolve(ip netip.Addr) (core.MAC, bool) {
	v, ok := n.c.Get(ip.String())
	if !ok {
		return core.MAC{}, false
	}
	return v.(core.MAC), true
}

func (n *NeighborTable) Learn(ip netip.Addr, mac core.MAC) {
	n.c.Set(ip.String(), mac, cache.DefaultExpiration)
}

// Pin adds a static entry.
func (n *NeighborTable) Pin(ip netip.Addr, mac core.MAC) {
	n.c.Set(ip.String(), mac, cache.NoExpiration)
}

func (n *NeighborTable) Forget(ip netip.Addr) { n.c.Delete(ip.String()) }

func (n *NeighborTable) Len() int { return n.c.ItemCount() }

// Entries lists live bindings ordered by address.
func (n *NeighborTable) Entries() []Neighbor {
	items := n.c.Items()
	out := make([]Neighbor, 0, len(items))
	for k, it := range items {
		ip, err := netip.ParseAddr(k)
		if err != nil {
			continue
		}
		nb := Neighbor{IP: ip, MAC: it.Object.(core.MAC)}
		if it.Expiration > 0 {
			nb.Expires = time.Unix(0, it.Expiration)
		}
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// SeedFromLink copies the host's usable IPv4 neighbors on link that fall
// inside subnet. It returns the number of entries learned.
func (n *NeighborTable) SeedFromLink(link string, subnet netip.Prefix) (int, error) {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return 0, fmt.Errorf("lookup link %s: %w", link, err)
	}
	neighs, err := netlink.NeighList(l.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return 0, fmt.Errorf("list neighbors on %s: %w", link, err)
	}
	learned := 0
	for _, nh := range neighs {
		if nh.State&(netlink.NUD_REACHABLE|netlink.NUD_STALE|netlink.NUD_PERMANENT) == 0 {
			continue
		}
		ip, ok := netip.AddrFromSlice(nh.IP)
		if !ok || len(nh.HardwareAddr) != 6 {
			continue
		}
		ip = ip.Unmap()
		if !subnet.Contains(ip) {
			continue
		}
		var mac core.MAC
		copy(mac[:], nh.HardwareAddr)
		n.Learn(ip, mac)
		learned++
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"link":    link,
		"subnet":  subnet.String(),
		"learned": learned,
	}).Debug("neighbor table seeded")
	return learned, nil
}

// NewARP builds the ARP layer. Outbound requests for the gateway are
// answered in place; every inbound ARP frame teaches the neighbor table.
func NewARP(cfg *Config, nb layer.Neighbors, obs layer.Observer) (*layer.Layer, error) {
	l, err := layer.New(layer.Config{
		Name:       LayerARP,
		DefaultIn:  rule.Allow(),
		DefaultOut: rule.Allow(),
		Neighbors:  nb,
		Observer:   obs,
	})
	if err != nil {
		return nil, err
	}

	rules := []dirRule{{core.DirIn, rule.Rule{
		Priority:   10,
		Predicates: []rule.Predicate{rule.EtherTypeIs(core.EtherTypeARP)},
		Action:     rule.ArpLearn(),
	}}}
	if cfg.GatewayIP.IsValid() {
		rules = append(rules, dirRule{core.DirOut, rule.Rule{
			Priority: 10,
			Predicates: []rule.Predicate{
				rule.EtherTypeIs(core.EtherTypeARP),
				rule.ArpOpIs(core.ARPRequest),
				rule.ArpTargetIn(netip.PrefixFrom(cfg.GatewayIP, 32)),
			},
			Action: rule.ArpReply(cfg.GatewayMAC),
		}})
	}
	if err := addRules(l, rules); err != nil {
		return nil, err
	}
	return l, nil
}
