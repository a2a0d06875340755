// Package natpool allocates public endpoints for dynamic NAT.
package natpool

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/jmpesp/opte/internal/core"
)

// Endpoint is an (address, port) pair.
type Endpoint struct {
	Addr netip.Addr `json:"addr"`
	Port uint16     `json:"port"`
}

func (e Endpoint) String() string { return netip.AddrPortFrom(e.Addr, e.Port).String() }

// Mapping binds a private endpoint to a public one on behalf of a flow.
type Mapping struct {
	Private Endpoint    `json:"private"`
	Public  Endpoint    `json:"public"`
	Owner   core.FlowID `json:"owner"`
	Created time.Time   `json:"created"`
}

// Pool hands out ports from an inclusive range on one public address.
// Mappings are indexed by public port and by owning flow; both indexes
// change together under one lock, so a port is live for at most one owner.
type Pool struct {
	publicIP  netip.Addr
	publicMAC core.MAC
	start     uint16
	end       uint16

	mu      sync.Mutex
	byPort  map[uint16]Mapping
	byOwner map[core.FlowID]uint16
	cursor  uint16
}

// New creates a pool over [start, end].
func New(publicIP netip.Addr, publicMAC core.MAC, start, end uint16) (*Pool, error) {
	if !publicIP.Is4() {
		return nil, fmt.Errorf("%w: public ip %v must be ipv4", core.ErrConfigInvalid, publicIP)
	}
	if start == 0 || start > end {
		return nil, fmt.Errorf("%w: nat ports %d-%d", core.ErrInvalidRange, start, end)
	}
	return &Pool{
		publicIP:  publicIP,
		publicMAC: publicMAC,
		start:     start,
		end:       end,
		byPort:    make(map[uint16]Mapping),
		byOwner:   make(map[core.FlowID]uint16),
		cursor:    start,
	}, nil
}

// PublicIP returns the translated source address.
func (p *Pool) PublicIP() netip.Addr { return p.publicIP }

// PublicMAC returns the MAC translated traffic leaves with.
func (p *Pool) PublicMAC() core.MAC { return p.publicMAC }

// Range returns the inclusive port range.
func (p *Pool) Range() (start, end uint16) { return p.start, p.end }

// Capacity returns the number of ports in the range.
func (p *Pool) Capacity() int { return int(p.end) - int(p.start) + 1 }

// InUse returns the number of live mappings.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPort)
}

// Allocate binds a free public port to owner. Repeated calls for the same
// owner return the existing mapping.
func (p *Pool) Allocate(owner core.FlowID, private Endpoint) (Mapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byOwner[owner]; ok {
		return p.byPort[port], nil
	}
	if len(p.byPort) >= p.Capacity() {
		return Mapping{}, fmt.Errorf("%w: %s ports %d-%d", core.ErrPoolExhausted, p.publicIP, p.start, p.end)
	}

	// next-fit scan starting at the cursor; a free port exists by the check above
	port := p.cursor
	for {
		if _, used := p.byPort[port]; !used {
			break
		}
		port = p.advance(port)
	}
	p.cursor = p.advance(port)

	m := Mapping{
		Private: private,
		Public:  Endpoint{Addr: p.publicIP, Port: port},
		Owner:   owner,
		Created: time.Now(),
	}
	p.byPort[port] = m
	p.byOwner[owner] = port
	return m, nil
}

func (p *Pool) advance(port uint16) uint16 {
	if port >= p.end {
		return p.start
	}
	return port + 1
}

// Release frees the mapping holding pub.
func (p *Pool) Release(pub Endpoint) (Mapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byPort[pub.Port]
	if !ok || pub.Addr != p.publicIP {
		return Mapping{}, fmt.Errorf("%w: %s", core.ErrMappingNotFound, pub)
	}
	p.dropLocked(m)
	return m, nil
}

// ReleaseFlow frees the mapping owned by owner, if any.
func (p *Pool) ReleaseFlow(owner core.FlowID) (Mapping, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.byOwner[owner]
	if !ok {
		return Mapping{}, false
	}
	m := p.byPort[port]
	p.dropLocked(m)
	return m, true
}

func (p *Pool) dropLocked(m Mapping) {
	delete(p.byPort, m.Public.Port)
	delete(p.byOwner, m.Owner)
}

// ReleaseAll frees every mapping and returns how many were live.
func (p *Pool) ReleaseAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.byPort)
	p.byPort = make(map[uint16]Mapping)
	p.byOwner = make(map[core.FlowID]uint16)
	return n
}

// Lookup returns the mapping holding pub.
func (p *Pool) Lookup(pub Endpoint) (Mapping, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byPort[pub.Port]
	if !ok || pub.Addr != p.publicIP {
		return Mapping{}, false
	}
	return m, true
}

// Mappings lists live mappings ordered by public port.
func (p *Pool) Mappings() []Mapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Mapping, 0, len(p.byPort))
	for _, m := range p.byPort {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Public.Port < out[j].Public.Port })
	return out
}
