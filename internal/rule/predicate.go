// Package rule implements predicates, actions and priority-ordered rule sets.
package rule

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/jmpesp/opte/internal/core"
)

// PredicateKind selects which packet field a predicate inspects.
type PredicateKind uint8

const (
	PredSrcIP PredicateKind = iota + 1
	PredDstIP
	PredProto
	PredSrcPort
	PredDstPort
	PredEtherType
	PredEtherDst
	PredArpOp
	PredArpTargetIP
	PredEncapVNI
	PredEncapPresent
)

var predicateNames = map[PredicateKind]string{
	PredSrcIP:        "inner.ip.src",
	PredDstIP:        "inner.ip.dst",
	PredProto:        "inner.ip.proto",
	PredSrcPort:      "inner.ulp.src",
	PredDstPort:      "inner.ulp.dst",
	PredEtherType:    "inner.ether.ether_type",
	PredEtherDst:     "inner.ether.dst",
	PredArpOp:        "inner.arp.op",
	PredArpTargetIP:  "inner.arp.tpa",
	PredEncapVNI:     "outer.geneve.vni",
	PredEncapPresent: "outer.geneve",
}

func (k PredicateKind) String() string {
	if n, ok := predicateNames[k]; ok {
		return n
	}
	return "pred(" + strconv.Itoa(int(k)) + ")"
}

// PortRange is an inclusive L4 port range.
type PortRange struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port uint16) bool { return port >= r.Start && port <= r.End }

func (r PortRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(int(r.Start))
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParsePortRange accepts "22" or "1000-2000".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port %q", core.ErrInvalidPredicate, s)
	}
	end := start
	if isRange {
		end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("%w: port %q", core.ErrInvalidPredicate, s)
		}
	}
	r := PortRange{Start: uint16(start), End: uint16(end)}
	if r.Start > r.End {
		return PortRange{}, fmt.Errorf("%w: port range %s has start > end", core.ErrInvalidPredicate, s)
	}
	return r, nil
}

// Predicate is one match clause. Only the slice matching Kind is consulted;
// a clause matches when any listed value matches, inverted by Not.
type Predicate struct {
	Kind       PredicateKind   `json:"kind"`
	Not        bool            `json:"not,omitempty"`
	Prefixes   []netip.Prefix  `json:"prefixes,omitempty"`
	Protos     []core.Protocol `json:"protos,omitempty"`
	Ports      []PortRange     `json:"ports,omitempty"`
	EtherTypes []uint16        `json:"ether_types,omitempty"`
	MACs       []core.MAC      `json:"macs,omitempty"`
	Values     []uint32        `json:"values,omitempty"`
}

// Constructors for the common clauses.

func SrcIPIn(prefixes ...netip.Prefix) Predicate {
	return Predicate{Kind: PredSrcIP, Prefixes: prefixes}
}

func DstIPIn(prefixes ...netip.Prefix) Predicate {
	return Predicate{Kind: PredDstIP, Prefixes: prefixes}
}

func ProtoIs(protos ...core.Protocol) Predicate {
	return Predicate{Kind: PredProto, Protos: protos}
}

func SrcPortIn(ranges ...PortRange) Predicate {
	return Predicate{Kind: PredSrcPort, Ports: ranges}
}

func DstPortIn(ranges ...PortRange) Predicate {
	return Predicate{Kind: PredDstPort, Ports: ranges}
}

func EtherTypeIs(types ...uint16) Predicate {
	return Predicate{Kind: PredEtherType, EtherTypes: types}
}

func EtherDstIs(macs ...core.MAC) Predicate {
	return Predicate{Kind: PredEtherDst, MACs: macs}
}

func ArpOpIs(ops ...uint16) Predicate {
	vals := make([]uint32, len(ops))
	for i, op := range ops {
		vals[i] = uint32(op)
	}
	return Predicate{Kind: PredArpOp, Values: vals}
}

func ArpTargetIn(prefixes ...netip.Prefix) Predicate {
	return Predicate{Kind: PredArpTargetIP, Prefixes: prefixes}
}

func VNIIs(vnis ...uint32) Predicate {
	return Predicate{Kind: PredEncapVNI, Values: vnis}
}

func Encapsulated() Predicate {
	return Predicate{Kind: PredEncapPresent}
}

// Negate returns the inverted clause.
func (p Predicate) Negate() Predicate {
	p.Not = !p.Not
	return p
}

// Validate rejects clauses that can never be evaluated meaningfully.
func (p Predicate) Validate() error {
	if _, ok := predicateNames[p.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", core.ErrInvalidPredicate, p.Kind)
	}
	empty := false
	switch p.Kind {
	case PredSrcIP, PredDstIP, PredArpTargetIP:
		empty = len(p.Prefixes) == 0
		for _, pfx := range p.Prefixes {
			if !pfx.IsValid() {
				return fmt.Errorf("%w: %s prefix %v", core.ErrInvalidPredicate, p.Kind, pfx)
			}
		}
	case PredProto:
		empty = len(p.Protos) == 0
	case PredSrcPort, PredDstPort:
		empty = len(p.Ports) == 0
		for _, r := range p.Ports {
			if r.Start > r.End {
				return fmt.Errorf("%w: %s range %d-%d", core.ErrInvalidPredicate, p.Kind, r.Start, r.End)
			}
		}
	case PredEtherType:
		empty = len(p.EtherTypes) == 0
	case PredEtherDst:
		empty = len(p.MACs) == 0
	case PredArpOp, PredEncapVNI:
		empty = len(p.Values) == 0
	}
	if empty {
		return fmt.Errorf("%w: %s has no values", core.ErrInvalidPredicate, p.Kind)
	}
	return nil
}

// Matches evaluates the clause. A packet lacking the inspected header
// (for example a port clause against ICMP) does not match.
func (p Predicate) Matches(pkt *core.Packet) bool {
	return p.match(pkt) != p.Not
}

func (p Predicate) match(pkt *core.Packet) bool {
	switch p.Kind {
	case PredSrcIP:
		return pkt.IPv4 != nil && anyPrefix(p.Prefixes, pkt.IPv4.Src)
	case PredDstIP:
		return pkt.IPv4 != nil && anyPrefix(p.Prefixes, pkt.IPv4.Dst)
	case PredProto:
		if pkt.IPv4 == nil {
			return false
		}
		for _, proto := range p.Protos {
			if proto == pkt.IPv4.Proto {
				return true
			}
		}
		return false
	case PredSrcPort:
		return pkt.IPv4 != nil && pkt.IPv4.Proto.HasPorts() && anyPort(p.Ports, pkt.L4.SrcPort)
	case PredDstPort:
		return pkt.IPv4 != nil && pkt.IPv4.Proto.HasPorts() && anyPort(p.Ports, pkt.L4.DstPort)
	case PredEtherType:
		for _, et := range p.EtherTypes {
			if et == pkt.Eth.EtherType {
				return true
			}
		}
		return false
	case PredEtherDst:
		for _, m := range p.MACs {
			if m == pkt.Eth.Dst {
				return true
			}
		}
		return false
	case PredArpOp:
		return pkt.ARP != nil && anyValue(p.Values, uint32(pkt.ARP.Op))
	case PredArpTargetIP:
		return pkt.ARP != nil && anyPrefix(p.Prefixes, pkt.ARP.TargetIP)
	case PredEncapVNI:
		return pkt.Encap != nil && anyValue(p.Values, pkt.Encap.VNI)
	case PredEncapPresent:
		return pkt.Encap != nil
	}
	return false
}

func anyPrefix(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, pfx := range prefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

func anyPort(ranges []PortRange, port uint16) bool {
	for _, r := range ranges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

func anyValue(vals []uint32, v uint32) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func (p Predicate) String() string {
	var vals []string
	switch p.Kind {
	case PredSrcIP, PredDstIP, PredArpTargetIP:
		for _, pfx := range p.Prefixes {
			if pfx.IsSingleIP() {
				vals = append(vals, pfx.Addr().String())
			} else {
				vals = append(vals, pfx.String())
			}
		}
	case PredProto:
		for _, proto := range p.Protos {
			vals = append(vals, proto.String())
		}
	case PredSrcPort, PredDstPort:
		for _, r := range p.Ports {
			vals = append(vals, r.String())
		}
	case PredEtherType:
		for _, et := range p.EtherTypes {
			vals = append(vals, fmt.Sprintf("0x%04x", et))
		}
	case PredEtherDst:
		for _, m := range p.MACs {
			vals = append(vals, m.String())
		}
	case PredArpOp, PredEncapVNI:
		for _, v := range p.Values {
			vals = append(vals, strconv.FormatUint(uint64(v), 10))
		}
	case PredEncapPresent:
		if p.Not {
			return "!" + p.Kind.String()
		}
		return p.Kind.String()
	}
	op := "="
	if p.Not {
		op = "!="
	}
	return p.Kind.String() + op + strings.Join(vals, ",")
}
