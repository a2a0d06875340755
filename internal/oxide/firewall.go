package oxide

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/rule"
)

// Address is the host filter of a firewall rule: any, a single IP or a subnet.
type Address struct {
	Prefix netip.Prefix // invalid means any
}

// ParseAddress accepts "any", "ip=<addr>" and "subnet=<cidr>".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "any") {
		return Address{}, nil
	}
	kind, val, ok := strings.Cut(s, "=")
	if !ok {
		return Address{}, fmt.Errorf("%w: hosts %q (want any, ip=<addr> or subnet=<cidr>)", core.ErrInvalidPredicate, s)
	}
	switch strings.ToLower(kind) {
	case "ip":
		ip, err := netip.ParseAddr(val)
		if err != nil || !ip.Is4() {
			return Address{}, fmt.Errorf("%w: hosts ip %q", core.ErrInvalidPredicate, val)
		}
		return Address{Prefix: netip.PrefixFrom(ip, 32)}, nil
	case "subnet":
		p, err := netip.ParsePrefix(val)
		if err != nil || !p.Addr().Is4() {
			return Address{}, fmt.Errorf("%w: hosts subnet %q", core.ErrInvalidPredicate, val)
		}
		return Address{Prefix: p.Masked()}, nil
	}
	return Address{}, fmt.Errorf("%w: hosts %q", core.ErrInvalidPredicate, s)
}

func (a Address) IsAny() bool { return !a.Prefix.IsValid() }

func (a Address) String() string {
	switch {
	case a.IsAny():
		return "any"
	case a.Prefix.IsSingleIP():
		return "ip=" + a.Prefix.Addr().String()
	}
	return "subnet=" + a.Prefix.String()
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ProtoFilter is the protocol filter of a firewall rule. ProtoNone means any.
type ProtoFilter struct {
	Proto core.Protocol
}

// ParseProtoFilter accepts "any" or a protocol name.
func ParseProtoFilter(s string) (ProtoFilter, error) {
	if strings.EqualFold(strings.TrimSpace(s), "any") {
		return ProtoFilter{}, nil
	}
	p, err := core.ParseProtocol(s)
	if err != nil {
		return ProtoFilter{}, fmt.Errorf("%w: protocol %q", core.ErrInvalidPredicate, s)
	}
	return ProtoFilter{Proto: p}, nil
}

func (p ProtoFilter) IsAny() bool { return p.Proto == core.ProtoNone }

func (p ProtoFilter) String() string {
	if p.IsAny() {
		return "any"
	}
	return p.Proto.String()
}

func (p ProtoFilter) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *ProtoFilter) UnmarshalText(b []byte) error {
	v, err := ParseProtoFilter(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Ports is the destination port filter of a firewall rule. Empty means any.
type Ports []rule.PortRange

// ParsePorts accepts "any" or a comma separated list of ports and ranges.
func ParsePorts(s string) (Ports, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "any") || s == "" {
		return nil, nil
	}
	var out Ports
	for _, part := range strings.Split(s, ",") {
		r, err := rule.ParsePortRange(part)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p Ports) String() string {
	if len(p) == 0 {
		return "any"
	}
	parts := make([]string, len(p))
	for i, r := range p {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

func (p Ports) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Ports) UnmarshalText(b []byte) error {
	v, err := ParsePorts(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// FwAction is what a firewall rule does with matching traffic.
type FwAction uint8

const (
	FwAllow FwAction = iota + 1
	FwDeny
)

func ParseFwAction(s string) (FwAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return FwAllow, nil
	case "deny":
		return FwDeny, nil
	}
	return 0, fmt.Errorf("%w: firewall action %q (want allow or deny)", core.ErrInvalidAction, s)
}

func (a FwAction) String() string {
	switch a {
	case FwAllow:
		return "allow"
	case FwDeny:
		return "deny"
	}
	return "unknown"
}

func (a FwAction) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *FwAction) UnmarshalText(b []byte) error {
	v, err := ParseFwAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Action maps the firewall action onto the engine. Allowed flows are
// stateful so their return traffic is admitted.
func (a FwAction) Action() rule.Action {
	if a == FwAllow {
		return rule.StatefulAllow()
	}
	return rule.Deny()
}

// Filters narrow a firewall rule.
type Filters struct {
	Hosts    Address     `json:"hosts"`
	Protocol ProtoFilter `json:"protocol"`
	Ports    Ports       `json:"ports"`
}

// FirewallRule is the control-plane form of a firewall rule.
type FirewallRule struct {
	Direction core.Direction `json:"direction"`
	Filters   Filters        `json:"filters"`
	Action    FwAction       `json:"action"`
	Priority  uint16         `json:"priority"`
}

// Rule converts r into an engine rule. Hosts match the remote end: the
// destination going out and the source coming in. Ports always match the
// destination port.
func (r FirewallRule) Rule() (rule.Rule, error) {
	if r.Action != FwAllow && r.Action != FwDeny {
		return rule.Rule{}, fmt.Errorf("%w: firewall action is required", core.ErrInvalidAction)
	}
	var preds []rule.Predicate
	if !r.Filters.Hosts.IsAny() {
		if r.Direction == core.DirOut {
			preds = append(preds, rule.DstIPIn(r.Filters.Hosts.Prefix))
		} else {
			preds = append(preds, rule.SrcIPIn(r.Filters.Hosts.Prefix))
		}
	}
	if !r.Filters.Protocol.IsAny() {
		preds = append(preds, rule.ProtoIs(r.Filters.Protocol.Proto))
	}
	if len(r.Filters.Ports) > 0 {
		if !r.Filters.Protocol.IsAny() && !r.Filters.Protocol.Proto.HasPorts() {
			return rule.Rule{}, fmt.Errorf("%w: ports filter with protocol %s", core.ErrInvalidPredicate, r.Filters.Protocol)
		}
		preds = append(preds, rule.DstPortIn(r.Filters.Ports...))
	}
	out := rule.Rule{Priority: r.Priority, Predicates: preds, Action: r.Action.Action()}
	if err := out.Validate(); err != nil {
		return rule.Rule{}, err
	}
	return out, nil
}

// NewFirewall builds the firewall layer. Only rules added through the
// control plane populate it.
func NewFirewall(defIn, defOut FwAction, limit int, obs layer.Observer) (*layer.Layer, error) {
	return layer.New(layer.Config{
		Name:       LayerFirewall,
		FlowLimit:  limit,
		DefaultIn:  defIn.Action(),
		DefaultOut: defOut.Action(),
		IPv4Only:   true,
		Observer:   obs,
	})
}
