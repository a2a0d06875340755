package oxide

import (
	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/rule"
)

// NewRouter builds the router layer.
//
// Outbound, destinations inside the VPC subnet are delivered directly to the
// neighbor MAC and everything else goes to the gateway. Without a neighbor
// entry or a gateway the packet is dropped with core.ErrUnresolvable.
// Inbound, traffic from outside the subnet is made to look like it came from
// the gateway.
func NewRouter(cfg *Config, nb layer.Neighbors, limit int, obs layer.Observer) (*layer.Layer, error) {
	l, err := layer.New(layer.Config{
		Name:       LayerRouter,
		FlowLimit:  limit,
		DefaultIn:  rule.Allow(),
		DefaultOut: rule.Deny(),
		FaultOut:   core.ErrUnresolvable,
		IPv4Only:   true,
		Neighbors:  nb,
		Observer:   obs,
	})
	if err != nil {
		return nil, err
	}

	rules := []dirRule{{core.DirOut, rule.Rule{
		Priority:   10,
		Predicates: []rule.Predicate{rule.DstIPIn(cfg.VPCSubnet)},
		Action:     rule.Route(),
	}}}
	if !cfg.GatewayMAC.IsZero() {
		rules = append(rules,
			dirRule{core.DirOut, rule.Rule{
				Priority: 100,
				Action:   rule.Rewrite(core.Transform{DstMAC: cfg.GatewayMAC}),
			}},
			dirRule{core.DirIn, rule.Rule{
				Priority:   10,
				Predicates: []rule.Predicate{rule.SrcIPIn(cfg.VPCSubnet).Negate()},
				Action:     rule.Rewrite(core.Transform{SrcMAC: cfg.GatewayMAC, DstMAC: cfg.PrivateMAC}),
			}},
		)
	}
	if err := addRules(l, rules); err != nil {
		return nil, err
	}
	return l, nil
}
