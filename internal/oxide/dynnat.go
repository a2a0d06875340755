package oxide

import (
	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/natpool"
	"github.com/jmpesp/opte/internal/rule"
)

// NewDynNAT builds the dynamic NAT layer. Outbound TCP and UDP leaving the
// VPC subnet is translated to an endpoint from pool; return traffic is
// translated back by the paired inbound entry.
func NewDynNAT(cfg *Config, pool *natpool.Pool, limit int, obs layer.Observer) (*layer.Layer, error) {
	l, err := layer.New(layer.Config{
		Name:       LayerDynNAT,
		FlowLimit:  limit,
		DefaultIn:  rule.Allow(),
		DefaultOut: rule.Allow(),
		IPv4Only:   true,
		NAT:        pool,
		Observer:   obs,
	})
	if err != nil {
		return nil, err
	}
	err = addRules(l, []dirRule{{core.DirOut, rule.Rule{
		Priority: 10,
		Predicates: []rule.Predicate{
			rule.DstIPIn(cfg.VPCSubnet).Negate(),
			rule.ProtoIs(core.ProtoTCP, core.ProtoUDP),
		},
		Action: rule.DynNAT(),
	}}})
	if err != nil {
		return nil, err
	}
	return l, nil
}
