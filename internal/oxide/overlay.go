package oxide

import (
	"fmt"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/core/decoder"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/rule"
)

// Encapsulate wraps a guest frame for the underlay described by cfg.
func Encapsulate(inner []byte, cfg OverlayConfig) ([]byte, error) {
	return decoder.Wrap(inner, cfg.Encap())
}

// Decapsulate strips the underlay headers from outer after checking that it
// belongs to vni. The returned frame is byte-identical to what was wrapped.
func Decapsulate(outer []byte, vni uint32) ([]byte, error) {
	e, inner, err := decoder.Unwrap(outer)
	if err != nil {
		return nil, err
	}
	if e.VNI != vni {
		return nil, fmt.Errorf("%w: got %d, want %d", core.ErrVNIMismatch, e.VNI, vni)
	}
	return inner, nil
}

// NewOverlay builds the overlay layer. Without cfg it is a pass-through.
//
// Outbound IPv4 is encapsulated toward boundary services. Inbound traffic
// must arrive on the port's VNI and is decapsulated; bare ARP is let
// through and anything else is dropped with core.ErrVNIMismatch.
func NewOverlay(cfg *OverlayConfig, limit int, obs layer.Observer) (*layer.Layer, error) {
	if cfg == nil {
		return layer.New(layer.Config{
			Name:       LayerOverlay,
			FlowLimit:  limit,
			DefaultIn:  rule.Allow(),
			DefaultOut: rule.Allow(),
			Observer:   obs,
		})
	}

	l, err := layer.New(layer.Config{
		Name:       LayerOverlay,
		FlowLimit:  limit,
		DefaultIn:  rule.Deny(),
		DefaultOut: rule.Allow(),
		FaultIn:    core.ErrVNIMismatch,
		Observer:   obs,
	})
	if err != nil {
		return nil, err
	}
	encap := cfg.Encap()
	err = addRules(l, []dirRule{
		{core.DirOut, rule.Rule{
			Priority:   10,
			Predicates: []rule.Predicate{rule.EtherTypeIs(core.EtherTypeIPv4)},
			Action:     rule.Rewrite(core.Transform{Encap: &encap}),
		}},
		{core.DirIn, rule.Rule{
			Priority:   10,
			Predicates: []rule.Predicate{rule.VNIIs(cfg.VNI)},
			Action:     rule.Rewrite(core.Transform{Decap: true}),
		}},
		{core.DirIn, rule.Rule{
			Priority: 20,
			Predicates: []rule.Predicate{
				rule.Encapsulated().Negate(),
				rule.EtherTypeIs(core.EtherTypeARP),
			},
			Action: rule.Allow(),
		}},
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
