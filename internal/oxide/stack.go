package oxide

import (
	"fmt"
	"time"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/natpool"
	"github.com/jmpesp/opte/internal/rule"
)

type dirRule struct {
	dir  core.Direction
	rule rule.Rule
}

func addRules(l *layer.Layer, rules []dirRule) error {
	for _, r := range rules {
		if _, err := l.AddRule(r.dir, r.rule); err != nil {
			return fmt.Errorf("layer %s: %w", l.Name(), err)
		}
	}
	return nil
}

// Options are the engine-wide knobs applied to every port's layers.
type Options struct {
	FlowLimit          int
	ARPTTL             time.Duration
	ARPSeedLink        string // empty disables seeding
	FirewallDefaultIn  FwAction
	FirewallDefaultOut FwAction
	Observer           layer.Observer
}

// DefaultOptions deny everything the firewall has no rule for.
func DefaultOptions() Options {
	return Options{
		FlowLimit:          8096,
		ARPTTL:             5 * time.Minute,
		FirewallDefaultIn:  FwDeny,
		FirewallDefaultOut: FwDeny,
	}
}

// Stack is the set of layers built for one port.
type Stack struct {
	// Layers in outbound order.
	Layers    []*layer.Layer
	Firewall  *layer.Layer
	Pool      *natpool.Pool
	Neighbors *NeighborTable
}

// Build validates cfg and instantiates the port's layers.
func Build(cfg *Config, opts Options) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.FirewallDefaultIn == 0 {
		opts.FirewallDefaultIn = FwDeny
	}
	if opts.FirewallDefaultOut == 0 {
		opts.FirewallDefaultOut = FwDeny
	}

	pool, err := natpool.New(cfg.DynNAT.PublicIP, cfg.DynNAT.PublicMAC, cfg.DynNAT.PortStart, cfg.DynNAT.PortEnd)
	if err != nil {
		return nil, err
	}

	nb := NewNeighborTable(opts.ARPTTL)
	if cfg.GatewayIP.IsValid() {
		nb.Pin(cfg.GatewayIP, cfg.GatewayMAC)
	}
	if opts.ARPSeedLink != "" {
		if _, err := nb.SeedFromLink(opts.ARPSeedLink, cfg.VPCSubnet); err != nil {
			// the port still works, it just learns neighbors from traffic
			log.GetLogger().WithError(err).WithField("link", opts.ARPSeedLink).Warn("neighbor seeding failed")
		}
	}

	arp, err := NewARP(cfg, nb, opts.Observer)
	if err != nil {
		return nil, err
	}
	fw, err := NewFirewall(opts.FirewallDefaultIn, opts.FirewallDefaultOut, opts.FlowLimit, opts.Observer)
	if err != nil {
		return nil, err
	}
	nat, err := NewDynNAT(cfg, pool, opts.FlowLimit, opts.Observer)
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(cfg, nb, opts.FlowLimit, opts.Observer)
	if err != nil {
		return nil, err
	}
	overlay, err := NewOverlay(cfg.Overlay, opts.FlowLimit, opts.Observer)
	if err != nil {
		return nil, err
	}

	return &Stack{
		Layers:    []*layer.Layer{arp, fw, nat, router, overlay},
		Firewall:  fw,
		Pool:      pool,
		Neighbors: nb,
	}, nil
}
