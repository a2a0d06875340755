// Package layer implements one directional stage of a port pipeline: a pair
// of rule sets with per-direction flow tables caching their outcome.
package layer

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/natpool"
	"github.com/jmpesp/opte/internal/rule"
)

// Verdict tells the pipeline what to do with the packet.
type Verdict uint8

const (
	// VerdictPass continues to the next layer.
	VerdictPass Verdict = iota
	// VerdictDrop discards the packet.
	VerdictDrop
	// VerdictHairpin discards the packet and sends Outcome.Reply back out the port.
	VerdictHairpin
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictDrop:
		return "drop"
	case VerdictHairpin:
		return "hairpin"
	}
	return "unknown"
}

// Neighbors resolves and learns IPv4 to MAC bindings.
type Neighbors interface {
	Resolve(ip netip.Addr) (core.MAC, bool)
	Learn(ip netip.Addr, mac core.MAC)
}

// Outcome is the result of one layer processing one packet.
type Outcome struct {
	Verdict   Verdict
	Transform core.Transform
	RuleID    uint64 // 0 when the default action applied
	Flow      core.FlowID
	IsFlow    bool
	Cached    bool
	Reply     *core.Packet
}

// Config describes a layer at construction time.
type Config struct {
	Name       string
	FlowLimit  int
	DefaultIn  rule.Action
	DefaultOut rule.Action
	// FaultIn/FaultOut are reported when the default action denies a packet.
	FaultIn  error
	FaultOut error
	// IPv4Only layers let every other frame through without consulting rules.
	IPv4Only bool

	NAT       *natpool.Pool
	Neighbors Neighbors
	Observer  Observer
}

type flowEntry struct {
	ruleID  uint64
	action  string
	xform   core.Transform
	pair    core.FlowID
	hasPair bool
	nat     bool
	// decap entries only admit packets from the VNI they were created for
	guarded bool
	vni     uint32
}

// pinned entries hold state that must not vanish under capacity pressure
func (e *flowEntry) pinned() bool { return e.hasPair || e.nat }

func (e *flowEntry) summary() string { return e.action }

func (e *flowEntry) admits(pkt *core.Packet) bool {
	return !e.guarded || (pkt.Encap != nil && pkt.Encap.VNI == e.vni)
}

type side struct {
	mu    sync.RWMutex
	rules *rule.Set
	flows *flowtable.Table[core.FlowID, *flowEntry]
	def   rule.Action
	fault error
}

// Layer owns the inbound and outbound rule sets and flow tables.
type Layer struct {
	name     string
	sides    [2]*side
	nat      *natpool.Pool
	neigh    Neighbors
	observer Observer
	ipv4Only bool
}

// New builds a layer from cfg. Both default actions must be set explicitly.
func New(cfg Config) (*Layer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: layer name is empty", core.ErrConfigInvalid)
	}
	l := &Layer{
		name:     cfg.Name,
		nat:      cfg.NAT,
		neigh:    cfg.Neighbors,
		observer: cfg.Observer,
		ipv4Only: cfg.IPv4Only,
	}
	defaults := [2]rule.Action{core.DirIn: cfg.DefaultIn, core.DirOut: cfg.DefaultOut}
	faults := [2]error{core.DirIn: cfg.FaultIn, core.DirOut: cfg.FaultOut}
	for _, dir := range core.Directions {
		def := defaults[dir]
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("layer %s %s default: %w", cfg.Name, dir, err)
		}
		if err := l.checkResources(def); err != nil {
			return nil, err
		}
		l.sides[dir] = &side{
			rules: rule.NewSet(),
			def:   def,
			fault: faults[dir],
			flows: flowtable.New[core.FlowID, *flowEntry](
				fmt.Sprintf("%s_%s", cfg.Name, dir),
				cfg.FlowLimit,
				flowtable.WithEvictable[core.FlowID, *flowEntry](func(e *flowEntry) bool { return !e.pinned() }),
				flowtable.WithOnRemove[core.FlowID, *flowEntry](l.onRemove(dir)),
			),
		}
	}
	return l, nil
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

func (l *Layer) checkResources(a rule.Action) error {
	switch {
	case a.Kind == rule.ActionDynNAT && l.nat == nil:
		return fmt.Errorf("%w: layer %s: dyn-nat action without a pool", core.ErrInvalidAction, l.name)
	case (a.Kind == rule.ActionRoute || a.Kind == rule.ActionArpLearn) && l.neigh == nil:
		return fmt.Errorf("%w: layer %s: %s action without a neighbor table", core.ErrInvalidAction, l.name, a.Kind)
	}
	return nil
}

// Process runs one packet through the layer, rewriting it in place.
func (l *Layer) Process(dir core.Direction, pkt *core.Packet) (Outcome, error) {
	if l.ipv4Only && !pkt.IsIPv4() {
		return Outcome{Verdict: VerdictPass}, nil
	}
	s := l.sides[dir]
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, isFlow := pkt.FlowID(dir)
	if isFlow {
		if e, ok := s.flows.Lookup(id); ok && e.admits(pkt) {
			if e.hasPair {
				l.sides[dir.Opposite()].flows.Refresh(e.pair, time.Now())
			}
			e.xform.Apply(pkt)
			return Outcome{
				Verdict:   VerdictPass,
				Transform: e.xform,
				RuleID:    e.ruleID,
				Flow:      id,
				IsFlow:    true,
				Cached:    true,
			}, nil
		}
	}

	act, ruleID := s.def, uint64(0)
	if r, ok := s.rules.Select(pkt); ok {
		act, ruleID = r.Action, r.ID
	}
	out := Outcome{RuleID: ruleID, Flow: id, IsFlow: isFlow}

	switch act.Kind {
	case rule.ActionDeny:
		out.Verdict = VerdictDrop
		if ruleID == 0 && s.fault != nil {
			return out, fmt.Errorf("layer %s: %w", l.name, s.fault)
		}
		return out, nil

	case rule.ActionArpReply:
		reply, ok := arpReply(pkt, act.MAC)
		if !ok {
			out.Verdict = VerdictPass
			return out, nil
		}
		out.Verdict = VerdictHairpin
		out.Reply = reply
		return out, nil

	case rule.ActionArpLearn:
		if pkt.ARP != nil && pkt.ARP.SenderIP.IsValid() && !pkt.ARP.SenderMAC.IsZero() {
			l.neigh.Learn(pkt.ARP.SenderIP, pkt.ARP.SenderMAC)
		}
		out.Verdict = VerdictPass
		return out, nil
	}

	if !isFlow {
		// non-IP frames are never cached; rewrites still apply
		if act.Kind == rule.ActionRewrite {
			act.Transform.Apply(pkt)
			out.Transform = act.Transform
		}
		out.Verdict = VerdictPass
		return out, nil
	}

	e := &flowEntry{ruleID: ruleID, action: act.String()}
	var pairXform core.Transform
	switch act.Kind {
	case rule.ActionAllow:
	case rule.ActionStatefulAllow:
		e.hasPair, e.pair = true, id.Reverse()
	case rule.ActionRewrite:
		e.xform = act.Transform
	case rule.ActionRoute:
		mac, ok := l.neigh.Resolve(pkt.IPv4.Dst)
		if !ok {
			out.Verdict = VerdictDrop
			return out, fmt.Errorf("layer %s: %w: no neighbor for %s", l.name, core.ErrUnresolvable, pkt.IPv4.Dst)
		}
		e.xform = core.Transform{DstMAC: mac}
		e.action = fmt.Sprintf("Route(%s)", mac)
	case rule.ActionDynNAT:
		if !id.Proto.HasPorts() {
			break
		}
		m, err := l.nat.Allocate(id, natpool.Endpoint{Addr: id.SrcIP, Port: id.SrcPort})
		if err != nil {
			out.Verdict = VerdictDrop
			return out, fmt.Errorf("layer %s: %w", l.name, err)
		}
		e.nat = true
		e.xform = core.Transform{SrcMAC: l.nat.PublicMAC(), SrcIP: m.Public.Addr, SrcPort: m.Public.Port}
		e.hasPair = true
		e.pair = e.xform.ApplyFlow(id).Reverse()
		e.action = fmt.Sprintf("Dynamic NAT(%s)", m.Public)
		pairXform = core.Transform{DstIP: m.Private.Addr, DstPort: m.Private.Port}
	default:
		out.Verdict = VerdictDrop
		return out, fmt.Errorf("layer %s: %w: kind %s", l.name, core.ErrInvalidAction, act.Kind)
	}

	if e.xform.Decap && pkt.Encap != nil {
		e.guarded, e.vni = true, pkt.Encap.VNI
	}
	if err := l.install(dir, id, e, pairXform); err != nil {
		out.Verdict = VerdictDrop
		return out, err
	}

	e.xform.Apply(pkt)
	out.Verdict = VerdictPass
	out.Transform = e.xform
	return out, nil
}

func (l *Layer) install(dir core.Direction, id core.FlowID, e *flowEntry, pairXform core.Transform) error {
	s := l.sides[dir]
	if err := s.flows.Insert(id, e); err != nil {
		if e.nat {
			l.nat.ReleaseFlow(id)
		}
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	l.emit(EventFlowCreated, id, e.action)

	if !e.hasPair {
		return nil
	}
	pe := &flowEntry{
		ruleID:  e.ruleID,
		action:  e.action,
		xform:   pairXform,
		pair:    id,
		hasPair: true,
	}
	other := l.sides[dir.Opposite()]
	if err := other.flows.Insert(e.pair, pe); err != nil {
		// removal releases the NAT mapping through onRemove
		s.flows.Remove(id)
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	l.emit(EventFlowCreated, e.pair, pe.action)
	return nil
}

func (l *Layer) onRemove(dir core.Direction) func(core.FlowID, *flowEntry) {
	return func(id core.FlowID, e *flowEntry) {
		if e.nat {
			if m, ok := l.nat.ReleaseFlow(id); ok {
				log.GetLogger().WithFields(map[string]interface{}{
					"layer":  l.name,
					"flow":   id.String(),
					"public": m.Public.String(),
				}).Debug("nat mapping released")
			}
		}
		if e.hasPair {
			l.sides[dir.Opposite()].flows.Remove(e.pair)
		}
		l.emit(EventFlowRemoved, id, e.action)
	}
}

func (l *Layer) emit(kind EventKind, id core.FlowID, action string) {
	if l.observer == nil {
		return
	}
	l.observer(Event{Kind: kind, Layer: l.name, Flow: id, Action: action, At: time.Now()})
}

// arpReply builds the answer to an ARP request on behalf of mac.
func arpReply(pkt *core.Packet, mac core.MAC) (*core.Packet, bool) {
	if pkt.ARP == nil || pkt.ARP.Op != core.ARPRequest {
		return nil, false
	}
	req := pkt.ARP
	return &core.Packet{
		Eth: core.EthernetHeader{
			Src:       mac,
			Dst:       req.SenderMAC,
			EtherType: core.EtherTypeARP,
		},
		ARP: &core.ARPHeader{
			Op:        core.ARPReply,
			SenderMAC: mac,
			SenderIP:  req.TargetIP,
			TargetMAC: req.SenderMAC,
			TargetIP:  req.SenderIP,
		},
	}, true
}

// AddRule inserts r into the dir rule set and invalidates that direction's
// cached flows. Paired entries in the other direction go with them.
func (l *Layer) AddRule(dir core.Direction, r rule.Rule) (uint64, error) {
	if err := l.checkResources(r.Action); err != nil {
		return 0, err
	}
	s := l.sides[dir]
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.rules.Add(r)
	if err != nil {
		return 0, fmt.Errorf("layer %s %s: %w", l.name, dir, err)
	}
	s.flows.Clear()
	return id, nil
}

// RemoveRule deletes rule id from the dir rule set and invalidates that
// direction's cached flows.
func (l *Layer) RemoveRule(dir core.Direction, id uint64) error {
	s := l.sides[dir]
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rules.Remove(id); err != nil {
		return fmt.Errorf("layer %s %s: %w", l.name, dir, err)
	}
	s.flows.Clear()
	return nil
}

// SetRules replaces every rule in dir.
func (l *Layer) SetRules(dir core.Direction, rules []rule.Rule) error {
	set := rule.NewSet()
	for _, r := range rules {
		if err := l.checkResources(r.Action); err != nil {
			return err
		}
		if _, err := set.Add(r); err != nil {
			return fmt.Errorf("layer %s %s: %w", l.name, dir, err)
		}
	}
	s := l.sides[dir]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = set
	s.flows.Clear()
	return nil
}

// RuleCount returns the number of rules in dir.
func (l *Layer) RuleCount(dir core.Direction) int {
	s := l.sides[dir]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Len()
}

// FlowCount returns the number of cached flows in dir.
func (l *Layer) FlowCount(dir core.Direction) int { return l.sides[dir].flows.Len() }

// RemoveFlow drops the cached entry for id, releasing whatever it holds.
func (l *Layer) RemoveFlow(dir core.Direction, id core.FlowID) bool {
	_, ok := l.sides[dir].flows.Remove(id)
	return ok
}

// RefreshFlow marks id, and its paired entry, as seen at t without
// changing LRU order.
func (l *Layer) RefreshFlow(dir core.Direction, id core.FlowID, at time.Time) bool {
	s := l.sides[dir]
	if !s.flows.Refresh(id, at) {
		return false
	}
	if e, ok := s.flows.Peek(id); ok && e.hasPair {
		l.sides[dir.Opposite()].flows.Refresh(e.pair, at)
	}
	return true
}

// ExpireIdle removes flows in both directions idle longer than idle.
func (l *Layer) ExpireIdle(now time.Time, idle time.Duration) int {
	n := 0
	for _, dir := range core.Directions {
		n += l.sides[dir].flows.Expire(now, idle)
	}
	return n
}

// Clear drops every cached flow in both directions.
func (l *Layer) Clear() int {
	n := 0
	for _, dir := range core.Directions {
		n += l.sides[dir].flows.Clear()
	}
	return n
}

// Dump is a snapshot of a layer's rules and flows.
type Dump struct {
	Name       string              `json:"name"`
	FlowsIn    flowtable.TableDump `json:"ft_in"`
	FlowsOut   flowtable.TableDump `json:"ft_out"`
	RulesIn    []rule.Dump         `json:"rules_in"`
	RulesOut   []rule.Dump         `json:"rules_out"`
	DefaultIn  string              `json:"default_in"`
	DefaultOut string              `json:"default_out"`
}

// Dump returns the rules and flows of both directions. Each direction is
// read under its rule lock, so its rules and flows agree.
func (l *Layer) Dump() Dump {
	d := Dump{Name: l.name}
	for _, dir := range core.Directions {
		s := l.sides[dir]
		s.mu.RLock()
		rules := s.rules.Dump()
		flows := flowtable.DumpFlows(s.flows, (*flowEntry).summary)
		def := s.def.String()
		s.mu.RUnlock()
		if dir == core.DirIn {
			d.RulesIn, d.FlowsIn, d.DefaultIn = rules, flows, def
		} else {
			d.RulesOut, d.FlowsOut, d.DefaultOut = rules, flows, def
		}
	}
	return d
}
