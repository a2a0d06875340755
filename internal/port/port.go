// Package port runs packets through a virtual port: the layer pipeline
// behind a unified flow table (UFT) of composed transforms.
package port

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/core/decoder"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/metrics"
	"github.com/jmpesp/opte/internal/natpool"
	"github.com/jmpesp/opte/internal/oxide"
)

// LayerUFT names the unified flow table in flow events.
const LayerUFT = "uft"

// DefaultTCPLinger is how long a closed TCP flow keeps absorbing trailing
// segments with the transform it had when it closed.
const DefaultTCPLinger = 30 * time.Second

// Options are the engine knobs applied when a port is built.
type Options struct {
	oxide.Options
	UFTLimit  int
	TCPLinger time.Duration
}

// DefaultOptions mirrors the engine defaults of the daemon config.
func DefaultOptions() Options {
	return Options{
		Options:   oxide.DefaultOptions(),
		UFTLimit:  flowtable.DefaultLimit,
		TCPLinger: DefaultTCPLinger,
	}
}

// Result is what the pipeline decided for one packet.
type Result struct {
	Verdict   layer.Verdict
	Cached    bool   // served from the UFT
	Layer     string // layer that dropped or hairpinned the packet
	Transform core.Transform
	Reply     *core.Packet
}

type layerFlow struct {
	idx   int
	id    core.FlowID
	fresh bool // installed by the walk that collected it
}

type uftEntry struct {
	xform core.Transform
	flows []layerFlow
	// entries that strip encapsulation only match the VNI they were built from
	guarded bool
	vni     uint32
}

func (e *uftEntry) admits(pkt *core.Packet) bool {
	return !e.guarded || (pkt.Encap != nil && pkt.Encap.VNI == e.vni)
}

func (e *uftEntry) summary() string { return e.xform.String() }

type tcpFlow struct {
	tracker *flowtable.TCPTracker

	mu     sync.Mutex
	uftKey [2]core.FlowID
	seen   [2]bool
}

func (f *tcpFlow) remember(dir core.Direction, key core.FlowID) {
	f.mu.Lock()
	f.uftKey[dir], f.seen[dir] = key, true
	f.mu.Unlock()
}

func (f *tcpFlow) keys() (out []core.FlowID, dirs []core.Direction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range core.Directions {
		if f.seen[d] {
			out = append(out, f.uftKey[d])
			dirs = append(dirs, d)
		}
	}
	return out, dirs
}

func (f *tcpFlow) summary() string { return f.tracker.State().String() }

// Port owns one pipeline. The data path holds mu for reading; Close takes
// it for writing so no packet is in flight when resources are released.
type Port struct {
	cfg     Config
	stack   *oxide.Stack
	created time.Time
	obs     layer.Observer

	uft [2]*flowtable.Table[core.FlowID, *uftEntry]
	tcp *flowtable.Table[core.FlowID, *tcpFlow]
	// UFT entries of closed TCP flows, kept for the linger period so the
	// final ACK of a close does not open a new flow
	closing *flowtable.Table[core.FlowID, *uftEntry]
	linger  time.Duration
	// bumped whenever layer state is invalidated; UFT installs from an
	// older epoch are discarded
	epoch atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// New validates cfg and builds the port's layers and tables.
func New(cfg Config, opts Options) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Port{cfg: cfg, created: time.Now(), obs: opts.Observer, linger: opts.TCPLinger}

	so := opts.Options
	if p.obs != nil {
		so.Observer = p.emit
	}
	stack, err := oxide.Build(&p.cfg.Config, so)
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", cfg.Name, err)
	}
	p.stack = stack

	for _, dir := range core.Directions {
		p.uft[dir] = flowtable.New[core.FlowID, *uftEntry](
			fmt.Sprintf("uft_%s", dir),
			opts.UFTLimit,
			flowtable.WithOnRemove[core.FlowID, *uftEntry](func(id core.FlowID, e *uftEntry) {
				p.emit(layer.Event{Kind: layer.EventFlowRemoved, Layer: LayerUFT, Flow: id, Action: e.summary(), At: time.Now()})
			}),
		)
	}
	p.tcp = flowtable.New[core.FlowID, *tcpFlow]("tcp_flows", opts.UFTLimit)
	p.closing = flowtable.New[core.FlowID, *uftEntry]("tcp_closing", opts.UFTLimit)
	return p, nil
}

func (p *Port) emit(ev layer.Event) {
	if p.obs == nil {
		return
	}
	ev.Port = p.cfg.Name
	p.obs(ev)
}

// Name returns the port name.
func (p *Port) Name() string { return p.cfg.Name }

// Config returns the configuration the port was built from.
func (p *Port) Config() Config { return p.cfg }

// Layers returns the layers in outbound order.
func (p *Port) Layers() []*layer.Layer { return p.stack.Layers }

// Pool returns the port's dynamic NAT pool.
func (p *Port) Pool() *natpool.Pool { return p.stack.Pool }

// Neighbors returns the port's ARP neighbor table.
func (p *Port) Neighbors() *oxide.NeighborTable { return p.stack.Neighbors }

// Layer returns the named layer.
func (p *Port) Layer(name string) (*layer.Layer, error) {
	for _, l := range p.stack.Layers {
		if l.Name() == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("port %s: %w: %s", p.cfg.Name, core.ErrLayerNotFound, name)
}

// Process runs pkt through the port in dir, rewriting it in place.
// Errors are terminal for this packet only and come with VerdictDrop.
func (p *Port) Process(dir core.Direction, pkt *core.Packet) (Result, error) {
	start := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Result{Verdict: layer.VerdictDrop}, fmt.Errorf("port %s: %w", p.cfg.Name, core.ErrPortClosed)
	}

	id, isFlow := pkt.FlowID(dir)
	if isFlow {
		if e, ok := p.uft[dir].Lookup(id); ok && e.admits(pkt) {
			e.xform.Apply(pkt)
			p.trackTCP(dir, id, pkt)
			metrics.UFTLookupsTotal.WithLabelValues(p.cfg.Name, dir.String(), "hit").Inc()
			metrics.PacketsTotal.WithLabelValues(p.cfg.Name, dir.String(), layer.VerdictPass.String()).Inc()
			metrics.ProcessLatencySeconds.WithLabelValues("uft").Observe(time.Since(start).Seconds())
			return Result{Verdict: layer.VerdictPass, Cached: true, Transform: e.xform}, nil
		}
		metrics.UFTLookupsTotal.WithLabelValues(p.cfg.Name, dir.String(), "miss").Inc()
		if xf, ok := p.lingering(id, pkt); ok {
			metrics.PacketsTotal.WithLabelValues(p.cfg.Name, dir.String(), layer.VerdictPass.String()).Inc()
			metrics.ProcessLatencySeconds.WithLabelValues("uft").Observe(time.Since(start).Seconds())
			return Result{Verdict: layer.VerdictPass, Cached: true, Transform: xf}, nil
		}
	}

	res, err := p.slowPath(dir, pkt, id, isFlow)
	metrics.PacketsTotal.WithLabelValues(p.cfg.Name, dir.String(), res.Verdict.String()).Inc()
	metrics.ProcessLatencySeconds.WithLabelValues("layers").Observe(time.Since(start).Seconds())
	return res, err
}

func (p *Port) slowPath(dir core.Direction, pkt *core.Packet, id core.FlowID, isFlow bool) (Result, error) {
	epoch := p.epoch.Load()
	var (
		encapVNI uint32
		hadEncap = pkt.Encap != nil
	)
	if hadEncap {
		encapVNI = pkt.Encap.VNI
	}

	layers := p.stack.Layers
	n := len(layers)
	xforms := make([]core.Transform, 0, n)
	flows := make([]layerFlow, 0, n)
	for i := 0; i < n; i++ {
		idx := i
		if dir == core.DirIn {
			idx = n - 1 - i
		}
		l := layers[idx]
		out, err := l.Process(dir, pkt)
		switch {
		case err != nil || out.Verdict == layer.VerdictDrop:
			p.rollback(dir, flows)
			p.countDrop(dir, l.Name(), err)
			return Result{Verdict: layer.VerdictDrop, Layer: l.Name()}, err
		case out.Verdict == layer.VerdictHairpin:
			return Result{Verdict: layer.VerdictHairpin, Layer: l.Name(), Reply: out.Reply}, nil
		}
		if out.IsFlow {
			flows = append(flows, layerFlow{idx: idx, id: out.Flow, fresh: !out.Cached})
		}
		xforms = append(xforms, out.Transform)
	}

	res := Result{Verdict: layer.VerdictPass, Transform: core.Merge(xforms)}
	if !isFlow {
		return res, nil
	}

	e := &uftEntry{xform: res.Transform, flows: flows}
	if e.xform.Decap && hadEncap {
		e.guarded, e.vni = true, encapVNI
	}
	stored, err := p.uft[dir].InsertIf(id, e, func() bool { return p.epoch.Load() == epoch })
	if err != nil {
		log.ForPort(p.cfg.Name).WithError(err).Debug("uft install failed")
	}
	if stored {
		p.emit(layer.Event{Kind: layer.EventFlowCreated, Layer: LayerUFT, Flow: id, Action: e.summary(), At: time.Now()})
	}
	p.trackTCP(dir, id, pkt)
	return res, nil
}

// rollback removes the layer entries a dropped packet installed on its way
// through, so a later layer's refusal leaves no pinned state behind.
// Entries the packet merely hit belong to an existing flow and stay.
func (p *Port) rollback(dir core.Direction, flows []layerFlow) {
	for _, lf := range flows {
		if lf.fresh {
			p.stack.Layers[lf.idx].RemoveFlow(dir, lf.id)
		}
	}
}

func (p *Port) countDrop(dir core.Direction, layerName string, err error) {
	reason := "deny"
	switch {
	case err == nil:
	case errors.Is(err, core.ErrPoolExhausted):
		reason = "nat_exhausted"
	case errors.Is(err, core.ErrTableFull):
		reason = "table_full"
	case errors.Is(err, core.ErrVNIMismatch):
		reason = "vni_mismatch"
	case errors.Is(err, core.ErrUnresolvable):
		reason = "unresolvable"
	default:
		reason = "error"
	}
	metrics.DropsTotal.WithLabelValues(p.cfg.Name, dir.String(), layerName, reason).Inc()
	if log.GetLogger().IsDebugEnabled() {
		log.ForLayer(p.cfg.Name, layerName).WithFields(map[string]interface{}{
			"dir":    dir.String(),
			"reason": reason,
		}).Debug("packet dropped")
	}
}

// trackTCP advances the connection state of the flow pkt belongs to.
// Flows are keyed by their guest-side outbound identity so both directions
// land on the same tracker. uftKey is the identity pkt had on entry.
func (p *Port) trackTCP(dir core.Direction, uftKey core.FlowID, pkt *core.Packet) {
	if !pkt.IsTCP() {
		return
	}
	key := uftKey
	if dir == core.DirIn {
		in, _ := pkt.FlowID(core.DirIn)
		key = in.Reverse()
	}
	f, _, err := p.tcp.LookupOrInsert(key, func() *tcpFlow {
		return &tcpFlow{tracker: flowtable.NewTCPTracker(dir)}
	})
	if err != nil {
		return
	}
	f.remember(dir, uftKey)
	prev, next := f.tracker.Observe(dir, pkt.L4.Flags)
	if next == flowtable.TCPClosed && prev != flowtable.TCPClosed {
		p.teardown(key, f)
	}
}

// teardown drops everything a closed TCP flow holds: its tracker, its UFT
// entries and the layer entries behind them, NAT mappings included. The
// UFT entries move to the closing table until the linger runs out.
func (p *Port) teardown(key core.FlowID, f *tcpFlow) {
	p.tcp.Remove(key)
	keys, dirs := f.keys()
	for i, k := range keys {
		if e, ok := p.uft[dirs[i]].Remove(k); ok {
			if err := p.closing.Insert(k, e); err != nil {
				log.ForPort(p.cfg.Name).WithError(err).Debug("tcp linger not recorded")
			}
			p.removeLayerFlows(dirs[i], e)
		}
	}
	metrics.TCPClosedTotal.WithLabelValues(p.cfg.Name).Inc()
	log.ForPort(p.cfg.Name).WithField("flow", key.String()).Debug("tcp flow closed")
}

// lingering rewrites a trailing segment of a closed TCP flow with the
// transform the flow had when it closed. Nothing is allocated or tracked.
// A SYN on the same tuple is a new connection and ends the linger.
func (p *Port) lingering(id core.FlowID, pkt *core.Packet) (core.Transform, bool) {
	if !pkt.IsTCP() || p.closing.Len() == 0 {
		return core.Transform{}, false
	}
	if pkt.L4.Flags&core.TCPSyn != 0 {
		p.closing.Remove(id)
		return core.Transform{}, false
	}
	e, ok := p.closing.Peek(id)
	if !ok || !e.admits(pkt) {
		return core.Transform{}, false
	}
	e.xform.Apply(pkt)
	return e.xform, true
}

func (p *Port) removeLayerFlows(dir core.Direction, e *uftEntry) {
	for _, lf := range e.flows {
		p.stack.Layers[lf.idx].RemoveFlow(dir, lf.id)
	}
}

// invalidate discards every composed transform. The epoch moves first so
// a slow path racing with the change cannot reinstall a stale entry.
func (p *Port) invalidate() {
	p.epoch.Add(1)
	for _, dir := range core.Directions {
		p.uft[dir].Clear()
	}
	p.closing.Clear()
}

// ExpireIdle removes flows idle for longer than idle and returns how many
// UFT and layer entries went away. Layer entries backing a live UFT entry
// are kept alive, since UFT hits never touch them.
func (p *Port) ExpireIdle(now time.Time, idle time.Duration) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}

	n := 0
	for _, dir := range core.Directions {
		var gone []*uftEntry
		cutoff := now.Add(-idle)
		for _, s := range p.uft[dir].Dump() {
			if s.LastSeen.Before(cutoff) {
				if e, ok := p.uft[dir].Remove(s.Key); ok {
					gone = append(gone, e)
					n++
				}
				continue
			}
			for _, lf := range s.Value.flows {
				p.stack.Layers[lf.idx].RefreshFlow(dir, lf.id, s.LastSeen)
			}
		}
		for _, e := range gone {
			p.removeLayerFlows(dir, e)
		}
	}
	for _, l := range p.stack.Layers {
		n += l.ExpireIdle(now, idle)
	}
	for _, s := range p.tcp.Dump() {
		if s.LastSeen.Before(now.Add(-idle)) {
			p.tcp.Remove(s.Key)
		}
	}
	linger := p.linger
	if linger <= 0 || linger > idle {
		linger = idle
	}
	p.closing.Expire(now, linger)

	if n > 0 {
		metrics.FlowsExpiredTotal.WithLabelValues(p.cfg.Name).Add(float64(n))
	}
	p.updateGauges()
	return n
}

func (p *Port) updateGauges() {
	name := p.cfg.Name
	metrics.NATMappings.WithLabelValues(name).Set(float64(p.stack.Pool.InUse()))
	for _, dir := range core.Directions {
		metrics.FlowEntries.WithLabelValues(name, p.uft[dir].Name()).Set(float64(p.uft[dir].Len()))
		for _, l := range p.stack.Layers {
			metrics.FlowEntries.WithLabelValues(name, l.Name()+"_"+dir.String()).Set(float64(l.FlowCount(dir)))
		}
	}
	metrics.FlowEntries.WithLabelValues(name, p.tcp.Name()).Set(float64(p.tcp.Len()))
	metrics.FlowEntries.WithLabelValues(name, p.closing.Name()).Set(float64(p.closing.Len()))
}

// AddFirewallRule installs r and returns its id. Existing flows in that
// direction are re-evaluated against the new rule set.
func (p *Port) AddFirewallRule(r oxide.FirewallRule) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, fmt.Errorf("port %s: %w", p.cfg.Name, core.ErrPortClosed)
	}
	rl, err := r.Rule()
	if err != nil {
		return 0, err
	}
	id, err := p.stack.Firewall.AddRule(r.Direction, rl)
	if err != nil {
		return 0, err
	}
	p.invalidate()
	log.ForLayer(p.cfg.Name, oxide.LayerFirewall).WithFields(map[string]interface{}{
		"dir":     r.Direction.String(),
		"rule_id": id,
	}).Info("firewall rule added")
	return id, nil
}

// RemoveFirewallRule deletes rule id from direction dir.
func (p *Port) RemoveFirewallRule(dir core.Direction, id uint64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("port %s: %w", p.cfg.Name, core.ErrPortClosed)
	}
	if err := p.stack.Firewall.RemoveRule(dir, id); err != nil {
		return err
	}
	p.invalidate()
	log.ForLayer(p.cfg.Name, oxide.LayerFirewall).WithFields(map[string]interface{}{
		"dir":     dir.String(),
		"rule_id": id,
	}).Info("firewall rule removed")
	return nil
}

// Close releases every flow and NAT mapping. Further packets are refused.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.epoch.Add(1)
	for _, dir := range core.Directions {
		p.uft[dir].Clear()
	}
	p.tcp.Clear()
	p.closing.Clear()
	for _, l := range p.stack.Layers {
		l.Clear()
	}
	released := p.stack.Pool.ReleaseAll()
	metrics.DeletePort(p.cfg.Name)
	log.ForPort(p.cfg.Name).WithField("nat_released", released).Info("port closed")
}

// Closed reports whether Close has run.
func (p *Port) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// ProcessFrame decodes frame, runs it through the port and serializes the
// result. A hairpin returns the serialized reply instead.
func (p *Port) ProcessFrame(dir core.Direction, frame []byte) ([]byte, Result, error) {
	pkt, err := decoder.Decode(frame)
	if err != nil {
		metrics.DropsTotal.WithLabelValues(p.cfg.Name, dir.String(), "decode", "malformed").Inc()
		return nil, Result{Verdict: layer.VerdictDrop}, err
	}
	res, err := p.Process(dir, pkt)
	if err != nil {
		return nil, res, err
	}
	switch res.Verdict {
	case layer.VerdictDrop:
		return nil, res, nil
	case layer.VerdictHairpin:
		out, err := decoder.Serialize(res.Reply)
		return out, res, err
	}
	out, err := decoder.Serialize(pkt)
	return out, res, err
}
