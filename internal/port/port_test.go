package port

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/core/decoder"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/rule"
)

var (
	guestMAC  = core.MustParseMAC("a8:40:25:ff:00:01")
	gwMAC     = core.MustParseMAC("a8:40:25:00:00:01")
	publicMAC = core.MustParseMAC("a8:40:25:00:00:63")
	guestIP   = netip.MustParseAddr("172.20.0.5")
	publicIP  = netip.MustParseAddr("10.0.0.99")
	remoteIP  = netip.MustParseAddr("52.10.128.69")
)

const testVNI = 1287581

func testConfig(name string, overlay bool) Config {
	c := Config{
		Name: name,
		Config: oxide.Config{
			VPCSubnet:  netip.MustParsePrefix("172.20.0.0/24"),
			PrivateMAC: guestMAC,
			PrivateIP:  guestIP,
			GatewayMAC: gwMAC,
			GatewayIP:  netip.MustParseAddr("172.20.0.1"),
			DynNAT: oxide.DynNATConfig{
				PublicMAC: publicMAC,
				PublicIP:  publicIP,
				PortStart: 1025,
				PortEnd:   1034,
			},
		},
	}
	if overlay {
		c.Overlay = &oxide.OverlayConfig{
			BoundaryServices: oxide.PhysNet{IP: netip.MustParseAddr("fd00:99::1"), VNI: 99},
			VNI:              testVNI,
			PhysMACSrc:       core.MustParseMAC("a8:40:25:77:77:77"),
			PhysMACDst:       core.MustParseMAC("78:23:ae:5d:4f:0d"),
			PhysIPSrc:        netip.MustParseAddr("fd00:918::1"),
		}
	}
	return c
}

func newPort(t *testing.T, overlay bool) *Port {
	t.Helper()
	p, err := New(testConfig("g0", overlay), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func allowOutTCP(t *testing.T, p *Port) uint64 {
	t.Helper()
	id, err := p.AddFirewallRule(oxide.FirewallRule{
		Direction: core.DirOut,
		Filters:   oxide.Filters{Protocol: oxide.ProtoFilter{Proto: core.ProtoTCP}},
		Action:    oxide.FwAllow,
		Priority:  100,
	})
	require.NoError(t, err)
	return id
}

func guestTCP(sport, dport uint16, flags uint8) *core.Packet {
	return &core.Packet{
		Eth:  core.EthernetHeader{Src: guestMAC, Dst: gwMAC, EtherType: core.EtherTypeIPv4},
		IPv4: &core.IPv4Header{Src: guestIP, Dst: remoteIP, Proto: core.ProtoTCP, TTL: 64},
		L4:   core.TransportHeader{SrcPort: sport, DstPort: dport, Flags: flags},
	}
}

func remoteTCP(dst netip.Addr, sport, dport uint16, flags uint8) *core.Packet {
	return &core.Packet{
		Eth:  core.EthernetHeader{Src: core.MustParseMAC("a8:40:25:00:00:02"), Dst: publicMAC, EtherType: core.EtherTypeIPv4},
		IPv4: &core.IPv4Header{Src: remoteIP, Dst: dst, Proto: core.ProtoTCP, TTL: 60},
		L4:   core.TransportHeader{SrcPort: sport, DstPort: dport, Flags: flags},
	}
}

func TestUFTHitMatchesFullPipeline(t *testing.T) {
	p1 := newPort(t, true)
	p2 := newPort(t, true)
	allowOutTCP(t, p1)
	allowOutTCP(t, p2)

	first := guestTCP(40000, 443, core.TCPSyn)
	res, err := p1.Process(core.DirOut, first)
	require.NoError(t, err)
	require.Equal(t, layer.VerdictPass, res.Verdict)
	assert.False(t, res.Cached)

	cached := guestTCP(40000, 443, core.TCPSyn)
	res, err = p1.Process(core.DirOut, cached)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	slow := guestTCP(40000, 443, core.TCPSyn)
	res, err = p2.Process(core.DirOut, slow)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	assert.Equal(t, first, cached)
	assert.Equal(t, slow, cached)
	require.NotNil(t, cached.Encap)
	assert.Equal(t, uint32(99), cached.Encap.VNI)
	assert.Equal(t, publicIP, cached.IPv4.Src)

	// the reply is decapsulated and un-NATed the same way on both paths
	reply := func() *core.Packet {
		pkt := remoteTCP(publicIP, 443, cached.L4.SrcPort, core.TCPSyn|core.TCPAck)
		pkt.Encap = &core.Encap{VNI: testVNI}
		return pkt
	}
	firstIn := reply()
	res, err = p1.Process(core.DirIn, firstIn)
	require.NoError(t, err)
	require.Equal(t, layer.VerdictPass, res.Verdict)
	assert.False(t, res.Cached)

	cachedIn := reply()
	res, err = p1.Process(core.DirIn, cachedIn)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	slowIn := reply()
	res, err = p2.Process(core.DirIn, slowIn)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	assert.Equal(t, firstIn, cachedIn)
	assert.Equal(t, slowIn, cachedIn)
	assert.Nil(t, cachedIn.Encap)
	assert.Equal(t, guestIP, cachedIn.IPv4.Dst)
	assert.Equal(t, uint16(40000), cachedIn.L4.DstPort)
	assert.Equal(t, guestMAC, cachedIn.Eth.Dst)
}

func TestNATExhaustionScenario(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	seen := map[uint16]bool{}
	for i := uint16(0); i < 10; i++ {
		pkt := guestTCP(50000+i, 443, core.TCPSyn)
		res, err := p.Process(core.DirOut, pkt)
		require.NoError(t, err)
		require.Equal(t, layer.VerdictPass, res.Verdict)
		assert.False(t, seen[pkt.L4.SrcPort])
		seen[pkt.L4.SrcPort] = true
	}
	assert.Equal(t, 10, p.Pool().InUse())

	for i := uint16(10); i < 30; i++ {
		res, err := p.Process(core.DirOut, guestTCP(50000+i, 443, core.TCPSyn))
		assert.ErrorIs(t, err, core.ErrPoolExhausted)
		assert.Equal(t, layer.VerdictDrop, res.Verdict)
		assert.Equal(t, oxide.LayerDynNAT, res.Layer)
	}

	// refused flows leave nothing behind in the layers they already passed
	fw, err := p.DumpLayer(oxide.LayerFirewall)
	require.NoError(t, err)
	assert.Equal(t, 10, fw.FlowsOut.NumFlows)
	assert.Equal(t, 10, fw.FlowsIn.NumFlows)
	assert.Equal(t, 10, p.DumpUFT().Out.NumFlows)

	// existing flows are unaffected
	res, err := p.Process(core.DirOut, guestTCP(50003, 443, core.TCPAck))
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestFirewallAddRemoveTCP22(t *testing.T) {
	p := newPort(t, false)
	ssh := func() *core.Packet { return remoteTCP(guestIP, 51000, 22, core.TCPSyn) }

	res, err := p.Process(core.DirIn, ssh())
	require.NoError(t, err)
	require.Equal(t, layer.VerdictDrop, res.Verdict)
	assert.Equal(t, oxide.LayerFirewall, res.Layer)

	id, err := p.AddFirewallRule(oxide.FirewallRule{
		Direction: core.DirIn,
		Filters: oxide.Filters{
			Protocol: oxide.ProtoFilter{Proto: core.ProtoTCP},
			Ports:    oxide.Ports{{Start: 22, End: 22}},
		},
		Action:   oxide.FwAllow,
		Priority: 10,
	})
	require.NoError(t, err)

	pkt := ssh()
	res, err = p.Process(core.DirIn, pkt)
	require.NoError(t, err)
	require.Equal(t, layer.VerdictPass, res.Verdict)
	assert.Equal(t, gwMAC, pkt.Eth.Src)
	assert.Equal(t, guestMAC, pkt.Eth.Dst)

	fw, err := p.DumpLayer(oxide.LayerFirewall)
	require.NoError(t, err)
	require.Len(t, fw.RulesIn, 1)
	assert.Equal(t, id, fw.RulesIn[0].ID)
	assert.Equal(t, 1, fw.FlowsIn.NumFlows)

	require.NoError(t, p.RemoveFirewallRule(core.DirIn, id))
	res, err = p.Process(core.DirIn, ssh())
	require.NoError(t, err)
	assert.Equal(t, layer.VerdictDrop, res.Verdict)
	assert.Zero(t, p.DumpUFT().In.NumFlows)

	err = p.RemoveFirewallRule(core.DirIn, id)
	assert.ErrorIs(t, err, core.ErrRuleNotFound)
}

func TestTCPCloseReleasesNAT(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	syn := guestTCP(40000, 443, core.TCPSyn)
	_, err := p.Process(core.DirOut, syn)
	require.NoError(t, err)
	require.Equal(t, 1, p.Pool().InUse())
	pub := syn.IPv4.Src
	pport := syn.L4.SrcPort

	steps := []struct {
		dir   core.Direction
		flags uint8
		state string
	}{
		{core.DirIn, core.TCPSyn | core.TCPAck, "ESTABLISHED"},
		{core.DirOut, core.TCPAck, "ESTABLISHED"},
		{core.DirOut, core.TCPFin | core.TCPAck, "CLOSING"},
	}
	for _, s := range steps {
		var pkt *core.Packet
		if s.dir == core.DirOut {
			pkt = guestTCP(40000, 443, s.flags)
		} else {
			pkt = remoteTCP(pub, 443, pport, s.flags)
		}
		res, err := p.Process(s.dir, pkt)
		require.NoError(t, err)
		require.Equal(t, layer.VerdictPass, res.Verdict)
		tcp := p.DumpTCPFlows()
		require.Equal(t, 1, tcp.NumFlows)
		assert.Equal(t, s.state, tcp.Flows[0].State)
	}

	fin := remoteTCP(pub, 443, pport, core.TCPFin|core.TCPAck)
	res, err := p.Process(core.DirIn, fin)
	require.NoError(t, err)
	assert.Equal(t, layer.VerdictPass, res.Verdict)
	assert.Equal(t, guestIP, fin.IPv4.Dst)
	assert.Equal(t, uint16(40000), fin.L4.DstPort)

	assert.Zero(t, p.Pool().InUse())
	assert.Zero(t, p.DumpTCPFlows().NumFlows)
	uft := p.DumpUFT()
	assert.Zero(t, uft.In.NumFlows)
	assert.Zero(t, uft.Out.NumFlows)
	nat, err := p.DumpLayer(oxide.LayerDynNAT)
	require.NoError(t, err)
	assert.Zero(t, nat.FlowsIn.NumFlows)
	assert.Zero(t, nat.FlowsOut.NumFlows)

	// the guest's last ACK leaves with the closed flow's translation
	ack := guestTCP(40000, 443, core.TCPAck)
	res, err = p.Process(core.DirOut, ack)
	require.NoError(t, err)
	assert.Equal(t, layer.VerdictPass, res.Verdict)
	assert.Equal(t, pub, ack.IPv4.Src)
	assert.Equal(t, pport, ack.L4.SrcPort)
	assert.Zero(t, p.Pool().InUse())
	assert.Zero(t, p.DumpTCPFlows().NumFlows)
	assert.Zero(t, p.DumpUFT().Out.NumFlows)

	// a SYN on the same tuple opens a new connection
	_, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Pool().InUse())
	tcp := p.DumpTCPFlows()
	require.Equal(t, 1, tcp.NumFlows)
	assert.Equal(t, "NEW", tcp.Flows[0].State)
}

func TestClosedFlowLingerExpires(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	_, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	_, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPRst))
	require.NoError(t, err)
	require.Zero(t, p.Pool().InUse())

	res, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPAck))
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Zero(t, p.Pool().InUse())

	p.ExpireIdle(time.Now().Add(DefaultTCPLinger+time.Second), time.Hour)

	// past the linger a stray segment is a mid-stream pickup
	res, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPAck))
	require.NoError(t, err)
	assert.Equal(t, layer.VerdictPass, res.Verdict)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, p.Pool().InUse())
}

func TestResetTearsDown(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	_, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	_, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPRst))
	require.NoError(t, err)
	assert.Zero(t, p.Pool().InUse())
	assert.Zero(t, p.DumpUFT().Out.NumFlows)
}

func TestUFTDumpCountsAndLimits(t *testing.T) {
	opts := DefaultOptions()
	opts.UFTLimit = 64
	p, err := New(testConfig("g1", false), opts)
	require.NoError(t, err)
	defer p.Close()
	allowOutTCP(t, p)

	for i := uint16(0); i < 3; i++ {
		_, err := p.Process(core.DirOut, guestTCP(40000+i, 443, core.TCPSyn))
		require.NoError(t, err)
	}
	_, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPAck))
	require.NoError(t, err)

	d := p.DumpUFT()
	assert.Equal(t, 3, d.Out.NumFlows)
	assert.Equal(t, 64, d.Out.Limit)
	assert.Zero(t, d.In.NumFlows)
	assert.Equal(t, 64, d.In.Limit)

	var hits uint64
	for _, f := range d.Out.Flows {
		hits += f.Hits
	}
	assert.Equal(t, uint64(1), hits)

	info := p.Info(true)
	assert.Equal(t, 3, info.UFTOut)
	assert.Equal(t, 3, info.NATInUse)
	assert.Equal(t, 10, info.NATSize)
	assert.Len(t, info.NATMapping, 3)
}

func TestRuleChangeInvalidatesUFT(t *testing.T) {
	p := newPort(t, false)
	id := allowOutTCP(t, p)

	_, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	require.Equal(t, 1, p.DumpUFT().Out.NumFlows)

	require.NoError(t, p.RemoveFirewallRule(core.DirOut, id))
	assert.Zero(t, p.DumpUFT().Out.NumFlows)

	res, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPAck))
	require.NoError(t, err)
	assert.Equal(t, layer.VerdictDrop, res.Verdict)
	assert.False(t, res.Cached)
}

func TestExpireIdleReleasesNAT(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	_, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	require.Equal(t, 1, p.Pool().InUse())

	assert.Zero(t, p.ExpireIdle(time.Now(), time.Minute))
	assert.Equal(t, 1, p.Pool().InUse())

	assert.Positive(t, p.ExpireIdle(time.Now().Add(2*time.Minute), time.Minute))
	assert.Zero(t, p.Pool().InUse())
	assert.Zero(t, p.DumpUFT().Out.NumFlows)
	assert.Zero(t, p.DumpTCPFlows().NumFlows)
}

func TestLiveUFTEntryKeepsLayerState(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	_, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	res, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPAck))
	require.NoError(t, err)
	require.True(t, res.Cached)

	// layer entries are older than the window, the UFT entry is not
	p.ExpireIdle(time.Now(), 200*time.Millisecond)
	assert.Equal(t, 1, p.Pool().InUse())
	assert.Equal(t, 1, p.DumpUFT().Out.NumFlows)
}

func TestDecapEntriesBoundToVNI(t *testing.T) {
	p := newPort(t, true)
	allowOutTCP(t, p)

	syn := guestTCP(40000, 443, core.TCPSyn)
	_, err := p.Process(core.DirOut, syn)
	require.NoError(t, err)

	reply := func(vni uint32) *core.Packet {
		pkt := remoteTCP(publicIP, 443, syn.L4.SrcPort, core.TCPAck)
		pkt.Encap = &core.Encap{VNI: vni}
		return pkt
	}
	res, err := p.Process(core.DirIn, reply(testVNI))
	require.NoError(t, err)
	require.Equal(t, layer.VerdictPass, res.Verdict)

	res, err = p.Process(core.DirIn, reply(testVNI))
	require.NoError(t, err)
	assert.True(t, res.Cached)

	res, err = p.Process(core.DirIn, reply(testVNI+1))
	assert.ErrorIs(t, err, core.ErrVNIMismatch)
	assert.Equal(t, layer.VerdictDrop, res.Verdict)
	assert.Equal(t, oxide.LayerOverlay, res.Layer)
}

func TestGatewayARPHairpin(t *testing.T) {
	p := newPort(t, true)
	req := &core.Packet{
		Eth: core.EthernetHeader{Src: guestMAC, Dst: core.BroadcastMAC, EtherType: core.EtherTypeARP},
		ARP: &core.ARPHeader{Op: core.ARPRequest, SenderMAC: guestMAC, SenderIP: guestIP, TargetIP: netip.MustParseAddr("172.20.0.1")},
	}
	frame, err := decoder.Serialize(req)
	require.NoError(t, err)

	out, res, err := p.ProcessFrame(core.DirOut, frame)
	require.NoError(t, err)
	require.Equal(t, layer.VerdictHairpin, res.Verdict)
	assert.Equal(t, oxide.LayerARP, res.Layer)

	reply, err := decoder.Decode(out)
	require.NoError(t, err)
	require.NotNil(t, reply.ARP)
	assert.Equal(t, core.ARPReply, reply.ARP.Op)
	assert.Equal(t, gwMAC, reply.ARP.SenderMAC)
	assert.Equal(t, guestMAC, reply.Eth.Dst)
}

func TestProcessFrameEncapsulates(t *testing.T) {
	p := newPort(t, true)
	allowOutTCP(t, p)

	frame, err := decoder.Serialize(guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	out, res, err := p.ProcessFrame(core.DirOut, frame)
	require.NoError(t, err)
	require.Equal(t, layer.VerdictPass, res.Verdict)

	got, err := decoder.Decode(out)
	require.NoError(t, err)
	require.NotNil(t, got.Encap)
	assert.Equal(t, uint32(99), got.Encap.VNI)
	assert.Equal(t, publicIP, got.IPv4.Src)
	assert.Equal(t, gwMAC, got.Eth.Dst)

	_, _, err = p.ProcessFrame(core.DirOut, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestClosedPortRefusesPackets(t *testing.T) {
	p, err := New(testConfig("g2", false), DefaultOptions())
	require.NoError(t, err)
	allowOutTCP(t, p)
	_, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)

	p.Close()
	p.Close()
	assert.True(t, p.Closed())
	assert.Zero(t, p.Pool().InUse())

	res, err := p.Process(core.DirOut, guestTCP(40000, 443, core.TCPAck))
	assert.ErrorIs(t, err, core.ErrPortClosed)
	assert.Equal(t, layer.VerdictDrop, res.Verdict)
	_, err = p.AddFirewallRule(oxide.FirewallRule{Direction: core.DirIn, Action: oxide.FwAllow})
	assert.ErrorIs(t, err, core.ErrPortClosed)
}

func TestObserverSeesPortEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []layer.Event
	)
	opts := DefaultOptions()
	opts.Observer = func(ev layer.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	p, err := New(testConfig("g3", false), opts)
	require.NoError(t, err)
	defer p.Close()
	allowOutTCP(t, p)

	_, err = p.Process(core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	layers := map[string]bool{}
	for _, ev := range events {
		assert.Equal(t, "g3", ev.Port)
		if ev.Kind == layer.EventFlowCreated {
			layers[ev.Layer] = true
		}
	}
	assert.True(t, layers[LayerUFT])
	assert.True(t, layers[oxide.LayerDynNAT])
	assert.True(t, layers[oxide.LayerFirewall])
}

func TestConcurrentTrafficAndRuleChanges(t *testing.T) {
	p := newPort(t, false)
	allowOutTCP(t, p)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sport := uint16(40000 + w*10 + i%10)
				_, _ = p.Process(core.DirOut, guestTCP(sport, 443, core.TCPAck))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			id, err := p.AddFirewallRule(oxide.FirewallRule{
				Direction: core.DirIn,
				Filters:   oxide.Filters{Protocol: oxide.ProtoFilter{Proto: core.ProtoUDP}},
				Action:    oxide.FwAllow,
			})
			if err == nil {
				_ = p.RemoveFirewallRule(core.DirIn, id)
			}
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, p.Pool().InUse(), 10)
	for _, m := range p.Pool().Mappings() {
		assert.Equal(t, publicIP, m.Public.Addr)
	}
}

func TestLayerLookup(t *testing.T) {
	p := newPort(t, false)
	for _, name := range oxide.LayerNames {
		l, err := p.Layer(name)
		require.NoError(t, err)
		assert.Equal(t, name, l.Name())
	}
	_, err := p.DumpLayer("nope")
	assert.ErrorIs(t, err, core.ErrLayerNotFound)

	d, err := p.DumpLayer(oxide.LayerRouter)
	require.NoError(t, err)
	assert.Equal(t, rule.Route().String(), d.RulesOut[0].Action)
}
