package port

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/oxide"
)

func TestManagerRegisterUnregister(t *testing.T) {
	m := NewManager(DefaultOptions())
	defer m.CloseAll()

	_, err := m.Register(testConfig("g1", false))
	require.NoError(t, err)
	_, err = m.Register(testConfig("g0", true))
	require.NoError(t, err)

	_, err = m.Register(testConfig("g0", false))
	assert.ErrorIs(t, err, core.ErrPortExists)

	bad := testConfig("g9", false)
	bad.DynNAT.PortEnd = 1
	_, err = m.Register(bad)
	assert.ErrorIs(t, err, core.ErrInvalidRange)

	infos := m.List(false)
	require.Len(t, infos, 2)
	assert.Equal(t, "g0", infos[0].Name)
	assert.True(t, infos[0].Overlay)
	assert.Equal(t, "g1", infos[1].Name)
	assert.Nil(t, infos[1].Neighbors)

	require.NoError(t, m.Unregister("g0"))
	assert.ErrorIs(t, m.Unregister("g0"), core.ErrPortNotFound)
	assert.Equal(t, 1, m.Len())
}

func TestManagerUnregisterReleasesNAT(t *testing.T) {
	m := NewManager(DefaultOptions())
	p, err := m.Register(testConfig("g0", false))
	require.NoError(t, err)

	_, err = m.AddFirewallRule("g0", oxide.FirewallRule{
		Direction: core.DirOut,
		Filters:   oxide.Filters{Protocol: oxide.ProtoFilter{Proto: core.ProtoTCP}},
		Action:    oxide.FwAllow,
	})
	require.NoError(t, err)
	res, err := m.Process("g0", core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)
	require.Equal(t, layer.VerdictPass, res.Verdict)
	require.Equal(t, 1, p.Pool().InUse())

	require.NoError(t, m.Unregister("g0"))
	assert.Zero(t, p.Pool().InUse())

	_, err = m.Process("g0", core.DirOut, guestTCP(40000, 443, core.TCPAck))
	assert.ErrorIs(t, err, core.ErrPortNotFound)
}

func TestManagerOperationsOnUnknownPort(t *testing.T) {
	m := NewManager(DefaultOptions())
	_, err := m.AddFirewallRule("nope", oxide.FirewallRule{Direction: core.DirIn, Action: oxide.FwAllow})
	assert.ErrorIs(t, err, core.ErrPortNotFound)
	assert.ErrorIs(t, m.RemoveFirewallRule("nope", core.DirIn, 1), core.ErrPortNotFound)
	_, err = m.DumpLayer("nope", oxide.LayerFirewall)
	assert.ErrorIs(t, err, core.ErrPortNotFound)
	_, err = m.DumpUFT("nope")
	assert.ErrorIs(t, err, core.ErrPortNotFound)
	_, err = m.DumpTCPFlows("nope")
	assert.ErrorIs(t, err, core.ErrPortNotFound)
}

func TestManagerExpireIdle(t *testing.T) {
	m := NewManager(DefaultOptions())
	defer m.CloseAll()
	p, err := m.Register(testConfig("g0", false))
	require.NoError(t, err)
	_, err = m.AddFirewallRule("g0", oxide.FirewallRule{Direction: core.DirOut, Action: oxide.FwAllow})
	require.NoError(t, err)
	_, err = m.Process("g0", core.DirOut, guestTCP(40000, 443, core.TCPSyn))
	require.NoError(t, err)

	assert.Positive(t, m.ExpireIdle(time.Now().Add(time.Hour), time.Minute))
	assert.Zero(t, p.Pool().InUse())

	d, err := m.DumpUFT("g0")
	require.NoError(t, err)
	assert.Zero(t, d.Out.NumFlows)
}
