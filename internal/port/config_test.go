package port

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/core"
)

const portYAML = `
name: g0
vpc_subnet: 172.20.0.0/24
private_mac: a8:40:25:ff:00:01
private_ip: 172.20.0.5
gw_mac: a8:40:25:00:00:01
gw_ip: 172.20.0.1
dyn_nat:
  public_mac: a8:40:25:00:00:63
  public_ip: 10.0.0.99
  port_start: 1025
  port_end: 4096
overlay:
  boundary_services:
    ip: fd00:99::1
    vni: 99
  vni: 1287581
  phys_mac_src: a8:40:25:77:77:77
  phys_mac_dst: 78:23:ae:5d:4f:0d
  phys_ip_src: fd00:918::1
`

func TestParseConfigYAML(t *testing.T) {
	c, err := ParseConfig([]byte(portYAML))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "g0", c.Name)
	assert.Equal(t, netip.MustParsePrefix("172.20.0.0/24"), c.VPCSubnet)
	assert.Equal(t, guestMAC, c.PrivateMAC)
	assert.Equal(t, uint16(4096), c.DynNAT.PortEnd)
	require.NotNil(t, c.Overlay)
	assert.Equal(t, uint32(1287581), c.Overlay.VNI)
	assert.Equal(t, netip.MustParseAddr("fd00:99::1"), c.Overlay.BoundaryServices.IP)
}

func TestParseConfigJSON(t *testing.T) {
	js := `{"name":"g1","vpc_subnet":"172.20.0.0/24","private_mac":"a8:40:25:ff:00:01",` +
		`"private_ip":"172.20.0.5","dyn_nat":{"public_mac":"a8:40:25:00:00:63",` +
		`"public_ip":"10.0.0.99","port_start":1025,"port_end":1034}}`
	c, err := ParseConfig([]byte(js))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Nil(t, c.Overlay)
	assert.False(t, c.GatewayIP.IsValid())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g0.yaml")
	require.NoError(t, os.WriteFile(path, []byte(portYAML), 0o644))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "g0", c.Name)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeConfigFromMap(t *testing.T) {
	raw := map[string]interface{}{
		"name":        "g2",
		"vpc_subnet":  "172.20.0.0/24",
		"private_mac": "a8:40:25:ff:00:01",
		"private_ip":  "172.20.0.5",
		"gw_mac":      "a8:40:25:00:00:01",
		"gw_ip":       "172.20.0.1",
		"dyn_nat": map[string]interface{}{
			"public_mac": "a8:40:25:00:00:63",
			"public_ip":  "10.0.0.99",
			"port_start": 1025,
			"port_end":   "1034",
		},
	}
	c, err := DecodeConfig(raw)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, netip.MustParseAddr("172.20.0.1"), c.GatewayIP)
	assert.Equal(t, uint16(1034), c.DynNAT.PortEnd)

	raw["bogus"] = true
	_, err = DecodeConfig(raw)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"empty name", func(c *Config) { c.Name = "  " }, core.ErrConfigInvalid},
		{"name with slash", func(c *Config) { c.Name = "a/b" }, core.ErrConfigInvalid},
		{"bad range", func(c *Config) { c.DynNAT.PortStart = 0 }, core.ErrInvalidRange},
		{"missing mac", func(c *Config) { c.PrivateMAC = core.MAC{} }, core.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig("g0", true)
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}
}
