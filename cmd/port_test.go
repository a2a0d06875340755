package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/natpool"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

const portYAML = `name: g0
vpc_subnet: 172.20.0.0/24
private_mac: a8:40:25:ff:00:01
private_ip: 172.20.0.5
gw_mac: a8:40:25:ff:77:77
gw_ip: 172.20.0.1
dyn_nat:
  public_mac: a8:40:25:00:00:01
  public_ip: 10.0.0.99
  port_start: 1025
  port_end: 4096
`

func testConfig() port.Config {
	return port.Config{
		Name: "g0",
		Config: oxide.Config{
			VPCSubnet:  netip.MustParsePrefix("172.20.0.0/24"),
			PrivateMAC: core.MustParseMAC("a8:40:25:ff:00:01"),
			PrivateIP:  netip.MustParseAddr("172.20.0.5"),
			GatewayMAC: core.MustParseMAC("a8:40:25:ff:77:77"),
			GatewayIP:  netip.MustParseAddr("172.20.0.1"),
			DynNAT: oxide.DynNATConfig{
				PublicMAC: core.MustParseMAC("a8:40:25:00:00:01"),
				PublicIP:  netip.MustParseAddr("10.0.0.99"),
				PortStart: 1025,
				PortEnd:   4096,
			},
		},
	}
}

func writePortFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "port.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunPortRegister_Success(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("PortRegister", mock.Anything, mock.AnythingOfType("port.Config")).Return(nil)

	var buf bytes.Buffer
	err := runPortRegister(context.Background(), mockClient, &buf, testConfig())

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Port g0 registered")
	mockClient.AssertExpectations(t)
}

func TestRunPortRegister_InvalidConfigNotSent(t *testing.T) {
	mockClient := new(MockClient)
	cfg := testConfig()
	cfg.PrivateIP = netip.MustParseAddr("192.168.1.1")

	var buf bytes.Buffer
	err := runPortRegister(context.Background(), mockClient, &buf, cfg)

	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Empty(t, buf.String())
	mockClient.AssertNotCalled(t, "PortRegister", mock.Anything, mock.Anything)
}

func TestRunPortRegister_DaemonError(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("PortRegister", mock.Anything, mock.Anything).Return(errors.New("port exists: g0"))

	var buf bytes.Buffer
	err := runPortRegister(context.Background(), mockClient, &buf, testConfig())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "port exists")
	mockClient.AssertExpectations(t)
}

func TestRunPortUnregister(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("PortUnregister", mock.Anything, "g0").Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runPortUnregister(context.Background(), mockClient, &buf, "g0"))
	assert.Contains(t, buf.String(), "✓ Port g0 unregistered")
	mockClient.AssertExpectations(t)
}

func TestRunPortList_Detail(t *testing.T) {
	info := port.Info{
		Name:     "g0",
		MAC:      core.MustParseMAC("a8:40:25:ff:00:01"),
		IP:       netip.MustParseAddr("172.20.0.5"),
		Subnet:   netip.MustParsePrefix("172.20.0.0/24"),
		PublicIP: netip.MustParseAddr("10.0.0.99"),
		NATInUse: 1,
		NATSize:  3072,
		NATMapping: []natpool.Mapping{{
			Private: natpool.Endpoint{Addr: netip.MustParseAddr("172.20.0.5"), Port: 40000},
			Public:  natpool.Endpoint{Addr: netip.MustParseAddr("10.0.0.99"), Port: 1025},
		}},
	}

	tests := []struct {
		name     string
		detail   bool
		contains []string
		excludes []string
	}{
		{"summary", false, []string{"LINK", "g0", "a8:40:25:ff:00:01"}, []string{"nat 1/3072"}},
		{"detail", true, []string{"g0", "nat 1/3072", "172.20.0.5:40000 -> 10.0.0.99:1025"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("PortList", mock.Anything, tt.detail).Return([]port.Info{info}, nil)

			var buf bytes.Buffer
			require.NoError(t, runPortList(context.Background(), mockClient, &buf, tt.detail))
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, buf.String(), s)
			}
			mockClient.AssertExpectations(t)
		})
	}
}

func TestPortConfigFromFile(t *testing.T) {
	portFile = writePortFile(t, portYAML)
	t.Cleanup(func() { portFile = "" })

	cfg, err := portConfigFromFlags()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, testConfig(), cfg)
}

func TestRunValidatePort(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runValidatePort(&buf, writePortFile(t, portYAML)))
	assert.Contains(t, buf.String(), `VALID: port "g0"`)

	bad := writePortFile(t, "name: g1\nvpc_subnet: 172.20.0.0/24\n")
	err := runValidatePort(&buf, bad)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
