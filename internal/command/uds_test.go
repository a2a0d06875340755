package command

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

func startServer(t *testing.T) (*UDSClient, *UDSServer) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "opte.sock")

	pm := port.NewManager(port.DefaultOptions())
	t.Cleanup(pm.CloseAll)
	server := NewUDSServer(socketPath, NewCommandHandler(pm, "uds-test"))
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	return NewUDSClient(socketPath, 5*time.Second), server
}

func TestUDSServerClient_Integration(t *testing.T) {
	client, _ := startServer(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.PortRegister(ctx, testPortConfig("g0")))

	ports, err := client.PortList(ctx, true)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "g0", ports[0].Name)
	assert.Equal(t, guestIP, ports[0].IP)
	assert.NotEmpty(t, ports[0].Neighbors, "gateway is pinned")

	id, err := client.FwAdd(ctx, "g0", oxide.FirewallRule{
		Direction: core.DirOut,
		Filters:   oxide.Filters{Protocol: oxide.ProtoFilter{Proto: core.ProtoTCP}},
		Action:    oxide.FwAllow,
		Priority:  100,
	})
	require.NoError(t, err)

	res, err := client.PortProcess(ctx, "g0", core.DirOut, guestFrame(t, 40000))
	require.NoError(t, err)
	assert.Equal(t, "pass", res.Verdict)
	assert.False(t, res.Cached)

	res, err = client.PortProcess(ctx, "g0", core.DirOut, guestFrame(t, 40000))
	require.NoError(t, err)
	assert.True(t, res.Cached)

	uft, err := client.DumpUFT(ctx, "g0")
	require.NoError(t, err)
	assert.Equal(t, 1, uft.Out.NumFlows)

	tcp, err := client.DumpTCPFlows(ctx, "g0")
	require.NoError(t, err)
	assert.Equal(t, 1, tcp.NumFlows)

	fw, err := client.DumpLayer(ctx, "g0", oxide.LayerFirewall)
	require.NoError(t, err)
	require.Len(t, fw.RulesOut, 1)
	assert.Equal(t, id, fw.RulesOut[0].ID)

	require.NoError(t, client.FwRm(ctx, "g0", core.DirOut, id))
	require.NoError(t, client.PortUnregister(ctx, "g0"))

	status, err := client.DaemonStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PortCount)
	assert.Equal(t, "uds-test", status.InstanceID)
}

func TestUDSClientErrors(t *testing.T) {
	client, _ := startServer(t)
	ctx := context.Background()

	err := client.PortUnregister(ctx, "missing")
	var rpcErr *ErrorInfo
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ErrCodeNotFound, rpcErr.Code)

	resp, err := client.Call(ctx, "bogus", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestUDSMalformedRequest(t *testing.T) {
	client, _ := startServer(t)

	conn, err := net.Dial("unix", client.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json\n{\"jsonrpc\":\"1.0\",\"method\":\"port_list\",\"id\":7}\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got string
	for strings.Count(got, "\n") < 2 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
	assert.Contains(t, got, "-32700")
	assert.Contains(t, got, "-32600")
}

func TestClientWithoutDaemon(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "absent.sock"), time.Second)
	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
}

