package cmd

import (
	"context"

	"github.com/jmpesp/opte/internal/command"
	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

// Client is the daemon API the commands need. *command.UDSClient
// implements it.
type Client interface {
	PortRegister(ctx context.Context, cfg port.Config) error
	PortUnregister(ctx context.Context, name string) error
	PortList(ctx context.Context, detail bool) ([]port.Info, error)
	PortProcess(ctx context.Context, name string, dir core.Direction, frame []byte) (command.PortProcessResult, error)
	FwAdd(ctx context.Context, name string, r oxide.FirewallRule) (uint64, error)
	FwRm(ctx context.Context, name string, dir core.Direction, id uint64) error
	DumpLayer(ctx context.Context, name, layerName string) (layer.Dump, error)
	DumpUFT(ctx context.Context, name string) (port.UFTDump, error)
	DumpTCPFlows(ctx context.Context, name string) (flowtable.TableDump, error)
	DaemonStatus(ctx context.Context) (command.StatusResult, error)
	DaemonShutdown(ctx context.Context) error
}

var _ Client = (*command.UDSClient)(nil)

func defaultClient() Client {
	return command.NewUDSClient(socketPath, rpcTimeout)
}
