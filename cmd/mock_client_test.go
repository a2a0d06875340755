package cmd

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/jmpesp/opte/internal/command"
	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) PortRegister(ctx context.Context, cfg port.Config) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockClient) PortUnregister(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockClient) PortList(ctx context.Context, detail bool) ([]port.Info, error) {
	args := m.Called(ctx, detail)
	return args.Get(0).([]port.Info), args.Error(1)
}

func (m *MockClient) PortProcess(ctx context.Context, name string, dir core.Direction, frame []byte) (command.PortProcessResult, error) {
	args := m.Called(ctx, name, dir, frame)
	return args.Get(0).(command.PortProcessResult), args.Error(1)
}

func (m *MockClient) FwAdd(ctx context.Context, name string, r oxide.FirewallRule) (uint64, error) {
	args := m.Called(ctx, name, r)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) FwRm(ctx context.Context, name string, dir core.Direction, id uint64) error {
	args := m.Called(ctx, name, dir, id)
	return args.Error(0)
}

func (m *MockClient) DumpLayer(ctx context.Context, name, layerName string) (layer.Dump, error) {
	args := m.Called(ctx, name, layerName)
	return args.Get(0).(layer.Dump), args.Error(1)
}

func (m *MockClient) DumpUFT(ctx context.Context, name string) (port.UFTDump, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(port.UFTDump), args.Error(1)
}

func (m *MockClient) DumpTCPFlows(ctx context.Context, name string) (flowtable.TableDump, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(flowtable.TableDump), args.Error(1)
}

func (m *MockClient) DaemonStatus(ctx context.Context) (command.StatusResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(command.StatusResult), args.Error(1)
}

func (m *MockClient) DaemonShutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
