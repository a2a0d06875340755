package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends a command and waits for the response. The result is left
// undecoded as a json.RawMessage.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to socket %s: %v", core.ErrDaemonNotRunning, c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var raw rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	respID := fmt.Sprintf("%v", raw.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	resp := &Response{ID: respID, Error: raw.Error}
	if raw.Result != nil {
		resp.Result = raw.Result
	}
	return resp, nil
}

// invoke calls method and decodes the result into out. RPC errors are
// returned as *ErrorInfo.
func (c *UDSClient) invoke(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// PortRegister registers a port.
func (c *UDSClient) PortRegister(ctx context.Context, cfg port.Config) error {
	return c.invoke(ctx, MethodPortRegister, PortRegisterParams{Config: cfg}, nil)
}

// PortUnregister removes a port.
func (c *UDSClient) PortUnregister(ctx context.Context, name string) error {
	return c.invoke(ctx, MethodPortUnregister, PortParams{Port: name}, nil)
}

// PortList lists the registered ports.
func (c *UDSClient) PortList(ctx context.Context, detail bool) ([]port.Info, error) {
	var res PortListResult
	err := c.invoke(ctx, MethodPortList, PortListParams{Detail: detail}, &res)
	return res.Ports, err
}

// PortProcess runs one frame through a port.
func (c *UDSClient) PortProcess(ctx context.Context, name string, dir core.Direction, frame []byte) (PortProcessResult, error) {
	var res PortProcessResult
	err := c.invoke(ctx, MethodPortProcess, PortProcessParams{Port: name, Direction: dir, Frame: frame}, &res)
	return res, err
}

// FwAdd adds a firewall rule and returns its id.
func (c *UDSClient) FwAdd(ctx context.Context, name string, r oxide.FirewallRule) (uint64, error) {
	var res struct {
		RuleID uint64 `json:"rule_id"`
	}
	err := c.invoke(ctx, MethodFwAdd, FwAddParams{Port: name, Rule: r}, &res)
	return res.RuleID, err
}

// FwRm removes a firewall rule.
func (c *UDSClient) FwRm(ctx context.Context, name string, dir core.Direction, id uint64) error {
	return c.invoke(ctx, MethodFwRm, FwRmParams{Port: name, Direction: dir, ID: id}, nil)
}

// DumpLayer dumps one layer of a port.
func (c *UDSClient) DumpLayer(ctx context.Context, name, layerName string) (layer.Dump, error) {
	var res layer.Dump
	err := c.invoke(ctx, MethodDumpLayer, DumpLayerParams{Port: name, Layer: layerName}, &res)
	return res, err
}

// DumpUFT dumps the unified flow table of a port.
func (c *UDSClient) DumpUFT(ctx context.Context, name string) (port.UFTDump, error) {
	var res port.UFTDump
	err := c.invoke(ctx, MethodDumpUFT, PortParams{Port: name}, &res)
	return res, err
}

// DumpTCPFlows dumps the TCP trackers of a port.
func (c *UDSClient) DumpTCPFlows(ctx context.Context, name string) (flowtable.TableDump, error) {
	var res flowtable.TableDump
	err := c.invoke(ctx, MethodDumpTCPFlows, PortParams{Port: name}, &res)
	return res, err
}

// DaemonStatus returns the daemon status.
func (c *UDSClient) DaemonStatus(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.invoke(ctx, MethodDaemonStatus, nil, &res)
	return res, err
}

// DaemonShutdown asks the daemon to stop.
func (c *UDSClient) DaemonShutdown(ctx context.Context) error {
	return c.invoke(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
