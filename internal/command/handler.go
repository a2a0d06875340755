// Package command implements the JSON-RPC control plane.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmpesp/opte/internal/config"
	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/metrics"
	"github.com/jmpesp/opte/internal/oxide"
	"github.com/jmpesp/opte/internal/port"
)

// RPC method names.
const (
	MethodPortRegister   = "port_register"
	MethodPortUnregister = "port_unregister"
	MethodPortList       = "port_list"
	MethodPortProcess    = "port_process"
	MethodFwAdd          = "fw_add"
	MethodFwRm           = "fw_rm"
	MethodDumpLayer      = "dump_layer"
	MethodDumpUFT        = "dump_uft"
	MethodDumpTCPFlows   = "dump_tcp_flows"
	MethodDaemonStatus   = "daemon_status"
	MethodDaemonShutdown = "daemon_shutdown"
)

// CommandHandler handles control plane commands.
type CommandHandler struct {
	ports        *port.Manager
	shutdownFunc func() // called by daemon_shutdown to trigger graceful stop
	startTime    time.Time
	instanceID   string
}

// NewCommandHandler creates a handler operating on pm.
func NewCommandHandler(pm *port.Manager, instanceID string) *CommandHandler {
	return &CommandHandler{
		ports:      pm,
		startTime:  time.Now(),
		instanceID: instanceID,
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// Decode unmarshals the result into out.
func (r *Response) Decode(out interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	raw, ok := r.Result.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(r.Result); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, out)
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters or configuration
	ErrCodeInternalError  = -32603 // Internal error
	ErrCodeNotFound       = -32001 // Port, layer or rule does not exist
)

// errorCode maps a domain error onto a JSON-RPC error code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, core.ErrPortNotFound),
		errors.Is(err, core.ErrLayerNotFound),
		errors.Is(err, core.ErrRuleNotFound):
		return ErrCodeNotFound
	case errors.Is(err, core.ErrConfigInvalid),
		errors.Is(err, core.ErrInvalidRange),
		errors.Is(err, core.ErrInvalidPredicate),
		errors.Is(err, core.ErrInvalidAction),
		errors.Is(err, core.ErrDuplicateRule),
		errors.Is(err, core.ErrPortExists):
		return ErrCodeInvalidParams
	default:
		return ErrCodeInternalError
	}
}

func errorResponse(id string, code int, format string, args ...interface{}) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

func failed(id string, err error) Response {
	return errorResponse(id, errorCode(err), "%v", err)
}

func decodeParams(cmd Command, out interface{}) *Response {
	if len(cmd.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, out); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
		return &resp
	}
	return nil
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	if log.GetLogger().IsDebugEnabled() {
		log.GetLogger().WithFields(map[string]interface{}{
			"method": cmd.Method,
			"id":     cmd.ID,
		}).Debug("handling command")
	}

	resp := h.dispatch(ctx, cmd)

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	metrics.RPCRequestsTotal.WithLabelValues(cmd.Method, strconv.Itoa(code)).Inc()
	return resp
}

func (h *CommandHandler) dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Method {
	case MethodPortRegister:
		return h.handlePortRegister(ctx, cmd)
	case MethodPortUnregister:
		return h.handlePortUnregister(ctx, cmd)
	case MethodPortList:
		return h.handlePortList(ctx, cmd)
	case MethodPortProcess:
		return h.handlePortProcess(ctx, cmd)
	case MethodFwAdd:
		return h.handleFwAdd(ctx, cmd)
	case MethodFwRm:
		return h.handleFwRm(ctx, cmd)
	case MethodDumpLayer:
		return h.handleDumpLayer(ctx, cmd)
	case MethodDumpUFT:
		return h.handleDumpUFT(ctx, cmd)
	case MethodDumpTCPFlows:
		return h.handleDumpTCPFlows(ctx, cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// PortRegisterParams represents parameters for port_register.
type PortRegisterParams struct {
	Config port.Config `json:"config"`
}

func (h *CommandHandler) handlePortRegister(_ context.Context, cmd Command) Response {
	var params PortRegisterParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	p, err := h.ports.Register(params.Config)
	if err != nil {
		return failed(cmd.ID, err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"port":   p.Name(),
			"status": "registered",
		},
	}
}

// PortParams names a port.
type PortParams struct {
	Port string `json:"port"`
}

func (h *CommandHandler) handlePortUnregister(_ context.Context, cmd Command) Response {
	var params PortParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if err := h.ports.Unregister(params.Port); err != nil {
		return failed(cmd.ID, err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"port":   params.Port,
			"status": "unregistered",
		},
	}
}

// PortListParams represents parameters for port_list.
type PortListParams struct {
	Detail bool `json:"detail,omitempty"`
}

// PortListResult is the result of port_list.
type PortListResult struct {
	Ports []port.Info `json:"ports"`
}

func (h *CommandHandler) handlePortList(_ context.Context, cmd Command) Response {
	var params PortListParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	return Response{ID: cmd.ID, Result: PortListResult{Ports: h.ports.List(params.Detail)}}
}

// PortProcessParams carries one frame to run through a port.
type PortProcessParams struct {
	Port      string         `json:"port"`
	Direction core.Direction `json:"direction"`
	Frame     []byte         `json:"frame"`
}

// PortProcessResult is the outcome of port_process. Packet errors are
// reported in Error with a drop verdict rather than as an RPC error.
type PortProcessResult struct {
	Verdict string `json:"verdict"`
	Cached  bool   `json:"cached"`
	Layer   string `json:"layer,omitempty"`
	Frame   []byte `json:"frame,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *CommandHandler) handlePortProcess(_ context.Context, cmd Command) Response {
	var params PortProcessParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	p, err := h.ports.Get(params.Port)
	if err != nil {
		return failed(cmd.ID, err)
	}
	out, res, err := p.ProcessFrame(params.Direction, params.Frame)
	if errors.Is(err, core.ErrPortClosed) {
		return failed(cmd.ID, err)
	}
	result := PortProcessResult{
		Verdict: res.Verdict.String(),
		Cached:  res.Cached,
		Layer:   res.Layer,
		Frame:   out,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return Response{ID: cmd.ID, Result: result}
}

// FwAddParams represents parameters for fw_add.
type FwAddParams struct {
	Port string             `json:"port"`
	Rule oxide.FirewallRule `json:"rule"`
}

func (h *CommandHandler) handleFwAdd(_ context.Context, cmd Command) Response {
	var params FwAddParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	id, err := h.ports.AddFirewallRule(params.Port, params.Rule)
	if err != nil {
		return failed(cmd.ID, err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"port":    params.Port,
			"rule_id": id,
		},
	}
}

// FwRmParams represents parameters for fw_rm.
type FwRmParams struct {
	Port      string         `json:"port"`
	Direction core.Direction `json:"direction"`
	ID        uint64         `json:"id"`
}

func (h *CommandHandler) handleFwRm(_ context.Context, cmd Command) Response {
	var params FwRmParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if err := h.ports.RemoveFirewallRule(params.Port, params.Direction, params.ID); err != nil {
		return failed(cmd.ID, err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"port":    params.Port,
			"rule_id": params.ID,
			"status":  "removed",
		},
	}
}

// DumpLayerParams represents parameters for dump_layer.
type DumpLayerParams struct {
	Port  string `json:"port"`
	Layer string `json:"layer"`
}

func (h *CommandHandler) handleDumpLayer(_ context.Context, cmd Command) Response {
	var params DumpLayerParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	d, err := h.ports.DumpLayer(params.Port, params.Layer)
	if err != nil {
		return failed(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: d}
}

func (h *CommandHandler) handleDumpUFT(_ context.Context, cmd Command) Response {
	var params PortParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	d, err := h.ports.DumpUFT(params.Port)
	if err != nil {
		return failed(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: d}
}

func (h *CommandHandler) handleDumpTCPFlows(_ context.Context, cmd Command) Response {
	var params PortParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	d, err := h.ports.DumpTCPFlows(params.Port)
	if err != nil {
		return failed(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: d}
}

// StatusResult is the result of daemon_status.
type StatusResult struct {
	Version    string   `json:"version"`
	InstanceID string   `json:"instance_id"`
	UptimeSec  int64    `json:"uptime_sec"`
	PortCount  int      `json:"port_count"`
	Ports      []string `json:"ports"`
}

func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	infos := h.ports.List(false)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return Response{
		ID: cmd.ID,
		Result: StatusResult{
			Version:    config.Version,
			InstanceID: h.instanceID,
			UptimeSec:  int64(time.Since(h.startTime).Seconds()),
			PortCount:  len(names),
			Ports:      names,
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	log.GetLogger().Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}
