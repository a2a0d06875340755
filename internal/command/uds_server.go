package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/jmpesp/opte/internal/log"
)

const (
	jsonrpcVersion = "2.0"
	// maxMessageSize bounds one request line.
	maxMessageSize = 16 << 20
)

// JSONRPCRequest is one newline-delimited JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse is the reply written for every request line.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// UDSServer serves the control API on a Unix socket, one JSON-RPC request
// per line. Connections are long lived; a client may pipeline requests.
type UDSServer struct {
	path    string
	handler *CommandHandler

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewUDSServer returns a server for the socket at path.
func NewUDSServer(path string, handler *CommandHandler) *UDSServer {
	return &UDSServer{path: path, handler: handler, conns: make(map[net.Conn]struct{})}
}

// Listen creates the socket, replacing a stale one. It is a no-op once
// the socket exists, so callers may bind before Start.
func (s *UDSServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.ln = ln
	log.GetLogger().WithField("socket", s.path).Info("control socket listening")
	return nil
}

// Start serves until ctx is done, then stops.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	go s.serve(ctx)
	<-ctx.Done()
	return s.Stop()
}

func (s *UDSServer) serve(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosing() {
				return
			}
			log.GetLogger().WithError(err).Warn("control accept failed")
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *UDSServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers conn unless the server is stopping.
func (s *UDSServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *UDSServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.wg.Done()
}

func (s *UDSServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)

	in := bufio.NewScanner(conn)
	in.Buffer(make([]byte, 0, 64<<10), maxMessageSize)
	out := json.NewEncoder(conn)

	for in.Scan() {
		if err := out.Encode(s.dispatch(ctx, in.Bytes())); err != nil {
			log.GetLogger().WithError(err).Debug("control client went away")
			return
		}
	}
	if err := in.Err(); err != nil {
		log.GetLogger().WithError(err).Debug("control connection read failed")
	}
}

// dispatch decodes one request line and runs it.
func (s *UDSServer) dispatch(ctx context.Context, line []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return JSONRPCResponse{
			JSONRPC: jsonrpcVersion,
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return JSONRPCResponse{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error:   &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "invalid request"},
		}
	}

	resp := s.handler.Handle(ctx, Command{Method: req.Method, Params: req.Params, ID: fmt.Sprint(req.ID)})
	return JSONRPCResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: resp.Result, Error: resp.Error}
}

// Stop closes the socket and all client connections, waits for in-flight
// requests, and removes the socket file.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket %s: %w", s.path, err)
	}
	log.GetLogger().Info("control socket closed")
	return nil
}
