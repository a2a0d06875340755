package port

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/metrics"
	"github.com/jmpesp/opte/internal/oxide"
)

// Manager is the registry of live ports.
type Manager struct {
	mu    sync.RWMutex
	ports map[string]*Port // name → Port

	opts Options
}

// NewManager creates a manager building ports with opts.
func NewManager(opts Options) *Manager {
	return &Manager{
		ports: make(map[string]*Port),
		opts:  opts,
	}
}

// Register builds a port from cfg and makes it reachable by name.
func (m *Manager) Register(cfg Config) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ports[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", core.ErrPortExists, cfg.Name)
	}

	p, err := New(cfg, m.opts)
	if err != nil {
		return nil, err
	}
	m.ports[cfg.Name] = p
	metrics.PortsRegistered.Set(float64(len(m.ports)))

	log.ForPort(cfg.Name).WithFields(map[string]interface{}{
		"ip":     cfg.PrivateIP.String(),
		"mac":    cfg.PrivateMAC.String(),
		"subnet": cfg.VPCSubnet.String(),
	}).Info("port registered")
	return p, nil
}

// Unregister removes the port from the registry, then closes it. Packets
// already inside the port finish before its NAT mappings are released.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	p, ok := m.ports[name]
	if ok {
		delete(m.ports, name)
		metrics.PortsRegistered.Set(float64(len(m.ports)))
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrPortNotFound, name)
	}
	p.Close()
	log.ForPort(name).Info("port unregistered")
	return nil
}

// Get returns the named port.
func (m *Manager) Get(name string) (*Port, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.ports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrPortNotFound, name)
	}
	return p, nil
}

// Len returns the number of registered ports.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ports)
}

func (m *Manager) snapshot() []*Port {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Port, 0, len(m.ports))
	for _, p := range m.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// List summarizes every port, ordered by name.
func (m *Manager) List(detail bool) []Info {
	ports := m.snapshot()
	out := make([]Info, len(ports))
	for i, p := range ports {
		out[i] = p.Info(detail)
	}
	return out
}

// Process runs pkt through the named port.
func (m *Manager) Process(name string, dir core.Direction, pkt *core.Packet) (Result, error) {
	p, err := m.Get(name)
	if err != nil {
		return Result{Verdict: layer.VerdictDrop}, err
	}
	return p.Process(dir, pkt)
}

// AddFirewallRule adds r to the named port's firewall.
func (m *Manager) AddFirewallRule(name string, r oxide.FirewallRule) (uint64, error) {
	p, err := m.Get(name)
	if err != nil {
		return 0, err
	}
	return p.AddFirewallRule(r)
}

// RemoveFirewallRule deletes rule id from the named port's firewall.
func (m *Manager) RemoveFirewallRule(name string, dir core.Direction, id uint64) error {
	p, err := m.Get(name)
	if err != nil {
		return err
	}
	return p.RemoveFirewallRule(dir, id)
}

// DumpLayer snapshots one layer of the named port.
func (m *Manager) DumpLayer(name, layerName string) (layer.Dump, error) {
	p, err := m.Get(name)
	if err != nil {
		return layer.Dump{}, err
	}
	return p.DumpLayer(layerName)
}

// DumpUFT snapshots the named port's unified flow table.
func (m *Manager) DumpUFT(name string) (UFTDump, error) {
	p, err := m.Get(name)
	if err != nil {
		return UFTDump{}, err
	}
	return p.DumpUFT(), nil
}

// DumpTCPFlows snapshots the named port's TCP trackers.
func (m *Manager) DumpTCPFlows(name string) (flowtable.TableDump, error) {
	p, err := m.Get(name)
	if err != nil {
		return flowtable.TableDump{}, err
	}
	return p.DumpTCPFlows(), nil
}

// ExpireIdle sweeps every port and returns the number of entries removed.
func (m *Manager) ExpireIdle(now time.Time, idle time.Duration) int {
	n := 0
	for _, p := range m.snapshot() {
		n += p.ExpireIdle(now, idle)
	}
	return n
}

// CloseAll unregisters every port.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ports := m.ports
	m.ports = make(map[string]*Port)
	metrics.PortsRegistered.Set(0)
	m.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
}

// ProcessFrame runs a raw frame through the named port.
func (m *Manager) ProcessFrame(name string, dir core.Direction, frame []byte) ([]byte, Result, error) {
	p, err := m.Get(name)
	if err != nil {
		return nil, Result{Verdict: layer.VerdictDrop}, err
	}
	return p.ProcessFrame(dir, frame)
}
