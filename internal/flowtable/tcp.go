package flowtable

import (
	"sync"

	"github.com/jmpesp/opte/internal/core"
)

// TCPState is the coarse connection phase tracked per flow.
type TCPState uint8

const (
	TCPNew TCPState = iota
	TCPEstablished
	TCPClosing
	TCPClosed
)

func (s TCPState) String() string {
	switch s {
	case TCPNew:
		return "NEW"
	case TCPEstablished:
		return "ESTABLISHED"
	case TCPClosing:
		return "CLOSING"
	case TCPClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

func (s TCPState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TCPTracker drives New → Established → Closing → Closed from observed
// flags. Transitions are serialized per flow.
type TCPTracker struct {
	mu        sync.Mutex
	state     TCPState
	initiator core.Direction
	fin       [2]bool
}

// NewTCPTracker starts tracking a flow opened in the given direction.
func NewTCPTracker(initiator core.Direction) *TCPTracker {
	return &TCPTracker{initiator: initiator}
}

// Observe applies one segment seen travelling in dir and returns the
// states before and after.
func (t *TCPTracker) Observe(dir core.Direction, flags uint8) (prev, next TCPState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev = t.state
	if t.state == TCPClosed {
		return prev, prev
	}
	if flags&core.TCPRst != 0 {
		t.state = TCPClosed
		return prev, t.state
	}

	switch t.state {
	case TCPNew:
		switch {
		case dir != t.initiator && flags&(core.TCPSyn|core.TCPAck) == core.TCPSyn|core.TCPAck:
			t.state = TCPEstablished
		case flags&core.TCPSyn == 0 && flags&core.TCPAck != 0:
			// picked up mid-stream, e.g. after the entry was expired
			t.state = TCPEstablished
		}
	}

	if flags&core.TCPFin != 0 {
		t.fin[dir] = true
		t.state = TCPClosing
		if t.fin[core.DirIn] && t.fin[core.DirOut] {
			t.state = TCPClosed
		}
	}
	return prev, t.state
}

// State returns the current phase.
func (t *TCPTracker) State() TCPState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Initiator returns the direction that opened the flow.
func (t *TCPTracker) Initiator() core.Direction { return t.initiator }
