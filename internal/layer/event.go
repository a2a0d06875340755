package layer

import (
	"time"

	"github.com/jmpesp/opte/internal/core"
)

// EventKind distinguishes flow lifecycle events.
type EventKind uint8

const (
	EventFlowCreated EventKind = iota + 1
	EventFlowRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventFlowCreated:
		return "created"
	case EventFlowRemoved:
		return "removed"
	}
	return "unknown"
}

// Event reports a flow table entry being created or removed.
type Event struct {
	Kind   EventKind
	Port   string // filled in by the owning port
	Layer  string
	Flow   core.FlowID
	Action string
	At     time.Time
}

// Observer receives flow events. It is called on the data path and must not block.
type Observer func(Event)
