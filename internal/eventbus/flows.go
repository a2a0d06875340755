package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/log"
)

// TopicFlow carries flow lifecycle events.
const TopicFlow = "flow"

// FlowEvent is the published form of a layer.Event.
type FlowEvent struct {
	ID     string      `json:"id"`
	Kind   string      `json:"kind"`
	Port   string      `json:"port"`
	Layer  string      `json:"layer"`
	Flow   core.FlowID `json:"flow"`
	Action string      `json:"action"`
	At     time.Time   `json:"at"`
}

// FlowKey is the partition key of a flow. Both directions of a connection
// map to the same key, so their events stay ordered.
func FlowKey(port string, id core.FlowID) string {
	a, b := id, id.Reverse()
	a.Dir, b.Dir = core.DirOut, core.DirOut
	ka, kb := a.String(), b.String()
	if kb < ka {
		ka = kb
	}
	return port + "/" + ka
}

// FlowBus publishes flow events from the data path.
type FlowBus struct {
	bus EventBus
}

// NewFlowBus wraps bus.
func NewFlowBus(bus EventBus) *FlowBus {
	return &FlowBus{bus: bus}
}

// Observer returns a layer.Observer feeding the bus. Events that do not
// fit are dropped and counted by the bus.
func (f *FlowBus) Observer() layer.Observer {
	return func(ev layer.Event) {
		fe := &FlowEvent{
			ID:     uuid.NewString(),
			Kind:   ev.Kind.String(),
			Port:   ev.Port,
			Layer:  ev.Layer,
			Flow:   ev.Flow,
			Action: ev.Action,
			At:     ev.At,
		}
		err := f.bus.Publish(&Event{Topic: TopicFlow, Key: FlowKey(ev.Port, ev.Flow), Payload: fe})
		if err != nil && log.GetLogger().IsTraceEnabled() {
			log.GetLogger().WithError(err).Trace("flow event not published")
		}
	}
}

// SubscribeFlows registers handler for flow events.
func (f *FlowBus) SubscribeFlows(handler func(*FlowEvent) error) error {
	return f.bus.Subscribe(TopicFlow, func(event *Event) error {
		fe, ok := event.Payload.(*FlowEvent)
		if !ok {
			return nil
		}
		return handler(fe)
	})
}

// Close closes the underlying bus.
func (f *FlowBus) Close() error {
	return f.bus.Close()
}

// GetStats returns the underlying bus statistics.
func (f *FlowBus) GetStats() *Stats {
	return f.bus.GetStats()
}
