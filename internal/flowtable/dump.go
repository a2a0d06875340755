package flowtable

import (
	"time"

	"github.com/jmpesp/opte/internal/core"
)

// FlowDump is the display form of one flow entry.
type FlowDump struct {
	Flow     core.FlowID `json:"flow"`
	Hits     uint64      `json:"hits"`
	State    string      `json:"state"`
	Created  time.Time   `json:"created"`
	LastSeen time.Time   `json:"last_seen"`
}

// TableDump is the display form of one direction of a table.
type TableDump struct {
	NumFlows int        `json:"num_flows"`
	Limit    int        `json:"limit"`
	Flows    []FlowDump `json:"flows"`
}

// DumpFlows renders snapshots of a flow-keyed table; summary renders each value.
func DumpFlows[V any](t *Table[core.FlowID, V], summary func(V) string) TableDump {
	snaps := t.Dump()
	out := TableDump{NumFlows: len(snaps), Limit: t.Limit(), Flows: make([]FlowDump, len(snaps))}
	for i, s := range snaps {
		out.Flows[i] = FlowDump{
			Flow:     s.Key,
			Hits:     s.Hits,
			State:    summary(s.Value),
			Created:  s.Created,
			LastSeen: s.LastSeen,
		}
	}
	return out
}
