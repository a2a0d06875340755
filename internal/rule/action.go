package rule

import (
	"fmt"
	"strings"

	"github.com/jmpesp/opte/internal/core"
)

// ActionKind is the closed set of things a rule can do to a packet.
type ActionKind uint8

const (
	// ActionAllow passes the packet unmodified.
	ActionAllow ActionKind = iota + 1
	// ActionStatefulAllow passes the packet and admits its return traffic.
	ActionStatefulAllow
	// ActionDeny drops the packet.
	ActionDeny
	// ActionRewrite applies a static header transform.
	ActionRewrite
	// ActionDynNAT allocates a public endpoint from the layer's NAT pool.
	ActionDynNAT
	// ActionRoute resolves the next-hop MAC from the neighbor table.
	ActionRoute
	// ActionArpReply answers an ARP request in place with MAC.
	ActionArpReply
	// ActionArpLearn records the ARP sender in the neighbor table and passes the packet.
	ActionArpLearn
)

var actionNames = map[ActionKind]string{
	ActionAllow:         "allow",
	ActionStatefulAllow: "stateful-allow",
	ActionDeny:          "deny",
	ActionRewrite:       "rewrite",
	ActionDynNAT:        "dyn-nat",
	ActionRoute:         "route",
	ActionArpReply:      "arp-reply",
	ActionArpLearn:      "arp-learn",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

func (k ActionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ActionKind) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for kind, name := range actionNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", core.ErrInvalidAction, s)
}

// Action is a tagged variant; the payload fields used depend on Kind.
type Action struct {
	Kind      ActionKind     `json:"kind"`
	Transform core.Transform `json:"transform,omitempty"`
	MAC       core.MAC       `json:"mac,omitempty"`
}

func Allow() Action         { return Action{Kind: ActionAllow} }
func StatefulAllow() Action { return Action{Kind: ActionStatefulAllow} }
func Deny() Action          { return Action{Kind: ActionDeny} }
func DynNAT() Action        { return Action{Kind: ActionDynNAT} }
func Route() Action         { return Action{Kind: ActionRoute} }
func ArpLearn() Action      { return Action{Kind: ActionArpLearn} }

func Rewrite(t core.Transform) Action { return Action{Kind: ActionRewrite, Transform: t} }
func ArpReply(mac core.MAC) Action    { return Action{Kind: ActionArpReply, MAC: mac} }

// ParseAction accepts the action names used on the command line.
func ParseAction(s string) (Action, error) {
	var k ActionKind
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Action{}, err
	}
	a := Action{Kind: k}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

// Validate checks the payload required by Kind is present.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionAllow, ActionStatefulAllow, ActionDeny, ActionDynNAT, ActionRoute, ActionArpLearn:
		return nil
	case ActionRewrite:
		if a.Transform.IsIdentity() {
			return fmt.Errorf("%w: rewrite without a transform", core.ErrInvalidAction)
		}
		return nil
	case ActionArpReply:
		if a.MAC.IsZero() {
			return fmt.Errorf("%w: arp reply without a mac", core.ErrInvalidAction)
		}
		return nil
	}
	return fmt.Errorf("%w: kind %d", core.ErrInvalidAction, a.Kind)
}

// Passes reports whether the packet continues down the pipeline.
func (a Action) Passes() bool {
	return a.Kind != ActionDeny && a.Kind != ActionArpReply
}

func (a Action) String() string {
	switch a.Kind {
	case ActionAllow:
		return "Allow"
	case ActionStatefulAllow:
		return "Stateful Allow"
	case ActionDeny:
		return "Deny"
	case ActionRewrite:
		return "Rewrite(" + a.Transform.String() + ")"
	case ActionDynNAT:
		return "Dynamic NAT"
	case ActionRoute:
		return "Route"
	case ActionArpReply:
		return "ARP Reply(" + a.MAC.String() + ")"
	case ActionArpLearn:
		return "ARP Learn"
	}
	return a.Kind.String()
}
