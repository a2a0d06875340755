package rule

import (
	"fmt"
	"sort"

	"github.com/jmpesp/opte/internal/core"
)

// Rule pairs conjunctive predicates with an action. A lower Priority value
// takes precedence; equal priorities are evaluated in insertion order.
type Rule struct {
	ID         uint64      `json:"id"`
	Priority   uint16      `json:"priority"`
	Predicates []Predicate `json:"predicates"`
	Action     Action      `json:"action"`

	seq uint64
}

// Matches reports whether every predicate matches. A rule without
// predicates matches everything.
func (r *Rule) Matches(pkt *core.Packet) bool {
	for i := range r.Predicates {
		if !r.Predicates[i].Matches(pkt) {
			return false
		}
	}
	return true
}

// Validate checks every predicate and the action.
func (r *Rule) Validate() error {
	for _, p := range r.Predicates {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return r.Action.Validate()
}

// Dump is the display form of a rule.
type Dump struct {
	ID         uint64   `json:"id"`
	Priority   uint16   `json:"priority"`
	Predicates []string `json:"predicates"`
	Action     string   `json:"action"`
}

// Dump renders the rule for dumps.
func (r *Rule) Dump() Dump {
	preds := make([]string, len(r.Predicates))
	for i, p := range r.Predicates {
		preds[i] = p.String()
	}
	return Dump{ID: r.ID, Priority: r.Priority, Predicates: preds, Action: r.Action.String()}
}

// Set is a priority-ordered list of rules for one layer direction.
// It is not synchronized; the owning layer guards it.
type Set struct {
	rules  []*Rule
	nextID uint64
	seq    uint64
}

// NewSet creates an empty rule set.
func NewSet() *Set {
	return &Set{nextID: 1}
}

// Add validates r and inserts it in evaluation order. A zero ID is replaced
// by the next free id. On error the set is left unchanged.
func (s *Set) Add(r Rule) (uint64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if r.ID == 0 {
		r.ID = s.nextID
	} else if s.index(r.ID) >= 0 {
		return 0, fmt.Errorf("%w: %d", core.ErrDuplicateRule, r.ID)
	}
	if r.ID >= s.nextID {
		s.nextID = r.ID + 1
	}
	s.seq++
	r.seq = s.seq
	r.Predicates = append([]Predicate(nil), r.Predicates...)

	at := sort.Search(len(s.rules), func(i int) bool {
		return s.rules[i].Priority > r.Priority
	})
	s.rules = append(s.rules, nil)
	copy(s.rules[at+1:], s.rules[at:])
	s.rules[at] = &r
	return r.ID, nil
}

// Remove deletes the rule with the given id.
func (s *Set) Remove(id uint64) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", core.ErrRuleNotFound, id)
	}
	s.rules = append(s.rules[:i], s.rules[i+1:]...)
	return nil
}

func (s *Set) index(id uint64) int {
	for i, r := range s.rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Select returns the first matching rule in evaluation order.
func (s *Set) Select(pkt *core.Packet) (*Rule, bool) {
	for _, r := range s.rules {
		if r.Matches(pkt) {
			return r, true
		}
	}
	return nil, false
}

// Len returns the number of rules.
func (s *Set) Len() int { return len(s.rules) }

// Dump lists the rules in evaluation order.
func (s *Set) Dump() []Dump {
	out := make([]Dump, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Dump()
	}
	return out
}
