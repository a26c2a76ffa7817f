package ice

import (
	"fmt"
	"sort"
)

// PairState tracks a candidate pair through the check schedule.
type PairState int

const (
	// Frozen pairs have not been scheduled yet.
	Frozen PairState = iota
	// Waiting pairs are next in line for a connectivity check.
	Waiting
	// InProgress pairs have an outstanding check.
	InProgress
	// Succeeded pairs completed a check with a valid response.
	Succeeded
	// Failed pairs exhausted their retransmit schedule.
	Failed
)

func (s PairState) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pair couples one local and one remote candidate.
type Pair struct {
	Local  *Candidate
	Remote *Candidate
	State  PairState

	// Priority is computed once at pairing time from the agent's role.
	Priority uint64

	// Nominated is set when this pair carries or receives a
	// USE-CANDIDATE check.
	Nominated bool
}

// PairPriority implements the RFC 8445 pair priority formula. G is the
// controlling agent's candidate priority, D the controlled agent's.
func PairPriority(g, d uint32) uint64 {
	lo, hi := uint64(g), uint64(d)
	if lo > hi {
		lo, hi = hi, lo
	}
	p := (1<<32)*lo + 2*hi
	if g > d {
		p++
	}
	return p
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s:%d/%s -> %s:%d/%s (%s)",
		p.Local.Address, p.Local.Port, p.Local.Type,
		p.Remote.Address, p.Remote.Port, p.Remote.Type,
		p.State)
}

// formPairs builds the checklist: Cartesian product of local and
// remote candidates with matching component and address family,
// sorted by descending pair priority. The top pair starts Waiting,
// the rest Frozen. Relayed locals are excluded because this agent
// acquires relay candidates for advertisement only.
func formPairs(locals, remotes []*Candidate, controlling bool) []*Pair {
	var pairs []*Pair
	for _, l := range locals {
		if l.Type == Relay {
			continue
		}
		for _, r := range remotes {
			if l.Component != r.Component || !sameFamily(l, r) {
				continue
			}
			g, d := l.Priority, r.Priority
			if !controlling {
				g, d = r.Priority, l.Priority
			}
			pairs = append(pairs, &Pair{
				Local:    l,
				Remote:   r,
				State:    Frozen,
				Priority: PairPriority(g, d),
			})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Priority > pairs[j].Priority
	})
	if len(pairs) > 0 {
		pairs[0].State = Waiting
	}
	return pairs
}
