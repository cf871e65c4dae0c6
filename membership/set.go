package membership

import (
	"errors"
	"fmt"
	"sort"
)

// Generation identifies a membership epoch. It increases by exactly one with
// every certified reconfiguration and every artifact exchanged by the protocol
// carries the generation it was created under.
type Generation uint64

// MinSize is the smallest voting group that a certified removal may leave
// behind. Below four members the quorum intersection argument collapses
// (n >= 3f+1 with f >= 1 requires n >= 4), so removals that would shrink the
// group further are rejected at validation time.
const MinSize = 4

var (
	ErrAlreadyMember = errors.New("actor is already a member")
	ErrNotMember     = errors.New("actor is not a member")
	ErrBelowMinSize  = fmt.Errorf("removal would shrink membership below %d", MinSize)
)

// Set is an immutable membership view: the actors entitled to vote during one
// generation. A Set is never mutated in place; the only way to derive a new
// one is WithAdd or WithRemove, which bind the result to generation+1. This
// keeps a quorum check from ever observing a half-updated view.
type Set struct {
	gen     Generation
	members []Actor
	index   map[Actor]struct{}
}

// NewSet builds the membership view for a generation. Duplicate actors are
// collapsed and the member list is kept sorted so that iteration order is
// deterministic across processes.
func NewSet(gen Generation, members []Actor) *Set {
	index := make(map[Actor]struct{}, len(members))
	unique := make([]Actor, 0, len(members))
	for _, m := range members {
		if _, ok := index[m]; ok {
			continue
		}
		index[m] = struct{}{}
		unique = append(unique, m)
	}
	sort.Slice(unique, func(i, j int) bool {
		return unique[i].Compare(unique[j]) < 0
	})
	return &Set{
		gen:     gen,
		members: unique,
		index:   index,
	}
}

func (s *Set) Generation() Generation {
	return s.gen
}

func (s *Set) Size() int {
	return len(s.members)
}

// Members returns the member list in sorted order. The returned slice is a
// copy and may be retained by the caller.
func (s *Set) Members() []Actor {
	members := make([]Actor, len(s.members))
	copy(members, s.members)
	return members
}

func (s *Set) Contains(actor Actor) bool {
	_, ok := s.index[actor]
	return ok
}

// Quorum returns the Byzantine quorum threshold floor(2n/3)+1. Any two
// quorums of this size intersect in at least one correct actor given at most
// FaultTolerance faulty members.
func (s *Set) Quorum() int {
	return 2*len(s.members)/3 + 1
}

// FaultTolerance returns the number of Byzantine members the set can
// tolerate, floor((n-1)/3).
func (s *Set) FaultTolerance() int {
	if len(s.members) == 0 {
		return 0
	}
	return (len(s.members) - 1) / 3
}

// WithAdd derives the next generation's set with actor joined.
func (s *Set) WithAdd(actor Actor) (*Set, error) {
	if s.Contains(actor) {
		return nil, fmt.Errorf("adding %s: %w", actor, ErrAlreadyMember)
	}
	return NewSet(s.gen+1, append(s.Members(), actor)), nil
}

// WithRemove derives the next generation's set with actor removed. The
// resulting set must not fall below MinSize.
func (s *Set) WithRemove(actor Actor) (*Set, error) {
	if !s.Contains(actor) {
		return nil, fmt.Errorf("removing %s: %w", actor, ErrNotMember)
	}
	if len(s.members)-1 < MinSize {
		return nil, fmt.Errorf("removing %s: %w", actor, ErrBelowMinSize)
	}
	members := make([]Actor, 0, len(s.members)-1)
	for _, m := range s.members {
		if m != actor {
			members = append(members, m)
		}
	}
	return NewSet(s.gen+1, members), nil
}

// Snapshot is the serializable form of a Set, exchanged for bootstrap and
// catch-up.
type Snapshot struct {
	Generation Generation `json:"generation"`
	Members    []Actor    `json:"members"`
}

func (s *Set) Snapshot() Snapshot {
	return Snapshot{
		Generation: s.gen,
		Members:    s.Members(),
	}
}

func FromSnapshot(snapshot Snapshot) *Set {
	return NewSet(snapshot.Generation, snapshot.Members)
}
