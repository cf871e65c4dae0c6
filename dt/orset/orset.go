// Package orset wraps an add-wins observed-remove set so it can be secured by
// the broadcast engine. It is both a usable CRDT and the reference example of
// the app.DataType contract: Validate carries the set's own Byzantine checks,
// Apply is deterministic and total over validated operations.
package orset

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dsbnet/dsb/membership"
	"github.com/dsbnet/dsb/pkg/app"
)

const (
	kindAdd    = "add"
	kindRemove = "remove"
)

var (
	ErrMalformedOp = errors.New("malformed orset op")
	ErrForgedTag   = errors.New("tag was not minted by the op source")
	ErrReusedTag   = errors.New("tag has already been used")
)

// Tag uniquely identifies one addition of a value. Removals name the tags
// they have observed, which is what makes concurrent adds win over removes.
type Tag struct {
	Actor   membership.Actor `json:"actor"`
	Counter uint64           `json:"counter"`
}

// Op is the wire form of a set operation.
type Op struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	// Tag is set for additions
	Tag Tag `json:"tag,omitempty"`
	// Tags is set for removals: the observed tags being removed
	Tags []Tag `json:"tags,omitempty"`
}

var _ app.DataType = (*ORSet)(nil)

// ORSet is one actor's replica of the set.
type ORSet struct {
	mtx   sync.Mutex
	actor membership.Actor
	// elements maps a value to the tags currently supporting it
	elements map[string]map[Tag]struct{}
	// used records every tag ever applied, for replay protection
	used map[Tag]struct{}
	// next is the counter for tags this replica mints
	next uint64
}

func New(actor membership.Actor) *ORSet {
	return &ORSet{
		actor:    actor,
		elements: make(map[string]map[Tag]struct{}),
		used:     make(map[Tag]struct{}),
	}
}

// Add builds an addition op for value, ready to be proposed.
func (s *ORSet) Add(value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: empty value", ErrMalformedOp)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.next++
	return json.Marshal(Op{
		Kind:  kindAdd,
		Value: value,
		Tag:   Tag{Actor: s.actor, Counter: s.next},
	})
}

// Remove builds a removal op covering every tag this replica has observed for
// value. Adds certified concurrently carry unobserved tags and therefore
// survive: add wins.
func (s *ORSet) Remove(value string) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	tags, ok := s.elements[value]
	if !ok {
		return nil, fmt.Errorf("%w: value %q not in set", ErrMalformedOp, value)
	}
	observed := make([]Tag, 0, len(tags))
	for tag := range tags {
		observed = append(observed, tag)
	}
	sort.Slice(observed, func(i, j int) bool {
		if observed[i].Actor != observed[j].Actor {
			return observed[i].Actor.Compare(observed[j].Actor) < 0
		}
		return observed[i].Counter < observed[j].Counter
	})
	return json.Marshal(Op{
		Kind:  kindRemove,
		Value: value,
		Tags:  observed,
	})
}

// Contains reports whether value is currently in the set.
func (s *ORSet) Contains(value string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.elements[value]) > 0
}

// Values returns the current contents in sorted order.
func (s *ORSet) Values() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	values := make([]string, 0, len(s.elements))
	for value, tags := range s.elements {
		if len(tags) > 0 {
			values = append(values, value)
		}
	}
	sort.Strings(values)
	return values
}

// Validate implements app.DataType.
func (s *ORSet) Validate(source membership.Actor, raw []byte) error {
	op, err := decode(raw)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch op.Kind {
	case kindAdd:
		if op.Tag.Actor != source {
			return fmt.Errorf("%w: tag actor %s, source %s", ErrForgedTag, op.Tag.Actor, source)
		}
		if _, ok := s.used[op.Tag]; ok {
			return fmt.Errorf("%w: %s/%d", ErrReusedTag, op.Tag.Actor, op.Tag.Counter)
		}
	case kindRemove:
		// removing unobserved tags is harmless: Apply treats them as
		// no-ops, preserving add-wins semantics
	}
	return nil
}

// Apply implements app.DataType. It must only be called with certified
// operations and never fails: a malformed certified op indicates a broken
// validation contract and panics.
func (s *ORSet) Apply(raw []byte) {
	op, err := decode(raw)
	if err != nil {
		panic(fmt.Sprintf("orset: applying op that could not have validated: %v", err))
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch op.Kind {
	case kindAdd:
		tags, ok := s.elements[op.Value]
		if !ok {
			tags = make(map[Tag]struct{})
			s.elements[op.Value] = tags
		}
		tags[op.Tag] = struct{}{}
		s.used[op.Tag] = struct{}{}
		if op.Tag.Actor == s.actor && op.Tag.Counter > s.next {
			s.next = op.Tag.Counter
		}
	case kindRemove:
		tags, ok := s.elements[op.Value]
		if !ok {
			return
		}
		for _, tag := range op.Tags {
			delete(tags, tag)
		}
		if len(tags) == 0 {
			delete(s.elements, op.Value)
		}
	}
}

func decode(raw []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(raw, &op); err != nil {
		return op, fmt.Errorf("%w: %s", ErrMalformedOp, err)
	}
	if op.Value == "" {
		return op, fmt.Errorf("%w: empty value", ErrMalformedOp)
	}
	switch op.Kind {
	case kindAdd, kindRemove:
		return op, nil
	default:
		return op, fmt.Errorf("%w: unknown kind %q", ErrMalformedOp, op.Kind)
	}
}
