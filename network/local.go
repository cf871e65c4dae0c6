package network

import (
	"context"
	"sort"
	"sync"

	"github.com/dsbnet/dsb/broadcast"
	"github.com/dsbnet/dsb/membership"
)

// Local is a simulated in-memory network. Sends enqueue packets; nothing is
// delivered until the caller pumps the queue with Step or Settle, so tests
// control interleaving exactly and a send made while an engine holds its own
// lock can never re-enter it.
//
// A DropRule can silently discard packets to model a lossy or partitioned
// network. Rejected envelopes are counted per receiving actor, which is how
// adversarial tests observe that faulty traffic was refused.
type Local struct {
	mtx     sync.Mutex
	nodes   map[membership.Actor]Notifiee
	queue   []packet
	drop    DropRule
	sent    uint64
	invalid map[membership.Actor]uint64
}

// DropRule decides whether a packet from one actor to another is lost.
// Broadcasts fan out into one packet per recipient, so the rule sees every
// leg individually.
type DropRule func(from, to membership.Actor, env broadcast.Envelope) bool

type packet struct {
	from, to membership.Actor
	env      broadcast.Envelope
}

func NewLocal() *Local {
	return &Local{
		nodes:   make(map[membership.Actor]Notifiee),
		invalid: make(map[membership.Actor]uint64),
	}
}

// Join registers an actor's engine and returns the Sender bound to it.
func (l *Local) Join(actor membership.Actor, notifiee Notifiee) broadcast.Sender {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.nodes[actor] = notifiee
	return &localSender{net: l, from: actor}
}

// SetDropRule installs a loss/partition model. Passing nil restores reliable
// delivery.
func (l *Local) SetDropRule(rule DropRule) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.drop = rule
}

// Step delivers the oldest queued packet. It reports false once the queue is
// empty.
func (l *Local) Step(ctx context.Context) bool {
	l.mtx.Lock()
	if len(l.queue) == 0 {
		l.mtx.Unlock()
		return false
	}
	p := l.queue[0]
	l.queue = l.queue[1:]
	notifiee, ok := l.nodes[p.to]
	l.mtx.Unlock()
	if !ok {
		return true
	}

	if err := notifiee.Receive(ctx, p.env); err != nil {
		l.mtx.Lock()
		l.invalid[p.to]++
		l.mtx.Unlock()
	}
	return true
}

// Settle pumps the queue until it drains, returning the number of packets
// delivered. Deliveries can enqueue further packets; those are drained too.
func (l *Local) Settle(ctx context.Context) int {
	delivered := 0
	for l.Step(ctx) {
		delivered++
	}
	return delivered
}

// QueueLen returns the number of undelivered packets.
func (l *Local) QueueLen() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.queue)
}

// Sent returns the total number of packets enqueued over the network's
// lifetime, dropped ones included.
func (l *Local) Sent() uint64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.sent
}

// Rejected returns how many envelopes the given actor's engine refused.
func (l *Local) Rejected(actor membership.Actor) uint64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.invalid[actor]
}

func (l *Local) enqueue(from, to membership.Actor, env broadcast.Envelope) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.sent++
	if l.drop != nil && l.drop(from, to, env) {
		return
	}
	l.queue = append(l.queue, packet{from: from, to: to, env: env})
}

// recipients returns every registered actor except the sender, in sorted
// order so broadcast fan-out is deterministic.
func (l *Local) recipients(from membership.Actor) []membership.Actor {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	actors := make([]membership.Actor, 0, len(l.nodes))
	for actor := range l.nodes {
		if actor != from {
			actors = append(actors, actor)
		}
	}
	sort.Slice(actors, func(i, j int) bool {
		return actors[i].Compare(actors[j]) < 0
	})
	return actors
}

type localSender struct {
	net  *Local
	from membership.Actor
}

var _ broadcast.Sender = (*localSender)(nil)

func (s *localSender) Send(_ context.Context, to membership.Actor, env broadcast.Envelope) error {
	s.net.enqueue(s.from, to, env)
	return nil
}

func (s *localSender) Broadcast(_ context.Context, env broadcast.Envelope) error {
	for _, to := range s.net.recipients(s.from) {
		s.net.enqueue(s.from, to, env)
	}
	return nil
}
