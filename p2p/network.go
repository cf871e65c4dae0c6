package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dsbnet/dsb/broadcast"
	"github.com/dsbnet/dsb/membership"
	"github.com/dsbnet/dsb/network"
)

// Network hands out gossip transports backed by libp2p pubsub. One Network
// can serve several engines as long as each uses its own namespace.
type Network struct {
	ps   *pubsub.PubSub
	self membership.Actor
}

func NewNetwork(ps *pubsub.PubSub, self membership.Actor) *Network {
	return &Network{
		ps:   ps,
		self: self,
	}
}

// Gossip joins the pubsub topic for the given namespace and returns the
// transport bound to it.
func (n *Network) Gossip(namespace string) (network.Transport, error) {
	topic, err := n.ps.Join(namespace)
	if err != nil {
		return nil, fmt.Errorf("joining topic %q: %w", namespace, err)
	}
	g := &Gossip{
		ps:   n.ps,
		tp:   topic,
		self: n.self,
	}
	if err := g.ensureSubscribed(); err != nil {
		return nil, err
	}
	return g, nil
}

// Gossip is a network.Transport over one pubsub topic. Unicast rides the same
// topic: the wire message names a destination actor and everyone else ignores
// it. Messages fail validation at the pubsub layer when the engine rejects
// them, which stops invalid envelopes from propagating further through the
// mesh.
type Gossip struct {
	ps   *pubsub.PubSub
	tp   *pubsub.Topic
	sub  *pubsub.Subscription
	self membership.Actor
}

var _ network.Transport = (*Gossip)(nil)

// wireMessage is the on-wire frame: the envelope plus an optional unicast
// destination.
type wireMessage struct {
	To       *membership.Actor  `json:"to,omitempty"`
	Envelope broadcast.Envelope `json:"envelope"`
}

func (g *Gossip) Send(ctx context.Context, to membership.Actor, env broadcast.Envelope) error {
	return g.publish(ctx, wireMessage{To: &to, Envelope: env})
}

func (g *Gossip) Broadcast(ctx context.Context, env broadcast.Envelope) error {
	return g.publish(ctx, wireMessage{Envelope: env})
}

func (g *Gossip) publish(ctx context.Context, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	// so that we publish when we have at least one peer
	opt := pubsub.WithReadiness(pubsub.MinTopicSize(1))
	return g.tp.Publish(ctx, data, opt)
}

func (g *Gossip) Notify(notifiee network.Notifiee) {
	// error can be safely ignored
	_ = g.ps.RegisterTopicValidator(g.tp.String(), func(ctx context.Context, _ peer.ID, pmsg *pubsub.Message) pubsub.ValidationResult {
		var msg wireMessage
		if err := json.Unmarshal(pmsg.Data, &msg); err != nil {
			return pubsub.ValidationReject
		}

		if msg.To != nil && *msg.To != g.self {
			// unicast for somebody else; let it propagate without
			// handling it ourselves
			return pubsub.ValidationAccept
		}

		if err := notifiee.Receive(ctx, msg.Envelope); err != nil {
			return pubsub.ValidationReject
		}
		return pubsub.ValidationAccept
	})
}

func (g *Gossip) Close() (err error) {
	g.sub.Cancel()
	err = errors.Join(err, g.ps.UnregisterTopicValidator(g.tp.String()))
	err = errors.Join(err, g.tp.Close())
	return err
}

// ensureSubscribed maintains one and only one subscription for the topic.
// PubSub requires at least one subscription in order to deliver messages;
// actual handling happens in the topic validator, so the subscription's
// messages are drained and discarded.
func (g *Gossip) ensureSubscribed() error {
	sub, err := g.tp.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to topic %q: %w", g.tp.String(), err)
	}
	g.sub = sub
	go func() {
		for {
			if _, err := sub.Next(context.Background()); err != nil {
				return
			}
		}
	}()
	return nil
}
