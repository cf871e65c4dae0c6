// Package dsb wires a broadcast engine to a libp2p gossip transport. It is
// the convenience entry point; callers needing a different transport or
// lifecycle compose the broadcast, network and p2p packages directly.
package dsb

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/dsbnet/dsb/broadcast"
	"github.com/dsbnet/dsb/membership"
	"github.com/dsbnet/dsb/network"
	"github.com/dsbnet/dsb/p2p"
	"github.com/dsbnet/dsb/pkg/app"
	"github.com/dsbnet/dsb/pkg/sign"
)

// New creates an engine for the given actor over a pubsub topic named by
// namespace and attaches it to the transport. The caller owns the returned
// transport and must Close it to leave the topic.
func New(
	ps *pubsub.PubSub,
	namespace string,
	signer sign.Signer,
	dt app.DataType,
	genesis *membership.Set,
	opts ...broadcast.Option,
) (*broadcast.Engine, network.Transport, error) {
	gossip, err := p2p.NewNetwork(ps, signer.Actor()).Gossip(namespace)
	if err != nil {
		return nil, nil, err
	}
	engine := broadcast.New(signer, dt, genesis, gossip, opts...)
	gossip.Notify(engine)
	return engine, gossip, nil
}
