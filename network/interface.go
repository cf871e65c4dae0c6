package network

import (
	"context"
	"io"

	"github.com/dsbnet/dsb/broadcast"
)

// Transport moves envelopes between actors. It must make a best effort to
// eventually propagate broadcasts to all non-faulty members; whether that is
// done by flooding, gossip or direct connections is left to the implementer.
// Delivery is not guaranteed and no acknowledgments are required: the
// broadcast protocol is designed to reach quorum despite loss and reordering.
type Transport interface {
	io.Closer
	broadcast.Sender
	Notifier
}

type Notifier interface {
	// Notify registers the Notifiee that receives inbound envelopes. Any
	// non-nil error returned from Receive rejects the envelope as invalid.
	Notify(Notifiee)
}

// Notifiee consumes inbound envelopes. *broadcast.Engine satisfies this.
type Notifiee interface {
	Receive(context.Context, broadcast.Envelope) error
}
