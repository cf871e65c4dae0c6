package broadcast

import (
	"context"

	"github.com/dsbnet/dsb/membership"
)

type (
	// Sender is the network capability the engine uses to emit envelopes.
	// Both primitives are best-effort: they may silently drop and require
	// no acknowledgment. The engine is designed to reach quorum despite
	// message loss or reordering; retransmission belongs to the transport
	// or to a surrounding retry layer, not to the engine.
	//
	// Implementations must not call back into the engine synchronously
	// from Send or Broadcast.
	Sender interface {
		// Send delivers an envelope to one named actor.
		Send(ctx context.Context, to membership.Actor, env Envelope) error

		// Broadcast delivers an envelope to all current members.
		Broadcast(ctx context.Context, env Envelope) error
	}

	// Store optionally persists the engine's delivery log and membership
	// snapshots as they are produced, so a restarted process can replay
	// its way back via Restore. Persistence is best-effort from the
	// protocol's point of view: a store failure is logged, not fatal.
	Store interface {
		PutEntry(ctx context.Context, entry Entry) error
		PutSnapshot(ctx context.Context, snapshot membership.Snapshot) error
	}

	// EquivocationObserver receives evidence of conflicting votes. The
	// engine discards the offender's votes for the rest of the generation
	// but takes no further unilateral action; removal policy is left to
	// the observer.
	EquivocationObserver func(Evidence)
)
