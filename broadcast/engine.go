package broadcast

import (
	"context"
	"crypto"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dsbnet/dsb/membership"
	"github.com/dsbnet/dsb/pkg/app"
	"github.com/dsbnet/dsb/pkg/sign"
)

// Engine is the per-actor secure broadcast process. It turns candidate
// operations into Byzantine-quorum-certified ones and delivers them, exactly
// once and in a deterministic order, to the wrapped data type.
//
// In order to function it depends on a networking implementation completing
// the Sender interface, a data type implementing app.DataType for validating
// and executing operations, and a signer holding the actor's private key.
//
// The engine is logically single threaded: every state transition is
// serialized behind one mutex, so the handle methods may be called from any
// goroutine. None of them block on I/O beyond the best-effort sends of the
// transport; waiting for a quorum that has not yet formed is expressed by the
// handlers simply not producing a certificate.
type Engine struct {
	mtx sync.Mutex

	// signer holds the local actor's private key and is used to sign ops
	// and votes originated by this process.
	signer sign.Signer
	actor  membership.Actor

	// dt is the replicated data type secured by the engine. It is only
	// ever invoked with fully certified operations.
	dt app.DataType

	// set is the current membership view. It is immutable and is swapped
	// atomically when a reconfiguration certificate is delivered.
	set *membership.Set

	// tally accumulates votes for in-flight ops of the current generation.
	// It is discarded wholesale when the generation advances: its counts
	// are meaningless under the new quorum.
	tally *tally

	// pendingReconfig is the op id of the single reconfiguration allowed
	// in flight, nil when there is none.
	pendingReconfig *OpID

	// future buffers artifacts from generations ahead of ours until local
	// catch-up. Artifacts behind our generation are rejected instead.
	future map[membership.Generation][]Envelope

	// log is the append-only record of delivered certificates.
	log *deliveryLog

	sender   Sender
	verifier *Verifier
	store    Store
	observer EquivocationObserver

	hasher   crypto.Hash
	verify   membership.VerifyFunc
	ordering Ordering
	logger   zerolog.Logger
}

// New creates an engine for one actor. The genesis set is the bootstrap
// membership view; all actors of a network must start from the same one.
func New(signer sign.Signer, dt app.DataType, genesis *membership.Set, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		signer:   signer,
		actor:    signer.Actor(),
		dt:       dt,
		set:      genesis,
		tally:    newTally(),
		future:   make(map[membership.Generation][]Envelope),
		sender:   sender,
		hasher:   DefaultHashFunc,
		verify:   membership.DefaultVerifyFunc(),
		ordering: DefaultOrdering(),
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.verifier = NewVerifier(e.hasher, e.verify)
	e.log = newDeliveryLog(e.ordering)
	return e
}

// Actor returns the local actor's identity.
func (e *Engine) Actor() membership.Actor {
	return e.actor
}

// Generation returns the current membership generation.
func (e *Engine) Generation() membership.Generation {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.set.Generation()
}

// Members returns the current voting group.
func (e *Engine) Members() []membership.Actor {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.set.Members()
}

// MembershipSet returns the current immutable membership view.
func (e *Engine) MembershipSet() *membership.Set {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.set
}

// Delivered returns a copy of the delivery log in delivery order.
func (e *Engine) Delivered() []Entry {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.log.all()
}

// Propose builds an op for the wrapped data type at the current generation,
// broadcasts it and treats it locally as an inbound op, casting the self
// vote. It fails with ErrStaleGeneration while a reconfiguration is pending
// commit, since the post-commit membership view would be ambiguous.
func (e *Engine) Propose(ctx context.Context, data []byte) (*Op, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.pendingReconfig != nil {
		return nil, fmt.Errorf("%w: reconfiguration pending commit", ErrStaleGeneration)
	}
	return e.propose(ctx, DataPayload(data))
}

// ProposeAdd proposes that actor join the voting group from the next
// generation. The proposer sponsors the candidate: a process cannot vote
// itself in.
func (e *Engine) ProposeAdd(ctx context.Context, actor membership.Actor) (*Op, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.pendingReconfig != nil {
		return nil, ErrReconfigurationInProgress
	}
	if _, err := e.set.WithAdd(actor); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, err)
	}
	return e.propose(ctx, AddPayload(actor))
}

// ProposeRemove proposes that actor leave the voting group from the next
// generation. Removals that would leave fewer than membership.MinSize members
// are rejected before any vote is cast.
func (e *Engine) ProposeRemove(ctx context.Context, actor membership.Actor) (*Op, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.pendingReconfig != nil {
		return nil, ErrReconfigurationInProgress
	}
	if _, err := e.set.WithRemove(actor); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, err)
	}
	return e.propose(ctx, RemovePayload(actor))
}

func (e *Engine) propose(ctx context.Context, payload Payload) (*Op, error) {
	if !e.set.Contains(e.actor) {
		return nil, fmt.Errorf("%w: local actor %s is not a voting member", ErrInvalidOperation, e.actor)
	}

	op := &Op{
		Source:     e.actor,
		Generation: e.set.Generation(),
		Payload:    payload,
	}
	signature, err := e.signer.Sign(op.SignBytes())
	if err != nil {
		return nil, fmt.Errorf("signing op: %w", err)
	}
	op.Signature = signature

	e.logger.Debug().
		Stringer("op", op).
		Msg("initiating secure broadcast")

	if err := e.sender.Broadcast(ctx, Envelope{Op: op}); err != nil {
		return nil, fmt.Errorf("broadcasting op: %w", err)
	}

	// treat our own op exactly as an inbound one: validate, self-vote
	// and broadcast the vote
	if err := e.handleOp(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// RequestSync asks a peer for everything certified past our generation. The
// peer answers with a SyncResponse which is verified like any other inbound
// artifact; this is also how a freshly bootstrapped process onboards.
func (e *Engine) RequestSync(ctx context.Context, peer membership.Actor) error {
	e.mtx.Lock()
	gen := e.set.Generation()
	e.mtx.Unlock()
	return e.sender.Send(ctx, peer, Envelope{SyncRequest: &SyncRequest{
		From:       e.actor,
		Generation: gen,
	}})
}

// Restore replays previously persisted entries through the regular
// certificate path, re-verifying each one. It is meant to be called once,
// after New and before the engine is attached to a live transport.
func (e *Engine) Restore(ctx context.Context, entries []Entry) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for i := range entries {
		qc := entries[i].QC
		if err := e.handleQC(ctx, &qc); err != nil {
			return fmt.Errorf("restoring entry %d: %w", i, err)
		}
	}
	return nil
}
