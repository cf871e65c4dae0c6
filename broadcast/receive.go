package broadcast

import (
	"context"
	"fmt"

	"github.com/dsbnet/dsb/membership"
)

// The future buffer is bounded in both dimensions so a flood of fabricated
// artifacts cannot exhaust memory: at most maxBufferedPerGeneration envelopes
// per generation, and only for generations within maxFutureGenerations of the
// current one. Anything dropped is recovered by the sync protocol.
const (
	maxBufferedPerGeneration = 1024
	maxFutureGenerations     = 8
)

// Receive is the entry point for inbound envelopes pushed by the transport.
// It is concurrently safe; envelopes from one peer should be delivered in
// arrival order, no cross-peer ordering is assumed.
func (e *Engine) Receive(ctx context.Context, env Envelope) error {
	if err := env.ValidateForm(); err != nil {
		return err
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.receive(ctx, env)
}

// HandleOp processes a candidate operation from a peer, voting for it if it
// validates.
func (e *Engine) HandleOp(ctx context.Context, op *Op) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.handleOp(ctx, op)
}

// HandleVote processes a peer's vote, assembling and broadcasting a
// certificate once the tally reaches quorum.
func (e *Engine) HandleVote(ctx context.Context, vote *Vote) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.handleVote(ctx, vote)
}

// HandleQC processes a quorum certificate, delivering its operation if the
// certificate withstands independent re-verification.
func (e *Engine) HandleQC(ctx context.Context, qc *QuorumCertificate) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.handleQC(ctx, qc)
}

func (e *Engine) receive(ctx context.Context, env Envelope) error {
	switch {
	case env.Op != nil:
		return e.handleOp(ctx, env.Op)
	case env.Vote != nil:
		return e.handleVote(ctx, env.Vote)
	case env.QC != nil:
		return e.handleQC(ctx, env.QC)
	case env.SyncRequest != nil:
		return e.handleSyncRequest(ctx, env.SyncRequest)
	case env.SyncResponse != nil:
		return e.handleSyncResponse(ctx, env.SyncResponse)
	default:
		return fmt.Errorf("empty envelope")
	}
}

func (e *Engine) handleOp(ctx context.Context, op *Op) error {
	if err := op.ValidateForm(); err != nil {
		return err
	}
	if err := e.verifier.VerifyOp(op); err != nil {
		return err
	}

	gen := e.set.Generation()
	if op.Generation > gen {
		e.buffer(op.Generation, Envelope{Op: op})
		return nil
	}
	if op.Generation < gen {
		return fmt.Errorf("%w: op from generation %d, at %d", ErrGenerationMismatch, op.Generation, gen)
	}

	opID := e.verifier.OpID(op)
	if e.log.contains(opID) {
		// already certified and delivered
		return nil
	}

	if !e.set.Contains(op.Source) {
		return fmt.Errorf("%w: source %s is not a voting member", ErrInvalidOperation, op.Source)
	}

	if op.Payload.IsReconfig() {
		if e.pendingReconfig != nil && *e.pendingReconfig != opID {
			return ErrReconfigurationInProgress
		}
		if _, err := e.nextSet(op.Payload); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidOperation, err)
		}
	} else {
		if err := e.dt.Validate(op.Source, op.Payload.Data); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidOperation, err)
		}
	}

	e.tally.setOp(opID, op)

	// only members may vote: a process that is not in the current set, a
	// removed member still running or a newcomer that has not caught up,
	// observes the op but must not count itself toward the quorum
	if e.set.Contains(e.actor) && !e.tally.hasVote(opID, e.actor) {
		vote := &Vote{
			Voter:      e.actor,
			OpID:       opID,
			Generation: gen,
		}
		signature, err := e.signer.Sign(vote.SignBytes())
		if err != nil {
			return fmt.Errorf("signing vote: %w", err)
		}
		vote.Signature = signature

		e.tally.add(*vote)

		e.logger.Debug().
			Stringer("op", op).
			Msg("validated op, broadcasting vote")

		if err := e.sender.Broadcast(ctx, Envelope{Vote: vote}); err != nil {
			return fmt.Errorf("broadcasting vote: %w", err)
		}
	}

	if op.Payload.IsReconfig() {
		e.pendingReconfig = &opID
	}

	return e.maybeCertify(ctx, opID)
}

func (e *Engine) handleVote(ctx context.Context, vote *Vote) error {
	if err := vote.ValidateForm(); err != nil {
		return err
	}
	// verified before the generation check so that unsigned garbage never
	// occupies the future buffer
	if err := e.verifier.VerifyVote(vote); err != nil {
		return err
	}

	gen := e.set.Generation()
	if vote.Generation > gen {
		e.buffer(vote.Generation, Envelope{Vote: vote})
		return nil
	}
	if vote.Generation < gen {
		return fmt.Errorf("%w: vote from generation %d, at %d", ErrGenerationMismatch, vote.Generation, gen)
	}

	if e.log.contains(vote.OpID) {
		// late vote for an op we have already delivered
		return nil
	}

	if !e.set.Contains(vote.Voter) {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, vote.Voter)
	}

	switch result, evidence := e.tally.add(*vote); result {
	case voteDuplicate:
		return nil
	case voteFromEquivocator:
		return fmt.Errorf("%w: %s already equivocated this generation", ErrDuplicateOrConflictingVote, vote.Voter)
	case voteConflicting:
		e.logger.Warn().
			Stringer("voter", vote.Voter).
			Stringer("op_id", vote.OpID).
			Uint64("generation", uint64(vote.Generation)).
			Msg("conflicting vote: discarding voter for the generation")
		if e.observer != nil {
			e.observer(*evidence)
		}
		return fmt.Errorf("%w: second vote from %s for %s", ErrDuplicateOrConflictingVote, vote.Voter, vote.OpID)
	}

	return e.maybeCertify(ctx, vote.OpID)
}

// maybeCertify assembles and broadcasts a certificate once the tally for an
// op reaches the quorum threshold and the op itself is known. The certificate
// is then delivered locally like any other.
func (e *Engine) maybeCertify(ctx context.Context, opID OpID) error {
	if e.tally.isCertified(opID) {
		return nil
	}
	op := e.tally.op(opID)
	if op == nil || e.tally.count(opID) < e.set.Quorum() {
		return nil
	}

	qc := &QuorumCertificate{
		Op:    *op,
		Votes: e.tally.collect(opID),
	}
	e.tally.markCertified(opID)

	e.logger.Debug().
		Stringer("op", op).
		Int("votes", len(qc.Votes)).
		Msg("quorum reached, broadcasting certificate")

	if err := e.sender.Broadcast(ctx, Envelope{QC: qc}); err != nil {
		return fmt.Errorf("broadcasting certificate: %w", err)
	}
	return e.deliver(ctx, qc, opID)
}

func (e *Engine) handleQC(ctx context.Context, qc *QuorumCertificate) error {
	if err := qc.ValidateForm(); err != nil {
		return err
	}

	opID := e.verifier.OpID(&qc.Op)
	if e.log.contains(opID) {
		// idempotent delivery
		return nil
	}

	gen := e.set.Generation()
	if qc.Op.Generation > gen {
		e.buffer(qc.Op.Generation, Envelope{QC: qc})
		return nil
	}
	if qc.Op.Generation < gen {
		return fmt.Errorf("%w: certificate from closed generation %d, at %d", ErrGenerationMismatch, qc.Op.Generation, gen)
	}

	if err := e.verifier.VerifyQC(qc, e.set); err != nil {
		return err
	}
	return e.deliver(ctx, qc, opID)
}

// deliver appends a verified certificate to the delivery log and hands the
// operation to the data type, or, for reconfigurations, swaps in the next
// generation's membership set.
func (e *Engine) deliver(ctx context.Context, qc *QuorumCertificate, opID OpID) error {
	var next *membership.Set
	if qc.Op.Payload.IsReconfig() {
		var err error
		if next, err = e.nextSet(qc.Op.Payload); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidOperation, err)
		}
	}

	entry := Entry{
		Generation: qc.Op.Generation,
		OpID:       opID,
		QC:         *qc,
	}
	e.log.insert(entry)
	e.tally.drop(opID)

	if e.store != nil {
		if err := e.store.PutEntry(ctx, entry); err != nil {
			e.logger.Error().Err(err).Stringer("op_id", opID).Msg("persisting delivery log entry")
		}
	}

	e.logger.Info().
		Stringer("op", &qc.Op).
		Stringer("op_id", opID).
		Msg("delivered certified op")

	if next == nil {
		e.dt.Apply(qc.Op.Payload.Data)
		return nil
	}
	return e.advanceGeneration(ctx, next)
}

// advanceGeneration closes the current generation: the membership view is
// replaced, pending tallies are cleared (they are meaningless under the new
// quorum) and buffered artifacts for the new generation are replayed.
func (e *Engine) advanceGeneration(ctx context.Context, next *membership.Set) error {
	e.set = next
	e.tally = newTally()
	e.pendingReconfig = nil

	e.logger.Info().
		Uint64("generation", uint64(next.Generation())).
		Int("members", next.Size()).
		Msg("membership reconfigured")

	if e.store != nil {
		if err := e.store.PutSnapshot(ctx, next.Snapshot()); err != nil {
			e.logger.Error().Err(err).Msg("persisting membership snapshot")
		}
	}

	e.replayFuture(ctx)
	return nil
}

// replayFuture drains buffered artifacts whose generation has been reached.
// Replayed certificates can themselves advance the generation, so this loops
// until no bucket for the current generation remains.
func (e *Engine) replayFuture(ctx context.Context) {
	for {
		gen := e.set.Generation()
		buffered, ok := e.future[gen]
		if !ok {
			return
		}
		delete(e.future, gen)
		for _, env := range buffered {
			if err := e.receive(ctx, env); err != nil {
				e.logger.Debug().Err(err).Stringer("envelope", env).Msg("replaying buffered envelope")
			}
		}
		if e.set.Generation() == gen {
			return
		}
	}
}

func (e *Engine) buffer(gen membership.Generation, env Envelope) {
	if gen > e.set.Generation()+maxFutureGenerations {
		e.logger.Warn().
			Uint64("generation", uint64(gen)).
			Msg("generation too far ahead, dropping envelope")
		return
	}
	if len(e.future[gen]) >= maxBufferedPerGeneration {
		e.logger.Warn().
			Uint64("generation", uint64(gen)).
			Msg("future buffer full, dropping envelope")
		return
	}
	e.future[gen] = append(e.future[gen], env)
}

// nextSet derives the membership set a reconfiguration payload would commit.
func (e *Engine) nextSet(payload Payload) (*membership.Set, error) {
	switch payload.Kind {
	case KindAdd:
		return e.set.WithAdd(payload.Member)
	case KindRemove:
		return e.set.WithRemove(payload.Member)
	default:
		return nil, fmt.Errorf("payload %s is not a reconfiguration", payload)
	}
}

// handleSyncRequest answers a peer's catch-up request with our membership
// snapshot and every delivered certificate from the peer's generation
// onwards.
func (e *Engine) handleSyncRequest(ctx context.Context, req *SyncRequest) error {
	if req.From.IsZero() {
		return fmt.Errorf("sync request has no sender")
	}
	resp := &SyncResponse{
		Snapshot: e.set.Snapshot(),
		Entries:  e.log.since(req.Generation),
	}
	e.logger.Debug().
		Stringer("peer", req.From).
		Int("entries", len(resp.Entries)).
		Msg("answering sync request")
	return e.sender.Send(ctx, req.From, Envelope{SyncResponse: resp})
}

// handleSyncResponse replays a peer's catch-up entries through the regular
// certificate path. Every entry is independently re-verified; nothing in the
// response is taken on trust.
func (e *Engine) handleSyncResponse(ctx context.Context, resp *SyncResponse) error {
	for i := range resp.Entries {
		qc := resp.Entries[i].QC
		if err := e.handleQC(ctx, &qc); err != nil {
			e.logger.Debug().Err(err).Msg("skipping sync entry")
		}
	}
	if resp.Snapshot.Generation > e.set.Generation() {
		e.logger.Debug().
			Uint64("remote_generation", uint64(resp.Snapshot.Generation)).
			Uint64("local_generation", uint64(e.set.Generation())).
			Msg("peer is ahead after sync, certificates still missing")
	}
	return nil
}
