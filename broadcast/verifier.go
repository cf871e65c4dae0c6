package broadcast

import (
	"crypto"
	"fmt"

	"github.com/dsbnet/dsb/membership"
)

// Verifier checks the cryptographic validity of ops, votes and quorum
// certificates against a membership view. It holds no mutable protocol state
// and its methods are pure, so it is reusable outside the engine, e.g. by a
// process that only audits certificates.
type Verifier struct {
	hasher crypto.Hash
	verify membership.VerifyFunc
}

func NewVerifier(hasher crypto.Hash, verify membership.VerifyFunc) *Verifier {
	return &Verifier{
		hasher: hasher,
		verify: verify,
	}
}

// OpID derives the content hash of an op under the verifier's hash function.
func (v *Verifier) OpID(op *Op) OpID {
	return op.ID(v.hasher)
}

// VerifyOp checks that the op's signature was made by the claimed source.
func (v *Verifier) VerifyOp(op *Op) error {
	if !v.verify(op.Source, op.SignBytes(), op.Signature) {
		return fmt.Errorf("op from %s: %w", op.Source, ErrBadSignature)
	}
	return nil
}

// VerifyVote checks that the vote's signature was made by the claimed voter.
func (v *Verifier) VerifyVote(vote *Vote) error {
	if !v.verify(vote.Voter, vote.SignBytes(), vote.Signature) {
		return fmt.Errorf("vote from %s: %w", vote.Voter, ErrBadSignature)
	}
	return nil
}

// VerifyQC independently re-verifies a certificate against the membership set
// of the certificate's stated generation: the op signature, every vote
// signature, voter membership and distinctness, and the quorum threshold.
// The sender is never trusted.
func (v *Verifier) VerifyQC(qc *QuorumCertificate, set *membership.Set) error {
	if qc.Op.Generation != set.Generation() {
		return fmt.Errorf("%w: certificate generation %d does not match membership generation %d",
			ErrInvalidQuorumCertificate, qc.Op.Generation, set.Generation())
	}
	if err := v.VerifyOp(&qc.Op); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidQuorumCertificate, err)
	}

	opID := v.OpID(&qc.Op)
	voters := make(map[membership.Actor]struct{}, len(qc.Votes))
	for i := range qc.Votes {
		vote := &qc.Votes[i]
		if vote.OpID != opID {
			return fmt.Errorf("%w: vote %d is for %s, not %s", ErrInvalidQuorumCertificate, i, vote.OpID, opID)
		}
		if vote.Generation != qc.Op.Generation {
			return fmt.Errorf("%w: vote %d is from generation %d, not %d",
				ErrInvalidQuorumCertificate, i, vote.Generation, qc.Op.Generation)
		}
		if !set.Contains(vote.Voter) {
			return fmt.Errorf("%w: vote %d is from non-member %s", ErrInvalidQuorumCertificate, i, vote.Voter)
		}
		if _, ok := voters[vote.Voter]; ok {
			return fmt.Errorf("%w: more than one vote from %s", ErrInvalidQuorumCertificate, vote.Voter)
		}
		voters[vote.Voter] = struct{}{}
		if err := v.VerifyVote(vote); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidQuorumCertificate, err)
		}
	}

	if len(voters) < set.Quorum() {
		return fmt.Errorf("%w: %d votes, quorum is %d", ErrInvalidQuorumCertificate, len(voters), set.Quorum())
	}
	return nil
}
