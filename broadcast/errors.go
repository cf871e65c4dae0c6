package broadcast

import "errors"

// The engine's error taxonomy. Handlers return these wrapped with context;
// callers discriminate with errors.Is.
var (
	// ErrBadSignature marks an artifact whose signature does not verify
	// under the claimed actor. Never surfaced to the data type.
	ErrBadSignature = errors.New("bad signature")

	// ErrGenerationMismatch marks an artifact from a generation behind the
	// local view. Artifacts from future generations are buffered instead,
	// pending local catch-up.
	ErrGenerationMismatch = errors.New("generation mismatch")

	// ErrInvalidOperation marks an operation the data type (or, for
	// reconfigurations, the membership rules) refused to validate. The
	// operation is permanently dropped.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrUnknownVoter marks a vote whose voter is not in the current
	// membership set.
	ErrUnknownVoter = errors.New("voter is not a member")

	// ErrDuplicateOrConflictingVote marks a second, different vote from a
	// voter for the same op id and generation: evidence of equivocation.
	// The offender's votes are discarded for the rest of the generation.
	ErrDuplicateOrConflictingVote = errors.New("duplicate or conflicting vote")

	// ErrInvalidQuorumCertificate marks a certificate that failed
	// independent re-verification. It is dropped regardless of sender.
	ErrInvalidQuorumCertificate = errors.New("invalid quorum certificate")

	// ErrReconfigurationInProgress rejects a second reconfiguration
	// proposal while one is pending certification.
	ErrReconfigurationInProgress = errors.New("reconfiguration already in progress")

	// ErrStaleGeneration rejects a proposal made while a reconfiguration
	// is pending commit: the post-commit membership view is ambiguous.
	ErrStaleGeneration = errors.New("stale generation")
)
