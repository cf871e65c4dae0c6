package app

import "github.com/dsbnet/dsb/membership"

// DataType is the capability contract a replicated data type fulfils to be
// secured by the broadcast engine. Typically an existing CRDT is wrapped by a
// struct implementing this interface.
//
// The engine guarantees that Apply is only ever invoked with operations that
// were certified by a Byzantine quorum, exactly once each, in an order that is
// identical across correct processes within a generation.
type DataType interface {
	// Validate performs the data type's own Byzantine fault tolerance
	// checks on an incoming operation. It must be a pure function of the
	// replica's visible state: a non-nil error causes the engine to refuse
	// to vote for the operation.
	Validate(source membership.Actor, op []byte) error

	// Apply executes an operation after certification. It must be
	// deterministic and must not fail for any operation that passed
	// Validate under the same state; a failure here is a contract
	// violation in the data type, not a protocol error, and should panic.
	Apply(op []byte)
}
