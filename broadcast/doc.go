// Package broadcast implements deterministic secure broadcast: a Byzantine
// fault tolerant agreement layer for eventually consistent data types.
//
// Unlike full consensus, the protocol does not order unrelated operations
// into a single log across the network. It guarantees something weaker and
// cheaper: no conflicting operation is ever certified, every certified
// operation is applied exactly once, and every correct process records the
// operations of a generation in the same deterministically ordered delivery
// log. Operations are handed to the data type as their certificates arrive,
// which can differ between processes, so the wrapped data type's operations
// must commute. That is sufficient for CRDT-style data types to stay
// consistent under up to f Byzantine actors out of n >= 3f+1.
//
// An operation moves through three phases, each carried by its own envelope:
// the source signs and broadcasts the Op, members validate it against the
// wrapped data type and answer with signed Votes, and once any process has
// gathered a quorum of votes it assembles a QuorumCertificate that every
// process independently re-verifies before applying. The voting group itself
// evolves through the identical machinery: Add and Remove payloads certified
// by the pre-change quorum advance the membership generation.
package broadcast
