package broadcast

import (
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dsbnet/dsb/membership"
)

// OpID is the content-derived identity of an operation: the hash of
// (source, generation, payload). It is the key for vote tallies and
// deduplication and the anchor for equivocation detection, so the hash must be
// collision-resistant.
type OpID [OpIDSize]byte

// OpIDSize is the digest length all supported hash functions must produce.
const OpIDSize = 32

func (id OpID) String() string {
	return "op:" + hex.EncodeToString(id[:4]) + ".."
}

func (id OpID) Compare(other OpID) int {
	for i := range id {
		switch {
		case id[i] < other[i]:
			return -1
		case id[i] > other[i]:
			return 1
		}
	}
	return 0
}

func (id OpID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

func (id *OpID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding op id: %w", err)
	}
	if len(b) != OpIDSize {
		return fmt.Errorf("op id must be %d bytes, got %d", OpIDSize, len(b))
	}
	copy(id[:], b)
	return nil
}

// PayloadKind discriminates between opaque data-type operations and the two
// membership reconfigurations, which travel through the exact same voting
// machinery.
type PayloadKind uint8

const (
	KindData PayloadKind = iota + 1
	KindAdd
	KindRemove
)

// Payload is the content of an Op: either an opaque operation for the wrapped
// data type or a reconfiguration of the voting group itself.
type Payload struct {
	Kind   PayloadKind      `json:"kind"`
	Data   []byte           `json:"data,omitempty"`
	Member membership.Actor `json:"member,omitempty"`
}

func DataPayload(data []byte) Payload {
	return Payload{Kind: KindData, Data: data}
}

func AddPayload(member membership.Actor) Payload {
	return Payload{Kind: KindAdd, Member: member}
}

func RemovePayload(member membership.Actor) Payload {
	return Payload{Kind: KindRemove, Member: member}
}

func (p Payload) IsReconfig() bool {
	return p.Kind == KindAdd || p.Kind == KindRemove
}

func (p Payload) ValidateForm() error {
	switch p.Kind {
	case KindData:
		if len(p.Data) == 0 {
			return errors.New("data payload is empty")
		}
		if !p.Member.IsZero() {
			return errors.New("data payload names a member")
		}
	case KindAdd, KindRemove:
		if p.Member.IsZero() {
			return errors.New("reconfiguration payload does not name a member")
		}
		if len(p.Data) != 0 {
			return errors.New("reconfiguration payload carries data")
		}
	default:
		return fmt.Errorf("unknown payload kind %d", p.Kind)
	}
	return nil
}

func (p Payload) String() string {
	switch p.Kind {
	case KindAdd:
		return fmt.Sprintf("add{%s}", p.Member)
	case KindRemove:
		return fmt.Sprintf("remove{%s}", p.Member)
	default:
		return fmt.Sprintf("data{%d bytes}", len(p.Data))
	}
}

// Op is a candidate operation: a payload bound to the source that originated
// it and the generation it was created under, signed by the source. Immutable
// once created.
type Op struct {
	Source     membership.Actor      `json:"source"`
	Generation membership.Generation `json:"generation"`
	Payload    Payload               `json:"payload"`
	Signature  []byte                `json:"signature"`
}

// ID derives the operation's content hash. The digest binds source,
// generation and payload so two distinct payloads under the same source and
// generation can never collide.
func (o *Op) ID(hasher crypto.Hash) OpID {
	h := hasher.New()
	h.Write(o.SignBytes())
	var id OpID
	copy(id[:], h.Sum(nil))
	return id
}

func (o *Op) SignBytes() []byte {
	return encodeOpMsg(o.Source, o.Generation, o.Payload)
}

func (o *Op) ValidateForm() error {
	if o.Source.IsZero() {
		return errors.New("op has no source")
	}
	if len(o.Signature) == 0 {
		return errors.New("op does not contain any signature")
	}
	return o.Payload.ValidateForm()
}

func (o *Op) String() string {
	if o == nil {
		return "nil"
	}
	return fmt.Sprintf("Op{%s@%d %s}", o.Source, o.Generation, o.Payload)
}

// Vote is one member's signed endorsement of an operation at a generation.
// An honest actor emits at most one vote per op id.
type Vote struct {
	Voter      membership.Actor      `json:"voter"`
	OpID       OpID                  `json:"op_id"`
	Generation membership.Generation `json:"generation"`
	Signature  []byte                `json:"signature"`
}

func (v *Vote) SignBytes() []byte {
	return encodeVoteMsg(v.Voter, v.OpID, v.Generation)
}

func (v *Vote) ValidateForm() error {
	if v.Voter.IsZero() {
		return errors.New("vote has no voter")
	}
	if len(v.Signature) == 0 {
		return errors.New("vote does not contain any signature")
	}
	return nil
}

func (v *Vote) String() string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("Vote{%s for %s@%d}", v.Voter, v.OpID, v.Generation)
}

// QuorumCertificate proves that a Byzantine quorum of the stated generation's
// members voted for the operation. It is independently re-verifiable by any
// third party holding that generation's membership set and is the only
// artifact that authorizes applying an operation.
type QuorumCertificate struct {
	Op    Op     `json:"op"`
	Votes []Vote `json:"votes"`
}

func (qc *QuorumCertificate) ValidateForm() error {
	if err := qc.Op.ValidateForm(); err != nil {
		return fmt.Errorf("certificate op: %w", err)
	}
	if len(qc.Votes) == 0 {
		return errors.New("certificate contains no votes")
	}
	for i := range qc.Votes {
		if err := qc.Votes[i].ValidateForm(); err != nil {
			return fmt.Errorf("certificate vote %d: %w", i, err)
		}
	}
	return nil
}

func (qc *QuorumCertificate) String() string {
	if qc == nil {
		return "nil"
	}
	return fmt.Sprintf("QC{%s, %d votes}", &qc.Op, len(qc.Votes))
}

// SyncRequest asks a peer for everything delivered past the requester's
// generation: the peer replies with a SyncResponse carrying its membership
// snapshot and certificates the requester has not seen.
type SyncRequest struct {
	From       membership.Actor      `json:"from"`
	Generation membership.Generation `json:"generation"`
}

// SyncResponse is the catch-up reply. Entries are re-verified by the receiver
// exactly like any other certificate; the snapshot is advisory.
type SyncResponse struct {
	Snapshot membership.Snapshot `json:"snapshot"`
	Entries  []Entry             `json:"entries"`
}

// Envelope is the wire union of everything the engine exchanges. Exactly one
// field is set.
type Envelope struct {
	Op           *Op                `json:"op,omitempty"`
	Vote         *Vote              `json:"vote,omitempty"`
	QC           *QuorumCertificate `json:"qc,omitempty"`
	SyncRequest  *SyncRequest       `json:"sync_request,omitempty"`
	SyncResponse *SyncResponse      `json:"sync_response,omitempty"`
}

func (e Envelope) ValidateForm() error {
	set := 0
	if e.Op != nil {
		set++
	}
	if e.Vote != nil {
		set++
	}
	if e.QC != nil {
		set++
	}
	if e.SyncRequest != nil {
		set++
	}
	if e.SyncResponse != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("envelope must contain exactly one message, got %d", set)
	}
	return nil
}

func (e Envelope) String() string {
	switch {
	case e.Op != nil:
		return e.Op.String()
	case e.Vote != nil:
		return e.Vote.String()
	case e.QC != nil:
		return e.QC.String()
	case e.SyncRequest != nil:
		return fmt.Sprintf("SyncRequest{%s@%d}", e.SyncRequest.From, e.SyncRequest.Generation)
	case e.SyncResponse != nil:
		return fmt.Sprintf("SyncResponse{%d entries}", len(e.SyncResponse.Entries))
	default:
		return "empty"
	}
}
