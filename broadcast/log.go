package broadcast

import (
	"sort"

	"github.com/dsbnet/dsb/membership"
)

// Entry is one element of the delivery log: a certified operation together
// with the proof that certified it. Keeping the full certificate lets any
// entry be replayed to a peer and re-verified independently.
type Entry struct {
	Generation membership.Generation `json:"generation"`
	OpID       OpID                  `json:"op_id"`
	QC         QuorumCertificate     `json:"qc"`
}

// Ordering is the tie-break comparator for entries certified within the same
// generation. It must be a strict total order and identical on every correct
// process. The protocol only needs determinism from it, so it is configurable
// rather than load-bearing.
type Ordering func(a, b OpID) int

// DefaultOrdering orders entries by ascending op id.
func DefaultOrdering() Ordering {
	return func(a, b OpID) int {
		return a.Compare(b)
	}
}

// deliveryLog is the append-only, per-actor record of applied certificates.
// Entries are kept ordered by generation and, within a generation, by the
// configured tie-break, so every correct process holds the same sequence.
type deliveryLog struct {
	entries []Entry
	index   map[OpID]struct{}
	cmp     Ordering
}

func newDeliveryLog(cmp Ordering) *deliveryLog {
	return &deliveryLog{
		index: make(map[OpID]struct{}),
		cmp:   cmp,
	}
}

func (l *deliveryLog) contains(id OpID) bool {
	_, ok := l.index[id]
	return ok
}

// insert places an entry at its deterministic position: ascending generation,
// and within a generation data entries in tie-break order with the
// reconfiguration, which closes the generation, last. Entries of an older
// generation never arrive here: the engine rejects them before delivery, so
// the slice only ever shuffles within its final generation.
func (l *deliveryLog) insert(entry Entry) {
	if l.contains(entry.OpID) {
		return
	}
	pos := sort.Search(len(l.entries), func(i int) bool {
		if l.entries[i].Generation != entry.Generation {
			return l.entries[i].Generation > entry.Generation
		}
		existing, inserted := l.entries[i].QC.Op.Payload.IsReconfig(), entry.QC.Op.Payload.IsReconfig()
		if existing != inserted {
			return existing
		}
		return l.cmp(l.entries[i].OpID, entry.OpID) > 0
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = entry
	l.index[entry.OpID] = struct{}{}
}

// all returns a copy of the log in delivery order.
func (l *deliveryLog) all() []Entry {
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// since returns all entries from the given generation onwards, for catch-up.
func (l *deliveryLog) since(gen membership.Generation) []Entry {
	pos := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Generation >= gen
	})
	entries := make([]Entry, len(l.entries)-pos)
	copy(entries, l.entries[pos:])
	return entries
}

func (l *deliveryLog) len() int {
	return len(l.entries)
}
