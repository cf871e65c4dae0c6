package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsbnet/dsb/membership"
)

func dataEntry(gen membership.Generation, id byte) Entry {
	return Entry{
		Generation: gen,
		OpID:       tallyOpID(id),
		QC: QuorumCertificate{Op: Op{
			Generation: gen,
			Payload:    DataPayload([]byte{id}),
		}},
	}
}

func reconfigEntry(gen membership.Generation, id byte) Entry {
	return Entry{
		Generation: gen,
		OpID:       tallyOpID(id),
		QC: QuorumCertificate{Op: Op{
			Generation: gen,
			Payload:    AddPayload(tallyActor(id)),
		}},
	}
}

func opIDs(entries []Entry) []OpID {
	ids := make([]OpID, len(entries))
	for i, e := range entries {
		ids[i] = e.OpID
	}
	return ids
}

func TestLogInsertOrdersDeterministically(t *testing.T) {
	log := newDeliveryLog(DefaultOrdering())

	// insertion order is deliberately scrambled
	log.insert(dataEntry(0, 7))
	log.insert(dataEntry(1, 1))
	log.insert(dataEntry(0, 3))
	log.insert(dataEntry(0, 5))

	require.Equal(t, []OpID{
		tallyOpID(3), tallyOpID(5), tallyOpID(7), tallyOpID(1),
	}, opIDs(log.all()))
}

func TestLogReconfigClosesGeneration(t *testing.T) {
	log := newDeliveryLog(DefaultOrdering())

	// the reconfiguration has the smallest op id but must still sort after
	// every data entry of its generation
	log.insert(reconfigEntry(0, 1))
	log.insert(dataEntry(0, 9))
	log.insert(dataEntry(0, 4))
	log.insert(dataEntry(1, 2))

	require.Equal(t, []OpID{
		tallyOpID(4), tallyOpID(9), tallyOpID(1), tallyOpID(2),
	}, opIDs(log.all()))
}

func TestLogInsertIsIdempotent(t *testing.T) {
	log := newDeliveryLog(DefaultOrdering())
	log.insert(dataEntry(0, 1))
	log.insert(dataEntry(0, 1))
	require.Equal(t, 1, log.len())
	require.True(t, log.contains(tallyOpID(1)))
	require.False(t, log.contains(tallyOpID(2)))
}

func TestLogSince(t *testing.T) {
	log := newDeliveryLog(DefaultOrdering())
	log.insert(dataEntry(0, 1))
	log.insert(reconfigEntry(0, 2))
	log.insert(dataEntry(1, 3))
	log.insert(reconfigEntry(1, 4))
	log.insert(dataEntry(2, 5))

	require.Len(t, log.since(0), 5)
	require.Equal(t, []OpID{
		tallyOpID(3), tallyOpID(4), tallyOpID(5),
	}, opIDs(log.since(1)))
	require.Empty(t, log.since(3))
}

func TestLogCustomOrdering(t *testing.T) {
	// descending op id, the inverse of the default
	log := newDeliveryLog(func(a, b OpID) int { return b.Compare(a) })
	log.insert(dataEntry(0, 3))
	log.insert(dataEntry(0, 7))
	log.insert(dataEntry(0, 5))

	require.Equal(t, []OpID{
		tallyOpID(7), tallyOpID(5), tallyOpID(3),
	}, opIDs(log.all()))
}
