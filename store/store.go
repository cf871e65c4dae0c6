// Package store persists the delivery log and membership snapshots to a
// datastore so a restarted process can rebuild its state with Restore instead
// of a full network sync. Any go-datastore backend works; tests use the
// in-memory map datastore, deployments typically hand in an on-disk one.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/dsbnet/dsb/broadcast"
	"github.com/dsbnet/dsb/membership"
)

var ErrNoSnapshot = xerrors.New("no membership snapshot stored")

var _ broadcast.Store = (*Store)(nil)

// Store writes every delivered entry and every membership snapshot under its
// own key. Entry keys sort in replay order: ascending generation, data
// entries before the reconfiguration that closes the generation.
type Store struct {
	ds datastore.Datastore
}

func New(ds datastore.Datastore) *Store {
	return &Store{ds: namespace.Wrap(ds, datastore.NewKey("/dsb"))}
}

// PutEntry implements broadcast.Store.
func (s *Store) PutEntry(ctx context.Context, entry broadcast.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Errorf("marshalling entry %s: %w", entry.OpID, err)
	}
	if err := s.ds.Put(ctx, entryKey(entry), data); err != nil {
		return xerrors.Errorf("storing entry %s: %w", entry.OpID, err)
	}
	return nil
}

// PutSnapshot implements broadcast.Store.
func (s *Store) PutSnapshot(ctx context.Context, snapshot membership.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Errorf("marshalling snapshot for generation %d: %w", snapshot.Generation, err)
	}
	if err := s.ds.Put(ctx, snapshotKey(snapshot.Generation), data); err != nil {
		return xerrors.Errorf("storing snapshot for generation %d: %w", snapshot.Generation, err)
	}
	return nil
}

// Entries returns every stored entry in replay order, ready to be handed to
// the engine's Restore.
func (s *Store) Entries(ctx context.Context) ([]broadcast.Entry, error) {
	res, err := s.ds.Query(ctx, query.Query{
		Prefix: "/entries",
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, xerrors.Errorf("querying entries: %w", err)
	}
	defer res.Close()

	var entries []broadcast.Entry
	for r := range res.Next() {
		if r.Error != nil {
			return nil, xerrors.Errorf("iterating entries: %w", r.Error)
		}
		var entry broadcast.Entry
		if err := json.Unmarshal(r.Value, &entry); err != nil {
			return nil, xerrors.Errorf("unmarshalling entry at %s: %w", r.Key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LatestSnapshot returns the snapshot with the highest generation, or
// ErrNoSnapshot if none has been stored yet.
func (s *Store) LatestSnapshot(ctx context.Context) (membership.Snapshot, error) {
	res, err := s.ds.Query(ctx, query.Query{
		Prefix: "/snapshots",
		Orders: []query.Order{query.OrderByKeyDescending{}},
		Limit:  1,
	})
	if err != nil {
		return membership.Snapshot{}, xerrors.Errorf("querying snapshots: %w", err)
	}
	defer res.Close()

	r, ok := res.NextSync()
	if !ok {
		return membership.Snapshot{}, ErrNoSnapshot
	}
	if r.Error != nil {
		return membership.Snapshot{}, xerrors.Errorf("iterating snapshots: %w", r.Error)
	}
	var snapshot membership.Snapshot
	if err := json.Unmarshal(r.Value, &snapshot); err != nil {
		return membership.Snapshot{}, xerrors.Errorf("unmarshalling snapshot at %s: %w", r.Key, err)
	}
	return snapshot, nil
}

// entryKey builds a key that sorts lexically in replay order. The generation
// is zero-padded, and the kind segment puts data entries ("d") ahead of the
// reconfiguration ("r") that closes their generation.
func entryKey(entry broadcast.Entry) datastore.Key {
	kind := "d"
	if entry.QC.Op.Payload.IsReconfig() {
		kind = "r"
	}
	return datastore.NewKey(fmt.Sprintf("/entries/%020d/%s/%s", entry.Generation, kind, hex.EncodeToString(entry.OpID[:])))
}

func snapshotKey(gen membership.Generation) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/snapshots/%020d", gen))
}
