package broadcast_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsbnet/dsb/broadcast"
	"github.com/dsbnet/dsb/membership"
	"github.com/dsbnet/dsb/network"
	"github.com/dsbnet/dsb/pkg/sign"
)

// testDT is a minimal data type: it records applied ops and can be told to
// refuse validation.
type testDT struct {
	mtx     sync.Mutex
	applied [][]byte
	reject  error
}

func (d *testDT) Validate(_ membership.Actor, _ []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.reject
}

func (d *testDT) Apply(op []byte) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.applied = append(d.applied, op)
}

func (d *testDT) Applied() [][]byte {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	out := make([][]byte, len(d.applied))
	copy(out, d.applied)
	return out
}

// forwarder breaks the registration cycle: the network needs a notifiee
// before the engine exists, the engine needs the sender the network returns.
type forwarder struct {
	engine *broadcast.Engine
}

func (f *forwarder) Receive(ctx context.Context, env broadcast.Envelope) error {
	return f.engine.Receive(ctx, env)
}

type node struct {
	signer *sign.Ed25519Signer
	engine *broadcast.Engine
	dt     *testDT
}

// newCluster starts n engines over a fresh simulated network, all members of
// the genesis set.
func newCluster(t *testing.T, n int, opts ...broadcast.Option) (*network.Local, []*node) {
	t.Helper()
	net := network.NewLocal()
	nodes := make([]*node, n)
	members := make([]membership.Actor, n)
	for i := range nodes {
		signer := sign.NewTestSigner()
		members[i] = signer.Actor()
		nodes[i] = &node{signer: signer, dt: &testDT{}}
	}
	genesis := membership.NewSet(0, members)
	for _, nd := range nodes {
		nd.engine = joinEngine(net, nd.signer, nd.dt, genesis, opts...)
	}
	return net, nodes
}

func joinEngine(net *network.Local, signer *sign.Ed25519Signer, dt *testDT, genesis *membership.Set, opts ...broadcast.Option) *broadcast.Engine {
	fw := &forwarder{}
	sender := net.Join(signer.Actor(), fw)
	fw.engine = broadcast.New(signer, dt, genesis, sender, opts...)
	return fw.engine
}

func deliveredIDs(e *broadcast.Engine) []broadcast.OpID {
	entries := e.Delivered()
	ids := make([]broadcast.OpID, len(entries))
	for i, entry := range entries {
		ids[i] = entry.OpID
	}
	return ids
}

func TestBroadcastDeliversToAll(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	op, err := nodes[0].engine.Propose(ctx, []byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 0, op.Generation)
	net.Settle(ctx)

	want := deliveredIDs(nodes[0].engine)
	require.Len(t, want, 1)
	for _, nd := range nodes {
		require.Equal(t, want, deliveredIDs(nd.engine))
		require.Equal(t, [][]byte{[]byte("hello")}, nd.dt.Applied())
	}
}

func TestDeliveryOrderIsUniform(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	// several concurrent proposals: nothing is pumped until all are out
	for i, nd := range nodes {
		_, err := nd.engine.Propose(ctx, []byte(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
	}
	net.Settle(ctx)

	want := deliveredIDs(nodes[0].engine)
	require.Len(t, want, 4)
	for _, nd := range nodes {
		require.Equal(t, want, deliveredIDs(nd.engine))
		require.Len(t, nd.dt.Applied(), 4)
	}
}

func TestProposeRejectsNonMember(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	outsider := sign.NewTestSigner()
	engine := joinEngine(net, outsider, &testDT{}, nodes[0].engine.MembershipSet())

	_, err := engine.Propose(ctx, []byte("hello"))
	require.ErrorIs(t, err, broadcast.ErrInvalidOperation)
}

func TestInvalidOperationIsNotCertified(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)
	for _, nd := range nodes {
		nd.dt.reject = fmt.Errorf("refused")
	}

	_, err := nodes[0].engine.Propose(ctx, []byte("bad"))
	require.ErrorIs(t, err, broadcast.ErrInvalidOperation)
	net.Settle(ctx)

	for _, nd := range nodes {
		require.Empty(t, nd.engine.Delivered())
		require.Empty(t, nd.dt.Applied())
	}
}

func TestQuorumDespiteUnreachableMember(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)
	down := nodes[3].engine.Actor()
	net.SetDropRule(func(from, to membership.Actor, _ broadcast.Envelope) bool {
		return from == down || to == down
	})

	_, err := nodes[0].engine.Propose(ctx, []byte("hello"))
	require.NoError(t, err)
	net.Settle(ctx)

	// three of four reach quorum without the partitioned member
	for _, nd := range nodes[:3] {
		require.Len(t, nd.engine.Delivered(), 1)
	}
	require.Empty(t, nodes[3].engine.Delivered())

	// once healed, the straggler catches up over sync
	net.SetDropRule(nil)
	require.NoError(t, nodes[3].engine.RequestSync(ctx, nodes[0].engine.Actor()))
	net.Settle(ctx)
	require.Equal(t, deliveredIDs(nodes[0].engine), deliveredIDs(nodes[3].engine))
	require.Equal(t, [][]byte{[]byte("hello")}, nodes[3].dt.Applied())
}

func TestNoQuorumWithTwoUnreachable(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)
	downA, downB := nodes[2].engine.Actor(), nodes[3].engine.Actor()
	net.SetDropRule(func(from, to membership.Actor, _ broadcast.Envelope) bool {
		return from == downA || to == downA || from == downB || to == downB
	})

	_, err := nodes[0].engine.Propose(ctx, []byte("hello"))
	require.NoError(t, err)
	net.Settle(ctx)

	// two votes cannot meet the quorum of three: nobody delivers
	for _, nd := range nodes {
		require.Empty(t, nd.engine.Delivered())
	}
}

func TestIdempotentCertificateDelivery(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	_, err := nodes[0].engine.Propose(ctx, []byte("hello"))
	require.NoError(t, err)
	net.Settle(ctx)

	entries := nodes[1].engine.Delivered()
	require.Len(t, entries, 1)
	qc := entries[0].QC
	require.NoError(t, nodes[1].engine.HandleQC(ctx, &qc))
	require.Len(t, nodes[1].engine.Delivered(), 1)
	require.Len(t, nodes[1].dt.Applied(), 1)
}

func TestUnknownVoterRejected(t *testing.T) {
	ctx := context.Background()
	_, nodes := newCluster(t, 4)

	outsider := sign.NewTestSigner()
	vote := signedVote(t, outsider, broadcast.OpID{1}, 0)
	err := nodes[0].engine.HandleVote(ctx, &vote)
	require.ErrorIs(t, err, broadcast.ErrUnknownVoter)
}

func TestFutureOpIsBuffered(t *testing.T) {
	ctx := context.Background()
	_, nodes := newCluster(t, 4)

	op := signedOp(t, nodes[1].signer, 2, broadcast.DataPayload([]byte("early")))
	require.NoError(t, nodes[0].engine.HandleOp(ctx, op))
	require.Empty(t, nodes[0].engine.Delivered())
}

func TestBufferedOpReplayedAfterGenerationAdvance(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	// an op from the next generation arrives everywhere before the
	// reconfiguration that opens it
	early := signedOp(t, nodes[1].signer, 1, broadcast.DataPayload([]byte("early")))
	for _, nd := range nodes {
		require.NoError(t, nd.engine.HandleOp(ctx, early))
		require.Empty(t, nd.engine.Delivered())
	}

	_, err := nodes[0].engine.ProposeAdd(ctx, sign.NewTestSigner().Actor())
	require.NoError(t, err)
	net.Settle(ctx)

	// advancing replays the buffered op: every node votes on it and the
	// quorum of the new generation certifies it
	for _, nd := range nodes {
		require.EqualValues(t, 1, nd.engine.Generation())
		require.Len(t, nd.engine.Delivered(), 2)
		require.Equal(t, [][]byte{[]byte("early")}, nd.dt.Applied())
	}
}

func TestFutureVoteRequiresValidSignature(t *testing.T) {
	ctx := context.Background()
	_, nodes := newCluster(t, 4)

	// unsigned garbage must not reach the future buffer
	forged := &broadcast.Vote{
		Voter:      nodes[1].engine.Actor(),
		OpID:       broadcast.OpID{1},
		Generation: 2,
		Signature:  []byte("garbage"),
	}
	err := nodes[0].engine.HandleVote(ctx, forged)
	require.ErrorIs(t, err, broadcast.ErrBadSignature)

	genuine := signedVote(t, nodes[1].signer, broadcast.OpID{1}, 2)
	require.NoError(t, nodes[0].engine.HandleVote(ctx, &genuine))
}

func TestNonMemberDoesNotSelfVote(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)
	genesis := nodes[0].engine.MembershipSet()

	// an engine observing the group without being part of it
	outsider := sign.NewTestSigner()
	dt := &testDT{}
	engine := joinEngine(net, outsider, dt, genesis)

	op := signedOp(t, nodes[1].signer, 0, broadcast.DataPayload([]byte("hello")))
	require.NoError(t, engine.HandleOp(ctx, op))

	verifier := broadcast.NewVerifier(broadcast.DefaultHashFunc, membership.DefaultVerifyFunc())
	id := verifier.OpID(op)

	// two member votes are one short of the quorum of three: the
	// outsider's own vote must not make up the difference
	for _, nd := range nodes[1:3] {
		vote := signedVote(t, nd.signer, id, 0)
		require.NoError(t, engine.HandleVote(ctx, &vote))
	}
	require.Empty(t, engine.Delivered())
	require.Empty(t, dt.Applied())

	// a third member vote completes a certificate made of member votes only
	vote := signedVote(t, nodes[0].signer, id, 0)
	require.NoError(t, engine.HandleVote(ctx, &vote))
	entries := engine.Delivered()
	require.Len(t, entries, 1)
	require.Equal(t, [][]byte{[]byte("hello")}, dt.Applied())
	for _, v := range entries[0].QC.Votes {
		require.NotEqual(t, outsider.Actor(), v.Voter)
	}
}

func TestRemovedMemberStopsVoting(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 5)
	removed := nodes[4]

	_, err := nodes[0].engine.ProposeRemove(ctx, removed.engine.Actor())
	require.NoError(t, err)
	net.Settle(ctx)
	require.EqualValues(t, 1, removed.engine.Generation())

	op := signedOp(t, nodes[0].signer, 1, broadcast.DataPayload([]byte("hello")))
	require.NoError(t, removed.engine.HandleOp(ctx, op))

	verifier := broadcast.NewVerifier(broadcast.DefaultHashFunc, membership.DefaultVerifyFunc())
	id := verifier.OpID(op)

	// two member votes: were the removed member still counting itself,
	// this would wrongly reach the quorum of three
	for _, nd := range nodes[1:3] {
		vote := signedVote(t, nd.signer, id, 1)
		require.NoError(t, removed.engine.HandleVote(ctx, &vote))
	}
	require.Len(t, removed.engine.Delivered(), 1)
	require.Empty(t, removed.dt.Applied())

	vote := signedVote(t, nodes[0].signer, id, 1)
	require.NoError(t, removed.engine.HandleVote(ctx, &vote))
	require.Len(t, removed.engine.Delivered(), 2)
	require.Equal(t, [][]byte{[]byte("hello")}, removed.dt.Applied())
}

func TestReconfigurationAdd(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)
	genesis := nodes[0].engine.MembershipSet()

	newcomer := sign.NewTestSigner()
	_, err := nodes[0].engine.ProposeAdd(ctx, newcomer.Actor())
	require.NoError(t, err)
	net.Settle(ctx)

	for _, nd := range nodes {
		require.EqualValues(t, 1, nd.engine.Generation())
		require.Contains(t, nd.engine.Members(), newcomer.Actor())
		// the reconfiguration itself is in the log but not in the data type
		require.Len(t, nd.engine.Delivered(), 1)
		require.Empty(t, nd.dt.Applied())
	}

	// the newcomer bootstraps from genesis and catches up over sync
	dt := &testDT{}
	engine := joinEngine(net, newcomer, dt, genesis)
	require.NoError(t, engine.RequestSync(ctx, nodes[0].engine.Actor()))
	net.Settle(ctx)
	require.EqualValues(t, 1, engine.Generation())
	require.True(t, engine.MembershipSet().Contains(newcomer.Actor()))

	// and can propose under the new generation
	_, err = engine.Propose(ctx, []byte("from the newcomer"))
	require.NoError(t, err)
	net.Settle(ctx)
	for _, nd := range nodes {
		require.Equal(t, [][]byte{[]byte("from the newcomer")}, nd.dt.Applied())
	}
}

func TestReconfigurationRemove(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 5)
	removed := nodes[4]

	_, err := nodes[0].engine.ProposeRemove(ctx, removed.engine.Actor())
	require.NoError(t, err)
	net.Settle(ctx)

	for _, nd := range nodes {
		require.EqualValues(t, 1, nd.engine.Generation())
		require.Equal(t, 4, nd.engine.MembershipSet().Size())
	}

	// the removed member learns of its removal and can no longer propose
	_, err = removed.engine.Propose(ctx, []byte("hello"))
	require.ErrorIs(t, err, broadcast.ErrInvalidOperation)
}

func TestSingleReconfigurationInFlight(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	_, err := nodes[0].engine.ProposeAdd(ctx, sign.NewTestSigner().Actor())
	require.NoError(t, err)

	// before the first commits, nothing else may start
	_, err = nodes[0].engine.ProposeAdd(ctx, sign.NewTestSigner().Actor())
	require.ErrorIs(t, err, broadcast.ErrReconfigurationInProgress)
	_, err = nodes[0].engine.ProposeRemove(ctx, nodes[1].engine.Actor())
	require.ErrorIs(t, err, broadcast.ErrReconfigurationInProgress)
	_, err = nodes[0].engine.Propose(ctx, []byte("hello"))
	require.ErrorIs(t, err, broadcast.ErrStaleGeneration)

	// once committed the engine accepts proposals again
	net.Settle(ctx)
	_, err = nodes[0].engine.Propose(ctx, []byte("hello"))
	require.NoError(t, err)
}

func TestRemoveBelowMinimumRejected(t *testing.T) {
	ctx := context.Background()
	_, nodes := newCluster(t, 4)

	_, err := nodes[0].engine.ProposeRemove(ctx, nodes[1].engine.Actor())
	require.ErrorIs(t, err, broadcast.ErrInvalidOperation)
}

func TestClosedGenerationRejectsOldArtifacts(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	_, err := nodes[0].engine.ProposeAdd(ctx, sign.NewTestSigner().Actor())
	require.NoError(t, err)
	net.Settle(ctx)
	require.EqualValues(t, 1, nodes[0].engine.Generation())

	op := signedOp(t, nodes[1].signer, 0, broadcast.DataPayload([]byte("late")))
	require.ErrorIs(t, nodes[0].engine.HandleOp(ctx, op), broadcast.ErrGenerationMismatch)

	verifier := broadcast.NewVerifier(broadcast.DefaultHashFunc, membership.DefaultVerifyFunc())
	vote := signedVote(t, nodes[1].signer, verifier.OpID(op), 0)
	require.ErrorIs(t, nodes[0].engine.HandleVote(ctx, &vote), broadcast.ErrGenerationMismatch)
}

func TestEquivocatorIsDiscardedButQuorumSurvives(t *testing.T) {
	ctx := context.Background()
	net := network.NewLocal()

	local := sign.NewTestSigner()
	b, c, d := sign.NewTestSigner(), sign.NewTestSigner(), sign.NewTestSigner()
	genesis := membership.NewSet(0, []membership.Actor{local.Actor(), b.Actor(), c.Actor(), d.Actor()})

	var evidence []broadcast.Evidence
	dt := &testDT{}
	fw := &forwarder{}
	sender := net.Join(local.Actor(), fw)
	// signatures are taken at face value so the test can forge the
	// conflicting pair, which deterministic ed25519 never produces
	engine := broadcast.New(local, dt, genesis, sender,
		broadcast.WithVerifyFunc(func(membership.Actor, []byte, []byte) bool { return true }),
		broadcast.WithEquivocationObserver(func(e broadcast.Evidence) { evidence = append(evidence, e) }),
	)
	fw.engine = engine

	op := signedOp(t, b, 0, broadcast.DataPayload([]byte("hello")))
	require.NoError(t, engine.HandleOp(ctx, op))

	verifier := broadcast.NewVerifier(broadcast.DefaultHashFunc, membership.DefaultVerifyFunc())
	id := verifier.OpID(op)

	first := broadcast.Vote{Voter: c.Actor(), OpID: id, Generation: 0, Signature: []byte("one")}
	second := broadcast.Vote{Voter: c.Actor(), OpID: id, Generation: 0, Signature: []byte("two")}
	require.NoError(t, engine.HandleVote(ctx, &first))
	err := engine.HandleVote(ctx, &second)
	require.ErrorIs(t, err, broadcast.ErrDuplicateOrConflictingVote)

	require.Len(t, evidence, 1)
	require.Equal(t, c.Actor(), evidence[0].Voter)
	require.Equal(t, first.Signature, evidence[0].First.Signature)
	require.Equal(t, second.Signature, evidence[0].Second.Signature)

	// anything further from the equivocator stays refused
	third := broadcast.Vote{Voter: c.Actor(), OpID: id, Generation: 0, Signature: []byte("three")}
	require.ErrorIs(t, engine.HandleVote(ctx, &third), broadcast.ErrDuplicateOrConflictingVote)

	// the two honest votes plus the self vote still certify
	bVote := broadcast.Vote{Voter: b.Actor(), OpID: id, Generation: 0, Signature: []byte("b")}
	dVote := broadcast.Vote{Voter: d.Actor(), OpID: id, Generation: 0, Signature: []byte("d")}
	require.NoError(t, engine.HandleVote(ctx, &bVote))
	require.Empty(t, engine.Delivered())
	require.NoError(t, engine.HandleVote(ctx, &dVote))
	require.Len(t, engine.Delivered(), 1)
	require.Equal(t, [][]byte{[]byte("hello")}, dt.Applied())
}

func TestRestoreReplaysLog(t *testing.T) {
	ctx := context.Background()
	net, nodes := newCluster(t, 4)

	_, err := nodes[0].engine.Propose(ctx, []byte("one"))
	require.NoError(t, err)
	net.Settle(ctx)
	_, err = nodes[0].engine.ProposeAdd(ctx, sign.NewTestSigner().Actor())
	require.NoError(t, err)
	net.Settle(ctx)
	_, err = nodes[1].engine.Propose(ctx, []byte("two"))
	require.NoError(t, err)
	net.Settle(ctx)

	entries := nodes[0].engine.Delivered()
	require.Len(t, entries, 3)

	// a restarted process replays its persisted log instead of syncing
	dt := &testDT{}
	genesis := membership.NewSet(0, genesisMembers(nodes))
	restarted := broadcast.New(nodes[0].signer, dt, genesis,
		network.NewLocal().Join(nodes[0].engine.Actor(), &forwarder{}))
	require.NoError(t, restarted.Restore(ctx, entries))

	require.Equal(t, deliveredIDs(nodes[0].engine), deliveredIDs(restarted))
	require.Equal(t, nodes[0].engine.Generation(), restarted.Generation())
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, dt.Applied())
}

func genesisMembers(nodes []*node) []membership.Actor {
	members := make([]membership.Actor, len(nodes))
	for i, nd := range nodes {
		members[i] = nd.signer.Actor()
	}
	return members
}
