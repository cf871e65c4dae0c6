package broadcast

import (
	"bytes"
	"sort"

	"github.com/dsbnet/dsb/membership"
)

// voteResult is the outcome of staging one vote into the tally.
type voteResult uint8

const (
	voteRecorded voteResult = iota + 1
	voteDuplicate
	voteConflicting
	voteFromEquivocator
)

// Evidence captures an observed equivocation: two different votes signed by
// the same voter for the same op id and generation. It is exposed so that
// higher-level policy can act on it; the engine itself only discards the
// offender's votes for the remainder of the generation.
type Evidence struct {
	Voter      membership.Actor
	Generation membership.Generation
	First      Vote
	Second     Vote
}

// tally accumulates votes per op id for one generation. It is a pure data
// structure: the engine serializes all access and makes the quorum decisions.
type tally struct {
	ops          map[OpID]*Op
	votes        map[OpID]map[membership.Actor]Vote
	certified    map[OpID]struct{}
	equivocators map[membership.Actor]struct{}
}

func newTally() *tally {
	return &tally{
		ops:          make(map[OpID]*Op),
		votes:        make(map[OpID]map[membership.Actor]Vote),
		certified:    make(map[OpID]struct{}),
		equivocators: make(map[membership.Actor]struct{}),
	}
}

// setOp records the operation a tally key refers to. Votes may arrive before
// their op; a certificate can only be assembled once the op is known.
func (t *tally) setOp(id OpID, op *Op) {
	if _, ok := t.ops[id]; !ok {
		t.ops[id] = op
	}
}

func (t *tally) op(id OpID) *Op {
	return t.ops[id]
}

// add stages a vote. A repeat of an already-recorded vote is reported as a
// duplicate, a different vote from the same voter as conflicting. Conflicting
// votes mark the voter as an equivocator and purge their votes from every
// tally of the generation.
func (t *tally) add(vote Vote) (voteResult, *Evidence) {
	if _, ok := t.equivocators[vote.Voter]; ok {
		return voteFromEquivocator, nil
	}
	votes, ok := t.votes[vote.OpID]
	if !ok {
		votes = make(map[membership.Actor]Vote)
		t.votes[vote.OpID] = votes
	}
	if existing, ok := votes[vote.Voter]; ok {
		if bytes.Equal(existing.Signature, vote.Signature) {
			return voteDuplicate, nil
		}
		t.markEquivocator(vote.Voter)
		return voteConflicting, &Evidence{
			Voter:      vote.Voter,
			Generation: vote.Generation,
			First:      existing,
			Second:     vote,
		}
	}
	votes[vote.Voter] = vote
	return voteRecorded, nil
}

func (t *tally) count(id OpID) int {
	return len(t.votes[id])
}

func (t *tally) hasVote(id OpID, voter membership.Actor) bool {
	_, ok := t.votes[id][voter]
	return ok
}

// collect returns the recorded votes for an op id in deterministic voter
// order, for inclusion in a certificate.
func (t *tally) collect(id OpID) []Vote {
	votes := make([]Vote, 0, len(t.votes[id]))
	for _, v := range t.votes[id] {
		votes = append(votes, v)
	}
	sortVotes(votes)
	return votes
}

// markCertified flags an op id so the engine does not rebroadcast a
// certificate every time a late vote trickles in.
func (t *tally) markCertified(id OpID) {
	t.certified[id] = struct{}{}
}

func (t *tally) isCertified(id OpID) bool {
	_, ok := t.certified[id]
	return ok
}

func (t *tally) markEquivocator(voter membership.Actor) {
	t.equivocators[voter] = struct{}{}
	for _, votes := range t.votes {
		delete(votes, voter)
	}
}

// drop garbage-collects the tally for an op id once a certificate has been
// produced for it.
func (t *tally) drop(id OpID) {
	delete(t.ops, id)
	delete(t.votes, id)
}

func sortVotes(votes []Vote) {
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].Voter.Compare(votes[j].Voter) < 0
	})
}
