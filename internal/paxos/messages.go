package paxos

import (
	"github.com/chaordic/cassandra/internal/ballot"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/store"
)

// Commit is (ballot, update); a prepare commit carries a nil Update, a
// proposal/committed commit carries the update to apply (spec.md §3).
type Commit struct {
	Ballot ballot.Ballot
	Update store.Mutation
}

// PrepareRequest is S0's prepare message.
type PrepareRequest struct {
	Ballot       ballot.Ballot
	PartitionKey string
}

func (r *PrepareRequest) Verb() messaging.Verb { return messaging.VerbPaxosPrepare }

// PrepareResponse is a replica's promise, or its refusal carrying the
// higher ballot it has already promised.
type PrepareResponse struct {
	Promised          bool
	PromisedBallot    ballot.Ballot // the replica's current promisedBallot, whether or not this prepare was granted
	AcceptedProposal  *Commit
	MostRecentCommit  *Commit
}

func (r *PrepareResponse) Verb() messaging.Verb { return messaging.VerbPaxosPrepare }

// ProposeRequest is S2's accept message.
type ProposeRequest struct {
	Ballot ballot.Ballot
	Update store.Mutation
}

func (r *ProposeRequest) Verb() messaging.Verb { return messaging.VerbPaxosAccept }

// ProposeResponse is a replica's accept, or its refusal carrying the
// higher ballot it has promised since.
type ProposeResponse struct {
	Accepted       bool
	PromisedBallot ballot.Ballot
}

func (r *ProposeResponse) Verb() messaging.Verb { return messaging.VerbPaxosAccept }

// CommitRequest is S3's (or MISSING_MRC's fire-and-forget) commit message.
type CommitRequest struct {
	Ballot ballot.Ballot
	Update store.Mutation
}

func (r *CommitRequest) Verb() messaging.Verb { return messaging.VerbPaxosCommit }

// CommitResponse is a bare acknowledgement.
type CommitResponse struct{}

func (r *CommitResponse) Verb() messaging.Verb { return messaging.VerbPaxosCommit }
