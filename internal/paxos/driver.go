/*
Package paxos is the Paxos Driver (spec.md §4.G): the classic single-key
Prepare/Read/Propose/Commit state machine for one compare-and-swap
attempt, wrapped in a contention-retry loop. Grounded in the teacher's
channel-fan-out, quorum-counting style (src/consensus/manager_prepare.go,
scope_accept.go, scope_commit.go) but redesigned around a single ballot
per key rather than the teacher's per-instance dependency graph: this
system runs classic Paxos, not EPaxos.
*/
package paxos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/ballot"
	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/quorum"
	"github.com/chaordic/cassandra/internal/read"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

var logger = logging.MustGetLogger("paxos")

// Operation is the caller-supplied compare-and-swap attempt: how to read
// the current state, whether the precondition holds against it, and what
// update to propose if it does. Implemented externally, per statement
// (spec.md §6 "out of scope: CQL condition evaluation").
type Operation interface {
	Keyspace() string
	PartitionKey() string
	ReadCommand() store.Command
	// Evaluate reports whether the CAS precondition holds against current.
	Evaluate(current store.PartitionResult) (bool, error)
	// BuildUpdate is only called once Evaluate has returned true.
	BuildUpdate(current store.PartitionResult) store.Mutation
}

// Plan is the routing input for one CAS attempt.
type Plan struct {
	Natural           []topology.Endpoint
	Pending           []topology.Endpoint
	Consistency       store.ConsistencyLevel // SERIAL or LOCAL_SERIAL
	ReadConsistency   store.ConsistencyLevel // the CL the S1 read actually runs at (LOCAL_QUORUM|QUORUM)
	CommitConsistency store.ConsistencyLevel // commit ack CL; ANY means fire-and-forget
	BlockFor          int
}

// Result is the outcome of one CAS call: Applied reports whether the
// precondition held and the update was committed; Current is always the
// value the precondition was evaluated against.
type Result struct {
	Applied bool
	Current store.PartitionResult
}

// Driver is the Paxos Driver.
type Driver struct {
	local     topology.Endpoint
	resolver  *topology.Resolver
	messenger messaging.Messenger
	cfg       *config.AdminConfig
	metrics   *metrics.Sink
	ballots   *ballot.Generator
	reader    *read.Executor
}

// New builds a Paxos Driver. reader is reused for the S1 quorum read.
func New(local topology.Endpoint, resolver *topology.Resolver, messenger messaging.Messenger, cfg *config.AdminConfig, sink *metrics.Sink, ballots *ballot.Generator, reader *read.Executor) *Driver {
	return &Driver{local: local, resolver: resolver, messenger: messenger, cfg: cfg, metrics: sink, ballots: ballots, reader: reader}
}

type transition int

const (
	transitionOK transition = iota
	transitionConditionFail
	transitionPreempted
	transitionIncompletePrior
	transitionMissingMRC
)

// Execute runs contention-retrying attempts until the CAS commits, the
// precondition is observed false, or the CAS-contention timeout expires.
func (d *Driver) Execute(ctx context.Context, op Operation, plan Plan) (Result, error) {
	deadline := time.Now().Add(d.cfg.Timeouts().CASContention)
	var floor ballot.Ballot

	for {
		if time.Now().After(deadline) {
			return Result{}, cerrors.NewWriteTimeout(cerrors.WriteCAS, plan.BlockFor, 0)
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		outcome, result, higher, err := d.attempt(ctx, op, plan, floor)
		switch outcome {
		case transitionOK, transitionConditionFail:
			return result, err
		case transitionPreempted:
			d.metrics.CASContention.Inc()
			floor = higher
			time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
		case transitionIncompletePrior, transitionMissingMRC:
			// already acted inside attempt; just restart at S0.
		default:
			return Result{}, err
		}
	}
}

func (d *Driver) attempt(ctx context.Context, op Operation, plan Plan, floor ballot.Ballot) (transition, Result, ballot.Ballot, error) {
	b := d.ballots.Next(floor)
	targets := d.resolver.FilterAlive(append(append([]topology.Endpoint{}, plan.Natural...), plan.Pending...))

	h := quorum.New(quorum.KindWrite, targets, plan.Pending, plan.Consistency, op.Keyspace(), cerrors.WriteCAS, plan.BlockFor, d.cfg.Timeouts().CASContention, nil)
	if err := h.AssureSufficientLiveNodes(targets); err != nil {
		return transitionOK, Result{}, ballot.Ballot{}, err
	}

	var mu sync.Mutex
	responses := make(map[topology.Endpoint]*PrepareResponse, len(targets))
	for _, e := range targets {
		cb := &prepareCallback{handler: h, target: e, onResponse: func(from topology.Endpoint, r *PrepareResponse) {
			mu.Lock()
			responses[from] = r
			mu.Unlock()
		}}
		if _, err := d.messenger.SendRRWithFailure(&PrepareRequest{Ballot: b, PartitionKey: op.PartitionKey()}, e, cb); err != nil {
			h.OnFailure(e)
		}
	}

	if err := h.Await(); err != nil {
		if higher := highestRefusal(responses, &mu); !higher.Zero() {
			logger.Debug("paxos: preempted preparing %s, refusing replica already promised %s", op.PartitionKey(), higher)
			return transitionPreempted, Result{}, higher, nil
		}
		return transitionOK, Result{}, ballot.Ballot{}, err
	}

	mu.Lock()
	mrc, missingMRC := reconcileMostRecentCommit(responses)
	accepted := highestAcceptedProposal(responses, mrc)
	mu.Unlock()

	if len(missingMRC) > 0 {
		logger.Debug("paxos: %d replicas missing most recent commit for %s, firing fire-and-forget commit", len(missingMRC), op.PartitionKey())
		for _, e := range missingMRC {
			go d.sendOneWayCommit(mrc, e)
		}
		return transitionMissingMRC, Result{}, ballot.Ballot{}, nil
	}

	if accepted != nil {
		logger.Debug("paxos: in-progress prior proposal for %s, finishing it under ballot %s before restarting", op.PartitionKey(), b)
		if err := d.propose(ctx, op.Keyspace(), plan, b, accepted.Update); err == nil {
			d.commit(ctx, plan, b, accepted.Update)
		}
		return transitionIncompletePrior, Result{}, ballot.Ballot{}, nil
	}

	read, err := d.readCurrent(ctx, op, plan, targets)
	if err != nil {
		return transitionOK, Result{}, ballot.Ballot{}, err
	}

	ok, err := op.Evaluate(read)
	if err != nil {
		return transitionOK, Result{}, ballot.Ballot{}, err
	}
	if !ok {
		return transitionConditionFail, Result{Applied: false, Current: read}, ballot.Ballot{}, nil
	}

	update := op.BuildUpdate(read)

	preempted, higher, err := d.proposeAndCheck(ctx, op.Keyspace(), plan, b, update)
	if preempted {
		return transitionPreempted, Result{}, higher, nil
	}
	if err != nil {
		return transitionOK, Result{}, ballot.Ballot{}, err
	}

	if err := d.commit(ctx, plan, b, update); err != nil {
		return transitionOK, Result{}, ballot.Ballot{}, err
	}

	return transitionOK, Result{Applied: true, Current: read}, ballot.Ballot{}, nil
}

// readCurrent is S1: a quorum read at the matching consistency, reusing
// the Read Executor against the same replica set this attempt targeted.
func (d *Driver) readCurrent(ctx context.Context, op Operation, plan Plan, targets []topology.Endpoint) (store.PartitionResult, error) {
	return d.reader.ExecuteWithPlan(ctx, op.ReadCommand(), read.Plan{
		Natural:     targets,
		Consistency: plan.ReadConsistency,
		BlockFor:    plan.BlockFor,
	})
}

// propose is S2 without preemption reporting, used for finishing an
// INCOMPLETE_PRIOR proposal where spec.md §4.G only asks that it run, not
// that its outcome gate the restart.
func (d *Driver) propose(ctx context.Context, keyspace string, plan Plan, b ballot.Ballot, update store.Mutation) error {
	_, _, err := d.proposeAndCheck(ctx, keyspace, plan, b, update)
	return err
}

// proposeAndCheck is S2 Propose: send accept to participants, requiring a
// quorum of accepts; any higher-ballot refusal preempts the whole attempt.
func (d *Driver) proposeAndCheck(ctx context.Context, keyspace string, plan Plan, b ballot.Ballot, update store.Mutation) (bool, ballot.Ballot, error) {
	targets := d.resolver.FilterAlive(append(append([]topology.Endpoint{}, plan.Natural...), plan.Pending...))
	h := quorum.New(quorum.KindWrite, targets, plan.Pending, plan.Consistency, keyspace, cerrors.WriteCAS, plan.BlockFor, d.cfg.Timeouts().CASContention, nil)
	if err := h.AssureSufficientLiveNodes(targets); err != nil {
		return false, ballot.Ballot{}, err
	}

	var mu sync.Mutex
	var highest ballot.Ballot
	for _, e := range targets {
		cb := &proposeCallback{handler: h, target: e, onRefusal: func(refused ballot.Ballot) {
			mu.Lock()
			if highest.Less(refused) {
				highest = refused
			}
			mu.Unlock()
		}}
		if _, err := d.messenger.SendRRWithFailure(&ProposeRequest{Ballot: b, Update: update}, e, cb); err != nil {
			h.OnFailure(e)
		}
	}

	if err := h.Await(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		if !highest.Zero() {
			return true, highest, nil
		}
		return false, ballot.Ballot{}, err
	}
	return false, ballot.Ballot{}, nil
}

// commit is S3: broadcast commit to natural ∪ pending, waiting for
// acknowledgements unless the commit consistency is ANY.
func (d *Driver) commit(ctx context.Context, plan Plan, b ballot.Ballot, update store.Mutation) error {
	targets := append(append([]topology.Endpoint{}, plan.Natural...), plan.Pending...)

	if plan.CommitConsistency == store.Any {
		for _, e := range targets {
			go d.sendOneWayCommit(&Commit{Ballot: b, Update: update}, e)
		}
		return nil
	}

	alive := d.resolver.FilterAlive(targets)
	blockFor := plan.BlockFor
	h := quorum.New(quorum.KindWrite, alive, plan.Pending, plan.CommitConsistency, update.Keyspace(), cerrors.WriteCAS, blockFor, d.cfg.Timeouts().CASContention, nil)
	if err := h.AssureSufficientLiveNodes(alive); err != nil {
		return err
	}
	for _, e := range alive {
		cb := &commitCallback{handler: h, target: e}
		if _, err := d.messenger.SendRRWithFailure(&CommitRequest{Ballot: b, Update: update}, e, cb); err != nil {
			h.OnFailure(e)
		}
	}
	return h.Await()
}

func (d *Driver) sendOneWayCommit(c *Commit, target topology.Endpoint) {
	if err := d.messenger.SendOneWay(&CommitRequest{Ballot: c.Ballot, Update: c.Update}, target); err != nil {
		logger.Warning("paxos: fire-and-forget commit to %s failed: %v", target, err)
	}
}

func highestRefusal(responses map[topology.Endpoint]*PrepareResponse, mu *sync.Mutex) ballot.Ballot {
	mu.Lock()
	defer mu.Unlock()
	var highest ballot.Ballot
	for _, r := range responses {
		if r == nil || r.Promised {
			continue
		}
		if highest.Less(r.PromisedBallot) {
			highest = r.PromisedBallot
		}
	}
	return highest
}

// reconcileMostRecentCommit finds the highest mostRecentCommit any
// promising replica reported, and which promising replicas haven't seen
// it (spec.md §4.G MISSING_MRC).
func reconcileMostRecentCommit(responses map[topology.Endpoint]*PrepareResponse) (*Commit, []topology.Endpoint) {
	var mrc *Commit
	for _, r := range responses {
		if r == nil || !r.Promised || r.MostRecentCommit == nil {
			continue
		}
		if mrc == nil || mrc.Ballot.Less(r.MostRecentCommit.Ballot) {
			mrc = r.MostRecentCommit
		}
	}
	if mrc == nil {
		return nil, nil
	}
	var missing []topology.Endpoint
	for e, r := range responses {
		if r == nil || !r.Promised {
			continue
		}
		if r.MostRecentCommit == nil || r.MostRecentCommit.Ballot.Less(mrc.Ballot) {
			missing = append(missing, e)
		}
	}
	return mrc, missing
}

// highestAcceptedProposal finds a promising replica's in-progress
// accepted proposal whose ballot is ahead of the reconciled
// mostRecentCommit, across the quorum (spec.md §4.G INCOMPLETE_PRIOR).
func highestAcceptedProposal(responses map[topology.Endpoint]*PrepareResponse, mrc *Commit) *Commit {
	var highest *Commit
	for _, r := range responses {
		if r == nil || !r.Promised || r.AcceptedProposal == nil {
			continue
		}
		if mrc != nil && r.AcceptedProposal.Ballot.Compare(mrc.Ballot) <= 0 {
			continue
		}
		if highest == nil || highest.Ballot.Less(r.AcceptedProposal.Ballot) {
			highest = r.AcceptedProposal
		}
	}
	return highest
}

type prepareCallback struct {
	handler    *quorum.Handler
	target     topology.Endpoint
	onResponse func(from topology.Endpoint, resp *PrepareResponse)
}

func (c *prepareCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*PrepareResponse)
	if !ok {
		c.handler.OnFailure(c.target)
		return
	}
	c.onResponse(from, resp)
	if resp.Promised {
		c.handler.OnResponse(c.target)
	} else {
		c.handler.OnFailure(c.target)
	}
}

func (c *prepareCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}

type proposeCallback struct {
	handler   *quorum.Handler
	target    topology.Endpoint
	onRefusal func(refused ballot.Ballot)
}

func (c *proposeCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*ProposeResponse)
	if !ok {
		c.handler.OnFailure(c.target)
		return
	}
	if resp.Accepted {
		c.handler.OnResponse(c.target)
		return
	}
	c.onRefusal(resp.PromisedBallot)
	c.handler.OnFailure(c.target)
}

func (c *proposeCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}

type commitCallback struct {
	handler *quorum.Handler
	target  topology.Endpoint
}

func (c *commitCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	c.handler.OnResponse(c.target)
}

func (c *commitCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}
