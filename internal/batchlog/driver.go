/*
Package batchlog is the Batchlog Driver (spec.md §4.H): it durably records
an atomic batch of mutations on two local-DC endpoints before handing the
mutations to the Write Dispatcher, then asynchronously clears the
batchlog entry once they land. There is no teacher precedent for this
component (src/ has no batch log of its own); it is grounded on this
workspace's own Response Collector and Write Dispatcher idiom, the same
quorum.Handler fan-out every other driver in this module uses.
*/
package batchlog

import (
	"context"
	"sort"

	"github.com/google/uuid"
	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/quorum"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
	"github.com/chaordic/cassandra/internal/write"
)

var logger = logging.MustGetLogger("batchlog")

// Entry is one mutation of the batch, alongside the write plan it would
// have been dispatched with outside of a batch (its own partition key
// resolves its own replica set).
type Entry struct {
	Mutation store.Mutation
	Plan     store.WritePlan
}

// Driver is the Batchlog Driver.
type Driver struct {
	local      topology.Endpoint
	resolver   *topology.Resolver
	messenger  messaging.Messenger
	dispatcher *write.Dispatcher
	cfg        *config.AdminConfig
	metrics    *metrics.Sink
}

// New builds a Batchlog Driver.
func New(local topology.Endpoint, resolver *topology.Resolver, messenger messaging.Messenger, dispatcher *write.Dispatcher, cfg *config.AdminConfig, sink *metrics.Sink) *Driver {
	return &Driver{local: local, resolver: resolver, messenger: messenger, dispatcher: dispatcher, cfg: cfg, metrics: sink}
}

// Execute runs spec.md §4.H steps 1-4 for one atomic batch.
func (d *Driver) Execute(ctx context.Context, keyspace string, entries []Entry) error {
	endpoints := d.selectEndpoints()
	batchID := uuid.NewString()

	mutations := make([]store.Mutation, len(entries))
	for i, e := range entries {
		mutations[i] = e.Mutation
	}

	if err := d.writeBatchlog(batchID, keyspace, mutations, endpoints); err != nil {
		return err
	}

	for _, e := range entries {
		if err := d.dispatcher.Dispatch(ctx, e.Mutation, e.Plan); err != nil {
			logger.Warning("batchlog: batch %s mutation on %q failed, leaving entry for replay: %v", batchID, e.Mutation.PartitionKey(), err)
			return err
		}
	}

	go d.deleteBatchlog(batchID, endpoints)
	return nil
}

// selectEndpoints implements spec.md §4.H step 1: prefer two local-DC
// peers in distinct racks, fall back to filling with a same-rack peer,
// and fall back to self alone when the local DC has no other live member
// (a single-node DC, the only case self can stand in for a whole copy).
func (d *Driver) selectEndpoints() []topology.Endpoint {
	localDC := d.resolver.Datacenter(d.local)
	live := d.resolver.Liveness().LiveMembers()

	var peers []topology.Endpoint
	for e := range live {
		if e != d.local && d.resolver.Datacenter(e) == localDC {
			peers = append(peers, e)
		}
	}
	if len(peers) == 0 {
		return []topology.Endpoint{d.local}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	selfRack := d.resolver.Rack(d.local)
	usedRack := map[topology.Rack]struct{}{selfRack: {}}
	out := make([]topology.Endpoint, 0, 2)

	for _, e := range peers {
		r := d.resolver.Rack(e)
		if _, dup := usedRack[r]; dup {
			continue
		}
		usedRack[r] = struct{}{}
		out = append(out, e)
		if len(out) == 2 {
			return out
		}
	}
	for _, e := range peers {
		if len(out) == 2 {
			break
		}
		if containsEndpoint(out, e) {
			continue
		}
		out = append(out, e)
	}
	if len(out) < 2 {
		out = append(out, d.local)
	}
	return out
}

func containsEndpoint(list []topology.Endpoint, e topology.Endpoint) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}

// writeBatchlog is spec.md §4.H step 2: a sync write to both selected
// endpoints at CL=one — the two endpoints are the replica set, ONE is the
// blockFor, exactly like a single-key write with a replication factor of
// two.
func (d *Driver) writeBatchlog(batchID, keyspace string, mutations []store.Mutation, endpoints []topology.Endpoint) error {
	live := d.resolver.FilterAlive(endpoints)
	h := quorum.New(quorum.KindWrite, endpoints, nil, store.One, keyspace, cerrors.WriteBatchLog, 1, d.cfg.Timeouts().Write, nil)
	if err := h.AssureSufficientLiveNodes(live); err != nil {
		return err
	}
	for _, e := range endpoints {
		if !d.resolver.Liveness().IsAlive(e) {
			h.OnFailure(e)
			continue
		}
		cb := &writeCallback{handler: h, target: e}
		req := &WriteRequest{BatchID: batchID, Keyspace: keyspace, Mutations: mutations}
		if _, err := d.messenger.SendRRWithFailure(req, e, cb); err != nil {
			h.OnFailure(e)
		}
	}
	return h.Await()
}

// deleteBatchlog is spec.md §4.H step 4: fire-and-forget, CL=any.
func (d *Driver) deleteBatchlog(batchID string, endpoints []topology.Endpoint) {
	for _, e := range endpoints {
		req := &DeleteRequest{BatchID: batchID}
		if err := d.messenger.SendOneWay(req, e); err != nil {
			logger.Warning("batchlog: delete of %s on %s failed: %v", batchID, e, err)
		}
	}
}

type writeCallback struct {
	handler *quorum.Handler
	target  topology.Endpoint
}

func (c *writeCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	c.handler.OnResponse(c.target)
}

func (c *writeCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}
