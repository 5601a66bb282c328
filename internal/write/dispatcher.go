/*
Package write is the Write Dispatcher (spec.md §4.D): it routes one
mutation to local apply plus remote send, bundling same-DC, cross-DC
fan-out behind a single relay per remote datacenter, and falls back to a
hint for any destination that is down but hintable. Counter writes take a
separate path: applied locally and forwarded if the coordinator is itself
a replica, or forwarded whole to a chosen leader replica otherwise.
*/
package write

import (
	"context"
	"fmt"
	"math/rand"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/hints"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/quorum"
	"github.com/chaordic/cassandra/internal/stage"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

var logger = logging.MustGetLogger("write")

// Dispatcher is the Write Dispatcher.
type Dispatcher struct {
	local     topology.Endpoint
	resolver  *topology.Resolver
	messenger messaging.Messenger
	registry  *messaging.Registry
	hints     *hints.Submitter
	cfg       *config.AdminConfig
	metrics   *metrics.Sink

	mutationStage        *stage.Stage
	counterMutationStage *stage.Stage
}

// New builds a Write Dispatcher bound to local's address.
func New(
	local topology.Endpoint,
	resolver *topology.Resolver,
	messenger messaging.Messenger,
	registry *messaging.Registry,
	hintSubmitter *hints.Submitter,
	cfg *config.AdminConfig,
	sink *metrics.Sink,
	mutationStage, counterMutationStage *stage.Stage,
) *Dispatcher {
	return &Dispatcher{
		local:                 local,
		resolver:              resolver,
		messenger:             messenger,
		registry:              registry,
		hints:                 hintSubmitter,
		cfg:                   cfg,
		metrics:               sink,
		mutationStage:         mutationStage,
		counterMutationStage:  counterMutationStage,
	}
}

// Dispatch implements spec.md §4.D's non-counter write path: resolve, fail
// fast on insufficient live nodes, then route each destination to local
// apply, an individual remote send, a DC-bundled relay send, or a hint.
func (d *Dispatcher) Dispatch(ctx context.Context, mutation store.Mutation, plan store.WritePlan) error {
	all := append(append([]topology.Endpoint{}, plan.Natural...), plan.Pending...)
	pendingSet := make(map[topology.Endpoint]struct{}, len(plan.Pending))
	for _, p := range plan.Pending {
		pendingSet[p] = struct{}{}
	}

	live := d.resolver.FilterAlive(all)
	h := quorum.New(quorum.KindWrite, all, plan.Pending, plan.Consistency, mutation.Keyspace(), plan.WriteType, plan.BlockFor, d.cfg.Timeouts().Write, nil)
	if err := h.AssureSufficientLiveNodes(live); err != nil {
		return err
	}

	for dc, endpoints := range d.resolver.GroupByDatacenter(all) {
		if dc == plan.LocalDC {
			for _, e := range endpoints {
				d.routeLocalDC(ctx, mutation, e, plan.Consistency, h)
			}
			continue
		}

		var aliveRemote []topology.Endpoint
		for _, e := range endpoints {
			if d.resolver.Liveness().IsAlive(e) {
				aliveRemote = append(aliveRemote, e)
			} else {
				d.handleDeadTarget(mutation, e, plan.Consistency, h)
			}
		}
		switch len(aliveRemote) {
		case 0:
			// everything in this DC was dead; already handled above.
		case 1:
			d.sendIndividual(mutation, aliveRemote[0], h)
		default:
			d.sendRelayBundle(mutation, aliveRemote, h)
		}
	}

	return h.Await()
}

func (d *Dispatcher) routeLocalDC(ctx context.Context, mutation store.Mutation, e topology.Endpoint, consistency store.ConsistencyLevel, h *quorum.Handler) {
	if e == d.local {
		d.dispatchLocal(ctx, mutation, h)
		return
	}
	if d.resolver.Liveness().IsAlive(e) {
		d.sendIndividual(mutation, e, h)
		return
	}
	d.handleDeadTarget(mutation, e, consistency, h)
}

// handleDeadTarget is spec.md §4.D step 2's "else" branch: hint if
// allowed, otherwise drop the destination silently (the collector simply
// never hears from it). consistency is only consulted to decide whether a
// successfully-submitted hint should itself count toward CL=ANY.
func (d *Dispatcher) handleDeadTarget(mutation store.Mutation, target topology.Endpoint, consistency store.ConsistencyLevel, h *quorum.Handler) {
	if !d.hints.ShouldHint(target) {
		logger.Debug("write: %s is down and not hintable, dropping silently", target)
		return
	}
	hostID := d.resolver.Oracle().HostID(target)
	if err := d.hints.Submit(mutation, target, hostID); err != nil {
		logger.Warning("write: hint submission for %s failed: %v", target, err)
		return
	}
	if consistency == store.Any {
		h.OnResponse(target)
	}
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, mutation store.Mutation, h *quorum.Handler) {
	err := d.mutationStage.Submit(ctx, messaging.VerbMutation, d.cfg.Timeouts().Write, func() {
		if err := mutation.Apply(); err != nil {
			logger.Warning("write: local apply failed: %v", err)
			h.OnFailure(d.local)
			return
		}
		h.OnResponse(d.local)
	})
	if err != nil {
		h.OnFailure(d.local)
	}
}

func (d *Dispatcher) sendIndividual(mutation store.Mutation, target topology.Endpoint, h *quorum.Handler) {
	cb := &mutationCallback{handler: h, target: target}
	req := &MutationRequest{Mutation: mutation}
	if _, err := d.messenger.SendRRWithFailure(req, target, cb); err != nil {
		h.OnFailure(target)
	}
}

// sendRelayBundle implements spec.md §4.D.3: a remote DC with N>1 alive
// destinations gets exactly one message, addressed to a relay, carrying a
// forwarding header for the other N-1. The relay applies its own copy and
// fans the rest out locally, reporting back per-destination via the
// attached callback ids (spec.md §8 property 5: at most one message per
// remote datacenter).
func (d *Dispatcher) sendRelayBundle(mutation store.Mutation, endpoints []topology.Endpoint, h *quorum.Handler) {
	sorted := d.resolver.SortByProximity(d.local, endpoints)
	relay := sorted[0]
	others := sorted[1:]

	forwardTo := make([]ForwardTarget, 0, len(others))
	for _, e := range others {
		cb := &mutationCallback{handler: h, target: e}
		id := d.registry.Register(cb)
		forwardTo = append(forwardTo, ForwardTarget{Endpoint: e, CallbackID: id})
	}

	relayCB := &mutationCallback{handler: h, target: relay}
	req := &MutationRequest{Mutation: mutation, ForwardTo: forwardTo}
	if _, err := d.messenger.SendRRWithFailure(req, relay, relayCB); err != nil {
		h.OnFailure(relay)
		for _, ft := range forwardTo {
			d.registry.Remove(ft.CallbackID)
			h.OnFailure(ft.Endpoint)
		}
	}
}

// mutationCallback adapts a messaging.Callback onto the response
// collector for one destination.
type mutationCallback struct {
	handler *quorum.Handler
	target  topology.Endpoint
}

func (c *mutationCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*MutationResponse)
	if ok && !resp.Applied {
		c.handler.OnFailure(c.target)
		return
	}
	c.handler.OnResponse(c.target)
}

func (c *mutationCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}

// HandleMutationRequest is the receiving side of MutationRequest: apply
// locally, and if the request carries a forwarding header, relay it on to
// the other destinations and report their outcomes back to the original
// coordinator. The caller (the messaging transport, out of scope here) is
// expected to invoke this from its MUTATION verb handler and ship the
// returned MutationResponse back to from.
func (d *Dispatcher) HandleMutationRequest(req *MutationRequest, from topology.Endpoint) *MutationResponse {
	err := req.Mutation.Apply()
	if err != nil {
		logger.Warning("write: applying received mutation failed: %v", err)
	}

	for _, ft := range req.ForwardTo {
		go d.relayForward(req.Mutation, ft, from)
	}

	return &MutationResponse{Applied: err == nil, Reason: errString(err)}
}

func (d *Dispatcher) relayForward(mutation store.Mutation, target ForwardTarget, coordinator topology.Endpoint) {
	cb := &relayForwardCallback{messenger: d.messenger, coordinator: coordinator, callbackID: target.CallbackID}
	req := &MutationRequest{Mutation: mutation}
	if _, err := d.messenger.SendRRWithFailure(req, target.Endpoint, cb); err != nil {
		cb.OnFailure(target.Endpoint)
	}
}

// relayForwardCallback is how a relay reports one forwarded destination's
// outcome back to the coordinator that bundled it.
type relayForwardCallback struct {
	messenger   messaging.Messenger
	coordinator topology.Endpoint
	callbackID  messaging.CallbackID
}

func (c *relayForwardCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	applied := true
	if resp, ok := msg.(*MutationResponse); ok {
		applied = resp.Applied
	}
	c.send(applied)
}

func (c *relayForwardCallback) OnFailure(from topology.Endpoint) {
	c.send(false)
}

func (c *relayForwardCallback) send(applied bool) {
	resp := &ForwardedMutationResponse{CallbackID: c.callbackID, Applied: applied}
	if err := c.messenger.SendOneWay(resp, c.coordinator); err != nil {
		logger.Warning("write: relaying forwarded response to %s failed: %v", c.coordinator, err)
	}
}

// HandleForwardedResponse is the coordinator side of relayForwardCallback:
// the transport layer should call this for every inbound
// ForwardedMutationResponse, routing it back to the waiting response
// collector through the callback registry.
func (d *Dispatcher) HandleForwardedResponse(msg *ForwardedMutationResponse, from topology.Endpoint) {
	if msg.Applied {
		d.registry.Dispatch(msg.CallbackID, from, &MutationResponse{Applied: true})
	} else {
		d.registry.Fail(msg.CallbackID, from)
	}
	d.registry.Remove(msg.CallbackID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// DispatchCounter implements spec.md §4.D's counter-write path. Counter
// mutations are never hinted: a down replica simply counts as a failure
// toward blockFor.
func (d *Dispatcher) DispatchCounter(ctx context.Context, mutation store.Mutation, plan store.WritePlan, coordinatorIsReplica bool) error {
	if coordinatorIsReplica {
		return d.applyCounterLocallyAndForward(ctx, mutation, plan)
	}

	leader, err := d.chooseCounterLeader(plan)
	if err != nil {
		return err
	}
	h := quorum.New(quorum.KindWrite, []topology.Endpoint{leader}, nil, plan.Consistency, mutation.Keyspace(), cerrors.WriteCounter, 1, d.cfg.Timeouts().CounterWrite, nil)
	d.sendIndividual(mutation, leader, h)
	return h.Await()
}

func (d *Dispatcher) applyCounterLocallyAndForward(ctx context.Context, mutation store.Mutation, plan store.WritePlan) error {
	applyErr := make(chan error, 1)
	if err := d.counterMutationStage.Submit(ctx, messaging.VerbCounterMutation, d.cfg.Timeouts().CounterWrite, func() {
		applyErr <- mutation.Apply()
	}); err != nil {
		return fmt.Errorf("write: submitting counter mutation: %w", err)
	}
	select {
	case err := <-applyErr:
		if err != nil {
			return fmt.Errorf("write: applying counter mutation: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	peers := excludeEndpoint(append(append([]topology.Endpoint{}, plan.Natural...), plan.Pending...), d.local)
	if len(peers) == 0 {
		return nil
	}

	remaining := plan.BlockFor - 1
	if remaining <= 0 {
		// the local apply already satisfied blockFor; forward to peers
		// for replication without making the client wait on them.
		for _, e := range peers {
			if d.resolver.Liveness().IsAlive(e) {
				d.sendIndividual(mutation, e, quorum.New(quorum.KindWrite, []topology.Endpoint{e}, nil, plan.Consistency, mutation.Keyspace(), cerrors.WriteCounter, 1, d.cfg.Timeouts().CounterWrite, nil))
			}
		}
		return nil
	}

	h := quorum.New(quorum.KindWrite, peers, plan.Pending, plan.Consistency, mutation.Keyspace(), cerrors.WriteCounter, remaining, d.cfg.Timeouts().CounterWrite, nil)
	for _, e := range peers {
		if d.resolver.Liveness().IsAlive(e) {
			d.sendIndividual(mutation, e, h)
		} else {
			// counter mutations are never hinted (spec.md §4.D); a down
			// peer is reported to the collector as a failure right away.
			h.OnFailure(e)
		}
	}
	return h.Await()
}

// chooseCounterLeader picks a random live local-DC replica, falling back
// to the closest live replica anywhere if the local DC has none alive.
func (d *Dispatcher) chooseCounterLeader(plan store.WritePlan) (topology.Endpoint, error) {
	localReplicas := d.resolver.RestrictToLocalDC(plan.Natural, plan.LocalDC)
	aliveLocal := d.resolver.FilterAlive(localReplicas)
	if len(aliveLocal) > 0 {
		return aliveLocal[rand.Intn(len(aliveLocal))], nil
	}
	sorted := d.resolver.SortByProximity(d.local, d.resolver.FilterAlive(plan.Natural))
	if len(sorted) > 0 {
		return sorted[0], nil
	}
	return "", cerrors.NewUnavailable(1, 0, "no live replica available to lead counter write")
}

func excludeEndpoint(endpoints []topology.Endpoint, e topology.Endpoint) []topology.Endpoint {
	out := make([]topology.Endpoint, 0, len(endpoints))
	for _, x := range endpoints {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

