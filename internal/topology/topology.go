/*
Package topology is the Endpoint Resolver (§4.A): it maps a (keyspace, key)
to natural and pending replicas, and exposes liveness/proximity filtering
over a snapshot of the cluster's topology. It consumes, but does not
implement, the placement oracle, the liveness detector and the snitch — the
token ring, replication strategy and failure detector are external
collaborators (spec.md §1 "Out of scope").
*/
package topology

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/op/go-logging"

	"github.com/google/uuid"
)

var logger = logging.MustGetLogger("topology")

// Endpoint identifies a replica on the wire; opaque to this package, it is
// whatever the messaging layer uses to address a node (typically host:port).
type Endpoint string

// DatacenterID and Rack name the position of an endpoint in the snitch's
// topology tree.
type DatacenterID string
type Rack string

// Token is an opaque partitioner output; this package never interprets its
// bytes, only passes it to the placement oracle.
type Token []byte

func (t Token) String() string { return fmt.Sprintf("%x", []byte(t)) }

// ReplicaDescriptor is the full picture of one replica for a given
// operation: who it is, where it lives, whether it's alive, and whether it
// is only receiving writes because of an in-flight range movement.
type ReplicaDescriptor struct {
	Endpoint     Endpoint
	Datacenter   DatacenterID
	Rack         Rack
	Alive        bool
	IsPending    bool
}

// PlacementOracle is the token ring / replica-placement contract consumed
// by the resolver. Implemented externally (gossip + ring state); this
// package only calls it.
type PlacementOracle interface {
	NaturalEndpoints(keyspace string, token Token) []Endpoint
	PendingEndpoints(token Token, keyspace string) []Endpoint
	HostID(e Endpoint) uuid.UUID
	SortedTokens() []Token
	Topology() map[DatacenterID]map[Rack][]Endpoint
}

// LivenessDetector is the per-endpoint failure detector contract.
type LivenessDetector interface {
	IsAlive(e Endpoint) bool
	DowntimeMillis(e Endpoint) uint64
	LiveMembers() map[Endpoint]struct{}
	UnreachableMembers() map[Endpoint]struct{}
	LiveTokenOwners() map[Endpoint]struct{}
}

// Snitch is the datacenter/rack/proximity oracle contract.
type Snitch interface {
	Datacenter(e Endpoint) DatacenterID
	Rack(e Endpoint) Rack
	SortByProximity(self Endpoint, endpoints []Endpoint) []Endpoint
	IsWorthMergingForRangeQuery(merged, left, right []Endpoint) bool
}

type cacheKey struct {
	keyspace string
	token    string
}

// Resolver is the Endpoint Resolver. It holds no mutable cluster state of
// its own — only a bounded cache over the oracle's answers, since §4.A
// describes the component as "pure over a snapshot of topology".
type Resolver struct {
	oracle   PlacementOracle
	liveness LivenessDetector
	snitch   Snitch
	cache    *lru.Cache[cacheKey, []Endpoint]
}

// NewResolver builds a resolver with a bounded natural-endpoint cache of
// cacheSize entries. A small cache is enough: hot tokens dominate traffic
// and a miss just re-asks the oracle.
func NewResolver(oracle PlacementOracle, liveness LivenessDetector, snitch Snitch, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[cacheKey, []Endpoint](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("topology: building resolver cache: %w", err)
	}
	return &Resolver{oracle: oracle, liveness: liveness, snitch: snitch, cache: cache}, nil
}

// NaturalEndpoints returns the ordered, stable set of replicas the
// placement oracle assigns to key, for the given token.
func (r *Resolver) NaturalEndpoints(keyspace string, token Token) []Endpoint {
	key := cacheKey{keyspace: keyspace, token: token.String()}
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}
	endpoints := r.oracle.NaturalEndpoints(keyspace, token)
	logger.Debug("resolved natural endpoints for %s/%s: %v", keyspace, token, endpoints)
	r.cache.Add(key, endpoints)
	return endpoints
}

// PendingEndpoints returns additional replicas receiving writes during a
// range movement; never cached, since pending membership is transient by
// definition.
func (r *Resolver) PendingEndpoints(keyspace string, token Token) []Endpoint {
	return r.oracle.PendingEndpoints(token, keyspace)
}

// Describe builds full ReplicaDescriptors for a natural/pending endpoint
// set, stamping liveness and topology onto each.
func (r *Resolver) Describe(natural, pending []Endpoint) []ReplicaDescriptor {
	out := make([]ReplicaDescriptor, 0, len(natural)+len(pending))
	add := func(e Endpoint, isPending bool) {
		out = append(out, ReplicaDescriptor{
			Endpoint:   e,
			Datacenter: r.snitch.Datacenter(e),
			Rack:       r.snitch.Rack(e),
			Alive:      r.liveness.IsAlive(e),
			IsPending:  isPending,
		})
	}
	for _, e := range natural {
		add(e, false)
	}
	for _, e := range pending {
		add(e, true)
	}
	return out
}

// FilterAlive keeps only endpoints the liveness detector currently reports
// as alive, preserving order.
func (r *Resolver) FilterAlive(endpoints []Endpoint) []Endpoint {
	alive := make([]Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if r.liveness.IsAlive(e) {
			alive = append(alive, e)
		}
	}
	return alive
}

// SortByProximity defers to the snitch to order endpoints by closeness to
// self; used to pick the data-request target and the speculative-retry
// target for reads (§4.E).
func (r *Resolver) SortByProximity(self Endpoint, endpoints []Endpoint) []Endpoint {
	return r.snitch.SortByProximity(self, endpoints)
}

// Datacenter and Rack expose the snitch's placement for a single endpoint,
// for callers (e.g. the Batchlog Driver) that pick endpoints by rack
// diversity rather than by DC bucket or proximity order.
func (r *Resolver) Datacenter(e Endpoint) DatacenterID { return r.snitch.Datacenter(e) }
func (r *Resolver) Rack(e Endpoint) Rack               { return r.snitch.Rack(e) }

// RestrictToLocalDC filters endpoints down to the given datacenter.
func (r *Resolver) RestrictToLocalDC(endpoints []Endpoint, dc DatacenterID) []Endpoint {
	out := make([]Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if r.snitch.Datacenter(e) == dc {
			out = append(out, e)
		}
	}
	return out
}

// GroupByDatacenter buckets endpoints by datacenter, preserving the
// relative order within each bucket; used by the Write Dispatcher to build
// per-DC forwarding bundles (§4.D).
func (r *Resolver) GroupByDatacenter(endpoints []Endpoint) map[DatacenterID][]Endpoint {
	groups := make(map[DatacenterID][]Endpoint)
	for _, e := range endpoints {
		dc := r.snitch.Datacenter(e)
		groups[dc] = append(groups[dc], e)
	}
	return groups
}

// IsWorthMerging asks the snitch whether two adjacent range-scan pieces
// should be merged, given their filtered live endpoint sets (§4.F.2).
func (r *Resolver) IsWorthMerging(merged, left, right []Endpoint) bool {
	return r.snitch.IsWorthMergingForRangeQuery(merged, left, right)
}

// Liveness exposes the raw liveness detector for callers (e.g. the Truncate
// Driver) that need whole-cluster membership rather than per-key replicas.
func (r *Resolver) Liveness() LivenessDetector { return r.liveness }

// Oracle exposes the raw placement oracle for whole-ring operations
// (truncate, schema probe) that iterate every token owner rather than a
// single key's replicas.
func (r *Resolver) Oracle() PlacementOracle { return r.oracle }
