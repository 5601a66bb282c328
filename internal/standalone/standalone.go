/*
Package standalone is a single-node topology and transport adapter for
cmd/coordinatord's default run mode: every partition's natural endpoint
is the local node itself, so the coordinator can be exercised or run
stand-alone without a gossip layer, a token ring, or a socket transport
to stand up first. It plays the same role the teacher's mockCluster and
mockNode play in src/consensus/testing_mocks.go, adapted from a test
fixture into a real (if minimal) operating mode: one node, one rack, one
datacenter, always alive.
*/
package standalone

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

// DatacenterID and RackID name the fixed placement every endpoint reports.
const (
	DatacenterID = topology.DatacenterID("dc1")
	RackID       = topology.Rack("rack1")
)

// Oracle is a single-token, single-node PlacementOracle: local owns every
// partition, and there is never a pending endpoint.
type Oracle struct {
	Local topology.Endpoint
	token topology.Token
	hosts map[topology.Endpoint]uuid.UUID
}

// NewOracle builds a placement oracle that owns the whole ring.
func NewOracle(local topology.Endpoint) *Oracle {
	return &Oracle{
		Local: local,
		token: topology.Token([]byte(local)),
		hosts: map[topology.Endpoint]uuid.UUID{local: uuid.NewSHA1(uuid.NameSpaceDNS, []byte(local))},
	}
}

func (o *Oracle) NaturalEndpoints(keyspace string, token topology.Token) []topology.Endpoint {
	return []topology.Endpoint{o.Local}
}

func (o *Oracle) PendingEndpoints(token topology.Token, keyspace string) []topology.Endpoint {
	return nil
}

func (o *Oracle) HostID(e topology.Endpoint) uuid.UUID { return o.hosts[e] }

func (o *Oracle) SortedTokens() []topology.Token { return []topology.Token{o.token} }

func (o *Oracle) Topology() map[topology.DatacenterID]map[topology.Rack][]topology.Endpoint {
	return map[topology.DatacenterID]map[topology.Rack][]topology.Endpoint{
		DatacenterID: {RackID: {o.Local}},
	}
}

// Liveness reports the local node as permanently alive; there is no one
// else to fail.
type Liveness struct {
	Local topology.Endpoint
}

func (l *Liveness) IsAlive(e topology.Endpoint) bool          { return e == l.Local }
func (l *Liveness) DowntimeMillis(e topology.Endpoint) uint64 { return 0 }
func (l *Liveness) LiveMembers() map[topology.Endpoint]struct{} {
	return map[topology.Endpoint]struct{}{l.Local: {}}
}
func (l *Liveness) UnreachableMembers() map[topology.Endpoint]struct{} { return nil }
func (l *Liveness) LiveTokenOwners() map[topology.Endpoint]struct{} {
	return map[topology.Endpoint]struct{}{l.Local: {}}
}

// Snitch is the trivial single-rack, single-DC snitch.
type Snitch struct{}

func (Snitch) Datacenter(e topology.Endpoint) topology.DatacenterID { return DatacenterID }
func (Snitch) Rack(e topology.Endpoint) topology.Rack               { return RackID }
func (Snitch) SortByProximity(self topology.Endpoint, endpoints []topology.Endpoint) []topology.Endpoint {
	return endpoints
}
func (Snitch) IsWorthMergingForRangeQuery(merged, left, right []topology.Endpoint) bool {
	return true
}

// Messenger loops every send back to the local node; there is nowhere
// else to send it. Dispatch is wired to the coordinator's own verb
// handlers (see cmd/coordinatord), so a self-addressed SendRR still goes
// through the same callback/registry path a real RPC reply would. It is
// not a stand-in for a real network transport — swap it out once the
// deployment grows past one node.
type Messenger struct {
	Local    topology.Endpoint
	Dispatch func(msg messaging.Message, cb messaging.Callback)
}

func (m *Messenger) SendOneWay(msg messaging.Message, to topology.Endpoint) error {
	if to != m.Local {
		return fmt.Errorf("standalone: no route to %s", to)
	}
	go m.Dispatch(msg, nil)
	return nil
}

func (m *Messenger) SendRR(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.SendRRWithFailure(msg, to, cb)
}

func (m *Messenger) SendRRWithFailure(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	if to != m.Local {
		return 0, fmt.Errorf("standalone: no route to %s", to)
	}
	go m.Dispatch(msg, cb)
	return 0, nil
}

func (m *Messenger) GetVersion(e topology.Endpoint) int { return 1 }

func (m *Messenger) AddCallback(cb messaging.Callback, msg messaging.Message, to topology.Endpoint, timeout time.Duration, cl store.ConsistencyLevel, allowHints bool) messaging.CallbackID {
	return 0
}

func (m *Messenger) IncrementDroppedMessages(verb messaging.Verb) {}
