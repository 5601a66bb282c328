package truncate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

type ringOracle struct {
	tokens []topology.Token
	owners map[string][]topology.Endpoint
}

func (o *ringOracle) NaturalEndpoints(ks string, tok topology.Token) []topology.Endpoint {
	return o.owners[string(tok)]
}
func (o *ringOracle) PendingEndpoints(tok topology.Token, ks string) []topology.Endpoint { return nil }
func (o *ringOracle) HostID(e topology.Endpoint) uuid.UUID                               { return uuid.New() }
func (o *ringOracle) SortedTokens() []topology.Token                                     { return o.tokens }
func (o *ringOracle) Topology() map[topology.DatacenterID]map[topology.Rack][]topology.Endpoint {
	return nil
}

type fakeLiveness struct{ dead map[topology.Endpoint]bool }

func (l *fakeLiveness) IsAlive(e topology.Endpoint) bool                   { return !l.dead[e] }
func (l *fakeLiveness) DowntimeMillis(e topology.Endpoint) uint64          { return 0 }
func (l *fakeLiveness) LiveMembers() map[topology.Endpoint]struct{}        { return nil }
func (l *fakeLiveness) UnreachableMembers() map[topology.Endpoint]struct{} { return nil }
func (l *fakeLiveness) LiveTokenOwners() map[topology.Endpoint]struct{}    { return nil }

type flatSnitch struct{}

func (flatSnitch) Datacenter(e topology.Endpoint) topology.DatacenterID { return "dc1" }
func (flatSnitch) Rack(e topology.Endpoint) topology.Rack               { return "r1" }
func (flatSnitch) SortByProximity(self topology.Endpoint, eps []topology.Endpoint) []topology.Endpoint {
	return eps
}
func (flatSnitch) IsWorthMergingForRangeQuery(merged, left, right []topology.Endpoint) bool {
	return false
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent map[topology.Endpoint]int
}

func (m *recordingMessenger) SendOneWay(msg messaging.Message, to topology.Endpoint) error { return nil }
func (m *recordingMessenger) SendRR(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.deliver(to, cb)
}
func (m *recordingMessenger) SendRRWithFailure(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.deliver(to, cb)
}
func (m *recordingMessenger) deliver(to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	m.mu.Lock()
	m.sent[to]++
	m.mu.Unlock()
	go cb.OnResponse(to, &Response{})
	return 0, nil
}
func (m *recordingMessenger) GetVersion(e topology.Endpoint) int { return 1 }
func (m *recordingMessenger) AddCallback(cb messaging.Callback, msg messaging.Message, to topology.Endpoint, timeout time.Duration, cl store.ConsistencyLevel, allowHints bool) messaging.CallbackID {
	return 0
}
func (m *recordingMessenger) IncrementDroppedMessages(verb messaging.Verb) {}

func newTestDriver(dead map[topology.Endpoint]bool, owners map[string][]topology.Endpoint, tokens []topology.Token, messenger *recordingMessenger) *Driver {
	oracle := &ringOracle{tokens: tokens, owners: owners}
	resolver, err := topology.NewResolver(oracle, &fakeLiveness{dead: dead}, flatSnitch{}, 16)
	if err != nil {
		panic(err)
	}
	return New("n1", resolver, messenger, config.New(), metrics.NewNoop())
}

func TestExecuteBroadcastsToEveryTokenOwner(t *testing.T) {
	owners := map[string][]topology.Endpoint{"10": {"n1", "n2"}, "20": {"n2", "n3"}}
	messenger := &recordingMessenger{sent: map[topology.Endpoint]int{}}
	d := newTestDriver(nil, owners, []topology.Token{"10", "20"}, messenger)

	err := d.Execute(context.Background(), "ks", "t1")
	require.NoError(t, err)

	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	require.Equal(t, 1, messenger.sent["n1"])
	require.Equal(t, 1, messenger.sent["n2"])
	require.Equal(t, 1, messenger.sent["n3"])
}

func TestExecuteFailsFastWithUnreachableOwner(t *testing.T) {
	owners := map[string][]topology.Endpoint{"10": {"n1", "n2"}, "20": {"n2", "n3"}}
	messenger := &recordingMessenger{sent: map[topology.Endpoint]int{}}
	d := newTestDriver(map[topology.Endpoint]bool{"n3": true}, owners, []topology.Token{"10", "20"}, messenger)

	err := d.Execute(context.Background(), "ks", "t1")
	require.Error(t, err)

	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	require.Empty(t, messenger.sent, "no truncation message should be sent when an owner is unreachable")
}
