package write

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/hints"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/stage"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

type fakeMutation struct {
	mu      sync.Mutex
	applied int
	failAt  func() error
	ks      string
}

func (m *fakeMutation) Apply() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied++
	if m.failAt != nil {
		return m.failAt()
	}
	return nil
}
func (m *fakeMutation) Keyspace() string                  { return m.ks }
func (m *fakeMutation) PartitionKey() string               { return "k1" }
func (m *fakeMutation) Tables() []string                   { return []string{"t1"} }
func (m *fakeMutation) GCGraceSeconds(table string) int64  { return 3600 }

type fakeOracle struct{ dc map[topology.Endpoint]topology.DatacenterID }

func (o *fakeOracle) NaturalEndpoints(ks string, tok topology.Token) []topology.Endpoint { return nil }
func (o *fakeOracle) PendingEndpoints(tok topology.Token, ks string) []topology.Endpoint { return nil }
func (o *fakeOracle) HostID(e topology.Endpoint) uuid.UUID                               { return uuid.New() }
func (o *fakeOracle) SortedTokens() []topology.Token                                      { return nil }
func (o *fakeOracle) Topology() map[topology.DatacenterID]map[topology.Rack][]topology.Endpoint {
	return nil
}

type fakeLiveness struct{ dead map[topology.Endpoint]bool }

func (l *fakeLiveness) IsAlive(e topology.Endpoint) bool          { return !l.dead[e] }
func (l *fakeLiveness) DowntimeMillis(e topology.Endpoint) uint64 { return 0 }
func (l *fakeLiveness) LiveMembers() map[topology.Endpoint]struct{}        { return nil }
func (l *fakeLiveness) UnreachableMembers() map[topology.Endpoint]struct{} { return nil }
func (l *fakeLiveness) LiveTokenOwners() map[topology.Endpoint]struct{}    { return nil }

type fakeSnitch struct{ dc map[topology.Endpoint]topology.DatacenterID }

func (s *fakeSnitch) Datacenter(e topology.Endpoint) topology.DatacenterID { return s.dc[e] }
func (s *fakeSnitch) Rack(e topology.Endpoint) topology.Rack                { return "r1" }
func (s *fakeSnitch) SortByProximity(self topology.Endpoint, eps []topology.Endpoint) []topology.Endpoint {
	return eps
}
func (s *fakeSnitch) IsWorthMergingForRangeQuery(merged, left, right []topology.Endpoint) bool {
	return false
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent map[topology.Endpoint]int
	fail map[topology.Endpoint]bool
	// relay, when set, plays the relay replica's part for a request that
	// carries a forwarding header, after the relay's own ack.
	relay func(req *MutationRequest)
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: map[topology.Endpoint]int{}, fail: map[topology.Endpoint]bool{}}
}

func (m *fakeMessenger) SendOneWay(msg messaging.Message, to topology.Endpoint) error { return nil }

func (m *fakeMessenger) SendRR(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.deliver(msg, to, cb)
}

func (m *fakeMessenger) SendRRWithFailure(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.deliver(msg, to, cb)
}

func (m *fakeMessenger) deliver(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	m.mu.Lock()
	m.sent[to]++
	fail := m.fail[to]
	relay := m.relay
	m.mu.Unlock()
	go func() {
		if fail {
			cb.OnFailure(to)
			return
		}
		cb.OnResponse(to, &MutationResponse{Applied: true})
		if req, ok := msg.(*MutationRequest); ok && len(req.ForwardTo) > 0 && relay != nil {
			relay(req)
		}
	}()
	return 0, nil
}

func (m *fakeMessenger) GetVersion(e topology.Endpoint) int { return 1 }
func (m *fakeMessenger) AddCallback(cb messaging.Callback, msg messaging.Message, to topology.Endpoint, timeout time.Duration, cl store.ConsistencyLevel, allowHints bool) messaging.CallbackID {
	return 0
}
func (m *fakeMessenger) IncrementDroppedMessages(verb messaging.Verb) {}

func newTestDispatcher(local topology.Endpoint, dead map[topology.Endpoint]bool, dc map[topology.Endpoint]topology.DatacenterID, messenger *fakeMessenger) *Dispatcher {
	cfg := config.New()
	oracle := &fakeOracle{}
	liveness := &fakeLiveness{dead: dead}
	snitch := &fakeSnitch{dc: dc}
	resolver, err := topology.NewResolver(oracle, liveness, snitch, 16)
	if err != nil {
		panic(err)
	}
	hintSubmitter := hints.NewSubmitter(cfg, hints.NewBacklog(), liveness, snitch, &noopHintStore{}, metrics.NewNoop())
	registry := messaging.NewRegistry()
	mutationStage := stage.New("mutation", 2, 8, metrics.NewNoop())
	counterStage := stage.New("counter-mutation", 2, 8, metrics.NewNoop())
	return New(local, resolver, messenger, registry, hintSubmitter, cfg, metrics.NewNoop(), mutationStage, counterStage)
}

type noopHintStore struct{}

func (n *noopHintStore) CalculateHintTTL(m store.Mutation) time.Duration { return time.Hour }
func (n *noopHintStore) HintFor(m store.Mutation, now time.Time, ttl time.Duration, hostID uuid.UUID) (store.Mutation, error) {
	return m, nil
}
func (n *noopHintStore) WriteHint(hint store.Mutation, target topology.Endpoint, hostID uuid.UUID) error {
	return nil
}

func TestDispatchSucceedsWithLocalAndRemote(t *testing.T) {
	local := topology.Endpoint("n1")
	dc := map[topology.Endpoint]topology.DatacenterID{"n1": "dc1", "n2": "dc1", "n3": "dc1"}
	messenger := newFakeMessenger()
	d := newTestDispatcher(local, nil, dc, messenger)

	plan := store.WritePlan{
		Natural:     []topology.Endpoint{"n1", "n2", "n3"},
		LocalDC:     "dc1",
		Consistency: store.Quorum,
		WriteType:   cerrors.WriteSimple,
		BlockFor:    2,
	}
	mutation := &fakeMutation{ks: "ks"}
	err := d.Dispatch(context.Background(), mutation, plan)
	require.NoError(t, err)
}

func TestDispatchHintsDeadLocalTarget(t *testing.T) {
	local := topology.Endpoint("n1")
	dc := map[topology.Endpoint]topology.DatacenterID{"n1": "dc1", "n2": "dc1", "n3": "dc1"}
	messenger := newFakeMessenger()
	d := newTestDispatcher(local, map[topology.Endpoint]bool{"n3": true}, dc, messenger)

	plan := store.WritePlan{
		Natural:     []topology.Endpoint{"n1", "n2", "n3"},
		LocalDC:     "dc1",
		Consistency: store.Quorum,
		WriteType:   cerrors.WriteSimple,
		BlockFor:    2,
	}
	mutation := &fakeMutation{ks: "ks"}
	err := d.Dispatch(context.Background(), mutation, plan)
	require.NoError(t, err, "quorum of 2 reachable out of 3 should still succeed")
}

func TestDispatchRelaysCrossDCBundle(t *testing.T) {
	local := topology.Endpoint("n1")
	dc := map[topology.Endpoint]topology.DatacenterID{
		"n1": "dc1",
		"n2": "dc2", "n3": "dc2",
	}
	messenger := newFakeMessenger()
	d := newTestDispatcher(local, nil, dc, messenger)
	messenger.relay = func(req *MutationRequest) {
		for _, ft := range req.ForwardTo {
			d.HandleForwardedResponse(&ForwardedMutationResponse{CallbackID: ft.CallbackID, Applied: true}, ft.Endpoint)
		}
	}

	plan := store.WritePlan{
		Natural:     []topology.Endpoint{"n1", "n2", "n3"},
		LocalDC:     "dc1",
		Consistency: store.EachQuorum,
		WriteType:   cerrors.WriteSimple,
		BlockFor:    3,
	}
	mutation := &fakeMutation{ks: "ks"}
	err := d.Dispatch(context.Background(), mutation, plan)
	require.NoError(t, err)

	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	require.Equal(t, 1, messenger.sent["n2"]+messenger.sent["n3"], "exactly one message should go to the remote DC bundle (one relay)")
}

func TestDispatchCounterAppliesLocallyWhenReplica(t *testing.T) {
	local := topology.Endpoint("n1")
	dc := map[topology.Endpoint]topology.DatacenterID{"n1": "dc1", "n2": "dc1"}
	messenger := newFakeMessenger()
	d := newTestDispatcher(local, nil, dc, messenger)

	plan := store.WritePlan{
		Natural:     []topology.Endpoint{"n1", "n2"},
		LocalDC:     "dc1",
		Consistency: store.One,
		WriteType:   cerrors.WriteCounter,
		BlockFor:    1,
	}
	mutation := &fakeMutation{ks: "ks"}
	err := d.DispatchCounter(context.Background(), mutation, plan, true)
	require.NoError(t, err)
	require.Equal(t, 1, mutation.applied)
}
