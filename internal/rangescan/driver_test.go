package rangescan

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

type testCommand struct {
	ks  string
	r   Range
	lim int
}

func (c *testCommand) Keyspace() string     { return c.ks }
func (c *testCommand) PartitionKey() string { return string(c.r.End) }
func (c *testCommand) RowLimit() int        { return c.lim }
func (c *testCommand) ExecuteLocally() (store.RowIterator, error) {
	return nil, nil
}

type testRangeCommand struct{ ks string }

func (c *testRangeCommand) Keyspace() string { return c.ks }
func (c *testRangeCommand) ForRange(r Range, limit int) store.Command {
	return &testCommand{ks: c.ks, r: r, lim: limit}
}

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

type allAlive struct{}

func (allAlive) IsAlive(e topology.Endpoint) bool                   { return true }
func (allAlive) DowntimeMillis(e topology.Endpoint) uint64          { return 0 }
func (allAlive) LiveMembers() map[topology.Endpoint]struct{}        { return nil }
func (allAlive) UnreachableMembers() map[topology.Endpoint]struct{} { return nil }
func (allAlive) LiveTokenOwners() map[topology.Endpoint]struct{}    { return nil }

type flatSnitch struct{}

func (flatSnitch) Datacenter(e topology.Endpoint) topology.DatacenterID { return "dc1" }
func (flatSnitch) Rack(e topology.Endpoint) topology.Rack               { return "r1" }
func (flatSnitch) SortByProximity(self topology.Endpoint, eps []topology.Endpoint) []topology.Endpoint {
	return eps
}
func (flatSnitch) IsWorthMergingForRangeQuery(merged, left, right []topology.Endpoint) bool {
	return true
}

type scanMessenger struct {
	mu   sync.Mutex
	rows map[string][]store.Row // keyed by range end token
}

func (m *scanMessenger) SendOneWay(msg messaging.Message, to topology.Endpoint) error { return nil }
func (m *scanMessenger) SendRR(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.deliver(msg, to, cb)
}
func (m *scanMessenger) SendRRWithFailure(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	return m.deliver(msg, to, cb)
}
func (m *scanMessenger) deliver(msg messaging.Message, to topology.Endpoint, cb messaging.Callback) (messaging.CallbackID, error) {
	req := msg.(*ScanRequest)
	tc := req.Command.(*testCommand)
	m.mu.Lock()
	rows := m.rows[string(tc.r.End)]
	m.mu.Unlock()
	go cb.OnResponse(to, &ScanResponse{Result: store.PartitionResult{PartitionKey: string(tc.r.End), Rows: rows}})
	return 0, nil
}
func (m *scanMessenger) GetVersion(e topology.Endpoint) int { return 1 }
func (m *scanMessenger) AddCallback(cb messaging.Callback, msg messaging.Message, to topology.Endpoint, timeout time.Duration, cl store.ConsistencyLevel, allowHints bool) messaging.CallbackID {
	return 0
}
func (m *scanMessenger) IncrementDroppedMessages(verb messaging.Verb) {}

func TestInitialConcurrencyMatchesSeedScenario(t *testing.T) {
	// spec.md S5: limit=100, 8 ranges, ~10 rows/range -> ceil(100/(10*0.9))
	// = ceil(11.11) = 12, clamped to 8 available pieces.
	require.Equal(t, 8, initialConcurrency(100, 10, 8))
}

func TestInitialConcurrencyFallsBackToDefaultEstimateWhenUnset(t *testing.T) {
	// With no per-call estimate, the default of 100 rows/range applies:
	// ceil(100/(100*0.9)) = 2, well below the 8 pieces available, showing
	// the unconfigured case behaves differently from the seed scenario's
	// actual row density above.
	require.Equal(t, 2, initialConcurrency(100, 0, 8))
}

func TestScanSplitsAtReplicaSetBoundaryAndMergesNothingDifferent(t *testing.T) {
	tokA, tokB, tokC := topology.Token("10"), topology.Token("20"), topology.Token("30")
	oracle := &ringOracle{
		tokens: []topology.Token{tokA, tokB, tokC},
		owners: map[string][]topology.Endpoint{
			"10": {"n1", "n2"},
			"20": {"n1", "n2"},
			"30": {"n3", "n4"},
		},
	}
	resolver, err := topology.NewResolver(oracle, allAlive{}, flatSnitch{}, 16)
	require.NoError(t, err)

	messenger := &scanMessenger{rows: map[string][]store.Row{
		"20": {{ClusteringKey: "a"}, {ClusteringKey: "b"}},
		"30": {{ClusteringKey: "c"}},
	}}

	d := New("self", resolver, messenger, config.New(), metrics.NewNoop())
	plan := ScanPlan{FullRange: Range{Start: topology.Token("00"), End: tokC}, Consistency: store.One, RowLimit: 10}
	result, err := d.Scan(context.Background(), &testRangeCommand{ks: "ks"}, plan)
	require.NoError(t, err)
	require.Len(t, result.Rows, 3, "both range pieces' rows should be present")
}
