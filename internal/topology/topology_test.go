package topology

import (
	"testing"

	"github.com/google/uuid"
)

type mockOracle struct {
	natural map[string][]Endpoint
	pending map[string][]Endpoint
	topo    map[DatacenterID]map[Rack][]Endpoint
}

func (o *mockOracle) NaturalEndpoints(keyspace string, token Token) []Endpoint {
	return o.natural[keyspace+":"+token.String()]
}
func (o *mockOracle) PendingEndpoints(token Token, keyspace string) []Endpoint {
	return o.pending[keyspace+":"+token.String()]
}
func (o *mockOracle) HostID(e Endpoint) uuid.UUID               { return uuid.Nil }
func (o *mockOracle) SortedTokens() []Token                     { return nil }
func (o *mockOracle) Topology() map[DatacenterID]map[Rack][]Endpoint { return o.topo }

type mockLiveness struct {
	dead map[Endpoint]bool
}

func (l *mockLiveness) IsAlive(e Endpoint) bool          { return !l.dead[e] }
func (l *mockLiveness) DowntimeMillis(e Endpoint) uint64 { return 0 }
func (l *mockLiveness) LiveMembers() map[Endpoint]struct{}        { return nil }
func (l *mockLiveness) UnreachableMembers() map[Endpoint]struct{} { return nil }
func (l *mockLiveness) LiveTokenOwners() map[Endpoint]struct{}    { return nil }

type mockSnitch struct {
	dc map[Endpoint]DatacenterID
}

func (s *mockSnitch) Datacenter(e Endpoint) DatacenterID { return s.dc[e] }
func (s *mockSnitch) Rack(e Endpoint) Rack                { return "r1" }
func (s *mockSnitch) SortByProximity(self Endpoint, endpoints []Endpoint) []Endpoint {
	return endpoints
}
func (s *mockSnitch) IsWorthMergingForRangeQuery(merged, left, right []Endpoint) bool {
	return len(merged) >= len(left) && len(merged) >= len(right)
}

func newTestResolver(t *testing.T) (*Resolver, *mockLiveness) {
	t.Helper()
	oracle := &mockOracle{
		natural: map[string][]Endpoint{"ks:3734": {"n1", "n2", "n3"}},
		pending: map[string][]Endpoint{"ks:3734": {"n4"}},
	}
	liveness := &mockLiveness{dead: map[Endpoint]bool{"n2": true}}
	snitch := &mockSnitch{dc: map[Endpoint]DatacenterID{"n1": "dc1", "n2": "dc1", "n3": "dc2", "n4": "dc2"}}
	r, err := NewResolver(oracle, liveness, snitch, 16)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r, liveness
}

func TestNaturalEndpointsCaches(t *testing.T) {
	r, _ := newTestResolver(t)
	token := Token("74")
	first := r.NaturalEndpoints("ks", token)
	if len(first) != 3 {
		t.Fatalf("expected 3 natural endpoints, got %d", len(first))
	}
	second := r.NaturalEndpoints("ks", token)
	if len(second) != 3 {
		t.Fatalf("expected cached lookup to return same result, got %d", len(second))
	}
}

func TestFilterAliveDropsDeadEndpoints(t *testing.T) {
	r, _ := newTestResolver(t)
	alive := r.FilterAlive([]Endpoint{"n1", "n2", "n3"})
	if len(alive) != 2 {
		t.Fatalf("expected 2 alive endpoints, got %d: %v", len(alive), alive)
	}
	for _, e := range alive {
		if e == "n2" {
			t.Fatalf("n2 should have been filtered out as dead")
		}
	}
}

func TestGroupByDatacenter(t *testing.T) {
	r, _ := newTestResolver(t)
	groups := r.GroupByDatacenter([]Endpoint{"n1", "n2", "n3", "n4"})
	if len(groups["dc1"]) != 2 || len(groups["dc2"]) != 2 {
		t.Fatalf("unexpected grouping: %v", groups)
	}
}

func TestRestrictToLocalDC(t *testing.T) {
	r, _ := newTestResolver(t)
	local := r.RestrictToLocalDC([]Endpoint{"n1", "n2", "n3", "n4"}, "dc2")
	if len(local) != 2 {
		t.Fatalf("expected 2 dc2 endpoints, got %d", len(local))
	}
}
