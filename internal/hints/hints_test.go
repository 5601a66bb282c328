package hints

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

type fakeMutation struct {
	tables []string
}

func (m *fakeMutation) Apply() error                          { return nil }
func (m *fakeMutation) Keyspace() string                      { return "ks" }
func (m *fakeMutation) PartitionKey() string                  { return "k1" }
func (m *fakeMutation) Tables() []string                      { return m.tables }
func (m *fakeMutation) GCGraceSeconds(table string) int64     { return 3600 }

type fakeLiveness struct{ downtime map[topology.Endpoint]uint64 }

func (l *fakeLiveness) IsAlive(e topology.Endpoint) bool          { return true }
func (l *fakeLiveness) DowntimeMillis(e topology.Endpoint) uint64 { return l.downtime[e] }
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

type fakeHintStore struct {
	ttl       time.Duration
	writeErr  error
	written   int
}

func (s *fakeHintStore) CalculateHintTTL(m store.Mutation) time.Duration { return s.ttl }
func (s *fakeHintStore) HintFor(m store.Mutation, now time.Time, ttl time.Duration, hostID uuid.UUID) (store.Mutation, error) {
	return m, nil
}
func (s *fakeHintStore) WriteHint(hint store.Mutation, target topology.Endpoint, hostID uuid.UUID) error {
	s.written++
	return s.writeErr
}

func TestSubmitWritesHintAndDecrementsBacklog(t *testing.T) {
	cfg := config.New()
	backlog := NewBacklog()
	liveness := &fakeLiveness{downtime: map[topology.Endpoint]uint64{}}
	snitch := &fakeSnitch{dc: map[topology.Endpoint]topology.DatacenterID{"n1": "dc1"}}
	hs := &fakeHintStore{ttl: time.Hour}
	sub := NewSubmitter(cfg, backlog, liveness, snitch, hs, metrics.NewNoop())

	err := sub.Submit(&fakeMutation{tables: []string{"t1"}}, "n1", uuid.New())
	require.NoError(t, err)
	require.Equal(t, 1, hs.written)
	require.Equal(t, int64(0), backlog.Total(), "backlog should be back to zero after submit completes")
}

func TestSubmitSkipsWhenTTLNonPositive(t *testing.T) {
	cfg := config.New()
	backlog := NewBacklog()
	hs := &fakeHintStore{ttl: 0}
	sub := NewSubmitter(cfg, backlog, &fakeLiveness{}, &fakeSnitch{dc: map[topology.Endpoint]topology.DatacenterID{}}, hs, metrics.NewNoop())

	err := sub.Submit(&fakeMutation{}, "n1", uuid.New())
	require.NoError(t, err)
	require.Equal(t, 0, hs.written, "a non-positive TTL hint must not be written")
}

func TestSubmitOverloadedWhenBacklogFull(t *testing.T) {
	cfg := config.New()
	cfg.SetMaxHintsInProgress(0)
	backlog := NewBacklog()
	hs := &fakeHintStore{ttl: time.Hour}
	sub := NewSubmitter(cfg, backlog, &fakeLiveness{}, &fakeSnitch{dc: map[topology.Endpoint]topology.DatacenterID{}}, hs, metrics.NewNoop())

	err := sub.Submit(&fakeMutation{}, "n1", uuid.New())
	require.Error(t, err)
	ce, ok := err.(*cerrors.CoordinatorError)
	require.True(t, ok)
	require.Equal(t, cerrors.Overloaded, ce.Kind)
}

func TestShouldHintPolicy(t *testing.T) {
	cfg := config.New()
	snitch := &fakeSnitch{dc: map[topology.Endpoint]topology.DatacenterID{"n1": "dc1", "n2": "dc2"}}

	t.Run("globally disabled", func(t *testing.T) {
		cfg := config.New()
		cfg.SetHintedHandoffEnabled(false)
		sub := NewSubmitter(cfg, NewBacklog(), &fakeLiveness{}, snitch, &fakeHintStore{}, metrics.NewNoop())
		require.False(t, sub.ShouldHint("n1"))
	})

	t.Run("dc disabled", func(t *testing.T) {
		cfg.SetDisabledHintDCs([]topology.DatacenterID{"dc2"})
		sub := NewSubmitter(cfg, NewBacklog(), &fakeLiveness{}, snitch, &fakeHintStore{}, metrics.NewNoop())
		require.False(t, sub.ShouldHint("n2"))
		require.True(t, sub.ShouldHint("n1"))
	})

	t.Run("downtime exceeds window", func(t *testing.T) {
		cfg := config.New()
		cfg.SetMaxHintWindow(time.Minute)
		liveness := &fakeLiveness{downtime: map[topology.Endpoint]uint64{"n1": uint64((2 * time.Minute).Milliseconds())}}
		sub := NewSubmitter(cfg, NewBacklog(), liveness, snitch, &fakeHintStore{}, metrics.NewNoop())
		require.False(t, sub.ShouldHint("n1"))
	})
}
