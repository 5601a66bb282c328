/*
Package hints is the Hint Submitter and hint backlog (spec.md §4.C, §3).
It admission-controls hint writes against a global soft cap, decides
per-endpoint whether hinting is even allowed, computes the hint's TTL from
the mutation's tables, and hands the built hint to the external hint store.
*/
package hints

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

// Store is the external hint store contract (spec.md §6): it builds the
// replayable hint mutation and computes its TTL; persisting the hint row
// and eventually replaying it to the target are its job, not this
// package's.
type Store interface {
	CalculateHintTTL(mutation store.Mutation) time.Duration
	HintFor(mutation store.Mutation, now time.Time, ttl time.Duration, hostID uuid.UUID) (store.Mutation, error)
	WriteHint(hint store.Mutation, target topology.Endpoint, hostID uuid.UUID) error
}

// Backlog is the per-endpoint and global hint-in-flight counters (spec.md
// §3 "Hint backlog"). Admission checks read the global total; the
// invariant total == Σ perEndpoint holds at every instant outside of a
// single atomic increment/decrement window (spec.md §8 property 3).
type Backlog struct {
	mu          sync.Mutex
	perEndpoint map[topology.Endpoint]int64
	total       int64
}

// NewBacklog builds an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{perEndpoint: make(map[topology.Endpoint]int64)}
}

// Total returns the current global in-flight count. Readers may observe a
// stale value under concurrent increment/decrement; that's by design
// (spec.md §3, §5 "admission control, not a hard fence").
func (b *Backlog) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// PerEndpoint returns the in-flight count for one endpoint.
func (b *Backlog) PerEndpoint(e topology.Endpoint) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perEndpoint[e]
}

func (b *Backlog) increment(e topology.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perEndpoint[e]++
	b.total++
}

func (b *Backlog) decrement(e topology.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perEndpoint[e]--
	b.total--
}

// Submitter is the Hint Submitter (spec.md §4.C).
type Submitter struct {
	cfg      *config.AdminConfig
	backlog  *Backlog
	liveness topology.LivenessDetector
	snitch   topology.Snitch
	store    Store
	metrics  *metrics.Sink
}

// NewSubmitter builds a hint submitter.
func NewSubmitter(cfg *config.AdminConfig, backlog *Backlog, liveness topology.LivenessDetector, snitch topology.Snitch, hintStore Store, sink *metrics.Sink) *Submitter {
	return &Submitter{cfg: cfg, backlog: backlog, liveness: liveness, snitch: snitch, store: hintStore, metrics: sink}
}

// ShouldHint implements the three-clause policy from spec.md §4.C: global
// disable, per-DC disable, and downtime-exceeds-window.
func (s *Submitter) ShouldHint(endpoint topology.Endpoint) bool {
	if !s.cfg.HintedHandoffEnabled() {
		return false
	}
	if s.cfg.IsHintDisabledForDC(s.snitch.Datacenter(endpoint)) {
		return false
	}
	if time.Duration(s.liveness.DowntimeMillis(endpoint))*time.Millisecond > s.cfg.MaxHintWindow() {
		return false
	}
	return true
}

// Submit admission-controls and writes one hint for target. Returns
// cerrors.Overloaded if the global soft cap is breached. Returns nil
// without writing anything if the computed TTL is non-positive — a hint
// that would already be expired on arrival is simply skipped, not an
// error (spec.md §4.C).
func (s *Submitter) Submit(mutation store.Mutation, target topology.Endpoint, hostID uuid.UUID) error {
	if s.backlog.Total() >= s.cfg.MaxHintsInProgress() {
		return cerrors.NewOverloaded(fmt.Sprintf("hint backlog at capacity (%d)", s.cfg.MaxHintsInProgress()))
	}

	ttl := s.store.CalculateHintTTL(mutation)
	if ttl <= 0 {
		return nil
	}

	hint, err := s.store.HintFor(mutation, time.Now(), ttl, hostID)
	if err != nil {
		return fmt.Errorf("hints: building hint for %s: %w", target, err)
	}

	s.backlog.increment(target)
	s.metrics.TotalHintsInProgress.Set(float64(s.backlog.Total()))
	defer func() {
		s.backlog.decrement(target)
		s.metrics.TotalHintsInProgress.Set(float64(s.backlog.Total()))
	}()

	if err := s.store.WriteHint(hint, target, hostID); err != nil {
		return fmt.Errorf("hints: writing hint for %s: %w", target, err)
	}
	s.metrics.TotalHints.Inc()
	return nil
}
