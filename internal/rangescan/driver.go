/*
Package rangescan is the Range Scan Driver (spec.md §4.F): it splits a
token range at replica-set boundaries, merges adjacent pieces the snitch
judges worth merging, drives an adaptive concurrency schedule across the
remaining pieces, and executes each piece as a full-data (no digest) read
reconciled the same way the Read Executor reconciles a digest mismatch.
*/
package rangescan

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/quorum"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

var logger = logging.MustGetLogger("rangescan")

// mergeOverlapThreshold is the minimum fraction of shared live endpoints
// two adjacent pieces must have before even asking the snitch whether
// merging is worthwhile (spec.md §4.F step 2 "endpoint overlap ≥
// threshold").
const mergeOverlapThreshold = 0.5

// Range is a token range (start, end]; Start > End (by byte order) means
// the range wraps around the ring's origin.
type Range struct {
	Start topology.Token
	End   topology.Token
}

// RangeCommand builds the per-piece store.Command for one range/limit
// pair. PartitionKey on the returned Command is used only as a
// reconciliation bookkeeping label, not a real partition key.
type RangeCommand interface {
	Keyspace() string
	ForRange(r Range, rowLimit int) store.Command
}

// defaultResultsPerRange is the assumed average rows per range piece used
// only when a scan's caller has no better estimate (spec.md §4.F step 3:
// "assumed average until observed otherwise").
const defaultResultsPerRange = 100

// ScanPlan is the routing input for one range scan.
type ScanPlan struct {
	FullRange   Range
	Consistency store.ConsistencyLevel
	RowLimit    int
	Strategy    store.ReplicationStrategy

	// EstimatedRowsPerRange seeds the initial concurrency estimate
	// (spec.md §4.F step 3). Zero means "no estimate available", and
	// defaultResultsPerRange is used instead. Callers that track a
	// table's actual row density (e.g. from prior scans or
	// store.ReplicationStrategy-adjacent stats) should set this so the
	// initial batch size reflects the real data rather than a generic
	// guess.
	EstimatedRowsPerRange int
}

// Driver is the Range Scan Driver.
type Driver struct {
	local     topology.Endpoint
	resolver  *topology.Resolver
	messenger messaging.Messenger
	cfg       *config.AdminConfig
	metrics   *metrics.Sink
}

// New builds a Range Scan Driver.
func New(local topology.Endpoint, resolver *topology.Resolver, messenger messaging.Messenger, cfg *config.AdminConfig, sink *metrics.Sink) *Driver {
	return &Driver{local: local, resolver: resolver, messenger: messenger, cfg: cfg, metrics: sink}
}

type piece struct {
	r         Range
	endpoints []topology.Endpoint // alive, filtered
}

// Scan runs spec.md §4.F steps 1-4 and returns the merged, limit-trimmed
// result across every range piece.
func (d *Driver) Scan(ctx context.Context, cmd RangeCommand, plan ScanPlan) (store.PartitionResult, error) {
	pieces := d.split(cmd.Keyspace(), plan.FullRange)
	pieces = d.merge(pieces, plan.Consistency, plan.Strategy, cmd.Keyspace())

	concurrency := initialConcurrency(plan.RowLimit, plan.EstimatedRowsPerRange, len(pieces))

	final := store.PartitionResult{}
	remaining := pieces
	for len(remaining) > 0 && len(final.Rows) < plan.RowLimit {
		batchSize := clamp(concurrency, 1, len(remaining))
		batch := remaining[:batchSize]
		remaining = remaining[batchSize:]

		perRangeLimit := plan.RowLimit - len(final.Rows)
		batchResults, err := d.executeBatch(ctx, cmd, batch, plan, perRangeLimit)
		if err != nil {
			return store.PartitionResult{}, err
		}
		liveReturned := 0
		for _, res := range batchResults {
			final.Rows = append(final.Rows, res.Rows...)
			liveReturned += len(res.Rows)
		}

		if len(remaining) == 0 {
			break
		}
		if liveReturned == 0 {
			// spec.md §4.F step 3: zero rows returned, query everything
			// else in one shot.
			logger.Debug("rangescan: zero rows in last batch, querying all %d remaining ranges at once", len(remaining))
			concurrency = len(remaining)
			continue
		}
		rowsPerRange := float64(liveReturned) / float64(batchSize)
		remainingRows := plan.RowLimit - len(final.Rows)
		if remainingRows <= 0 {
			break
		}
		concurrency = clamp(int(math.Ceil(float64(remainingRows)/rowsPerRange)), 1, len(remaining))
	}

	if len(final.Rows) > plan.RowLimit {
		final.Rows = final.Rows[:plan.RowLimit]
		final.HasMore = true
	}
	return final, nil
}

func (d *Driver) executeBatch(ctx context.Context, cmd RangeCommand, batch []piece, plan ScanPlan, perRangeLimit int) ([]store.PartitionResult, error) {
	results := make([]store.PartitionResult, len(batch))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range batch {
		i, p := i, p
		g.Go(func() error {
			res, err := d.executeRange(ctx, cmd.ForRange(p.r, perRangeLimit), p.endpoints, plan)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// executeRange is step 4: full-data (no digest) fan-out to every live
// endpoint of one piece, reconciled via store.Reconcile — the same
// resolver the Read Executor falls back to on a digest mismatch.
func (d *Driver) executeRange(ctx context.Context, rangeCmd store.Command, endpoints []topology.Endpoint, plan ScanPlan) (store.PartitionResult, error) {
	blockFor := len(endpoints)
	if plan.Strategy != nil {
		if bf := plan.Strategy.BlockFor(plan.Consistency, rangeCmd.Keyspace()); bf > 0 && bf < blockFor {
			blockFor = bf
		}
	}
	h := quorum.New(quorum.KindRead, endpoints, nil, plan.Consistency, rangeCmd.Keyspace(), cerrors.WriteType(""), blockFor, d.cfg.Timeouts().Range, nil)
	if err := h.AssureSufficientLiveNodes(endpoints); err != nil {
		return store.PartitionResult{}, err
	}

	var mu sync.Mutex
	results := make(map[topology.Endpoint]store.PartitionResult, len(endpoints))
	for _, e := range endpoints {
		e := e
		cb := &scanCallback{handler: h, target: e, onResult: func(res store.PartitionResult) {
			mu.Lock()
			results[e] = res
			mu.Unlock()
		}}
		if _, err := d.messenger.SendRRWithFailure(&ScanRequest{Command: rangeCmd}, e, cb); err != nil {
			h.OnFailure(e)
		}
	}

	if err := h.Await(); err != nil {
		return store.PartitionResult{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	reconciled, err := store.Reconcile(rangeCmd.PartitionKey(), results)
	if err != nil {
		return store.PartitionResult{}, err
	}
	return reconciled.Result, nil
}

type scanCallback struct {
	handler  *quorum.Handler
	target   topology.Endpoint
	onResult func(store.PartitionResult)
}

func (c *scanCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*ScanResponse)
	if !ok {
		c.handler.OnFailure(c.target)
		return
	}
	c.onResult(resp.Result)
	c.handler.OnDataResponse(c.target)
}

func (c *scanCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}

// split implements spec.md §4.F step 1: break the range at every ring
// boundary between tokens owned by different replica sets.
func (d *Driver) split(keyspace string, full Range) []piece {
	all := d.resolver.Oracle().SortedTokens()
	filtered := make([]topology.Token, 0, len(all))
	for _, t := range all {
		if inRange(t, full.Start, full.End) {
			filtered = append(filtered, t)
		}
	}
	// Order filtered tokens in ring order starting just after Start: the
	// "not yet wrapped" partition (t > Start) sorts before the "wrapped"
	// partition (t <= End), each ascending within itself. When the range
	// doesn't wrap, every filtered token is in the first partition and
	// this degenerates to a plain ascending sort.
	sort.Slice(filtered, func(i, j int) bool {
		ai := bytes.Compare(filtered[i], full.Start) > 0
		aj := bytes.Compare(filtered[j], full.Start) > 0
		if ai != aj {
			return ai
		}
		return bytes.Compare(filtered[i], filtered[j]) < 0
	})

	var pieces []piece
	prevStart := full.Start
	var prevReplicas []topology.Endpoint
	for i, t := range filtered {
		replicas := d.resolver.NaturalEndpoints(keyspace, t)
		if i > 0 && !endpointsEqual(replicas, prevReplicas) {
			pieces = append(pieces, d.newPiece(keyspace, Range{Start: prevStart, End: filtered[i-1]}))
			prevStart = filtered[i-1]
		}
		prevReplicas = replicas
	}
	pieces = append(pieces, d.newPiece(keyspace, Range{Start: prevStart, End: full.End}))
	return pieces
}

func (d *Driver) newPiece(keyspace string, r Range) piece {
	replicas := d.resolver.NaturalEndpoints(keyspace, r.End)
	return piece{r: r, endpoints: d.resolver.FilterAlive(replicas)}
}

// merge implements spec.md §4.F step 2: merge consecutive pieces whose
// live, filtered endpoint intersection still meets blockFor and that the
// snitch judges worthwhile, never merging across the wrap-around point
// (Start > End in byte order signals a wrapped piece, which never merges
// forward).
func (d *Driver) merge(pieces []piece, cl store.ConsistencyLevel, strategy store.ReplicationStrategy, keyspace string) []piece {
	if len(pieces) < 2 {
		return pieces
	}
	merged := []piece{pieces[0]}
	for _, next := range pieces[1:] {
		last := merged[len(merged)-1]
		if wraps(last.r) {
			merged = append(merged, next)
			continue
		}
		intersection := intersect(last.endpoints, next.endpoints)
		blockFor := len(last.endpoints)
		if strategy != nil {
			blockFor = strategy.BlockFor(cl, keyspace)
		}
		overlapRatio := 0.0
		if len(last.endpoints) > 0 {
			overlapRatio = float64(len(intersection)) / float64(len(last.endpoints))
		}
		if len(intersection) >= blockFor && overlapRatio >= mergeOverlapThreshold &&
			d.resolver.IsWorthMerging(intersection, last.endpoints, next.endpoints) {
			merged[len(merged)-1] = piece{
				r:         Range{Start: last.r.Start, End: next.r.End},
				endpoints: intersection,
			}
			continue
		}
		merged = append(merged, next)
	}
	return merged
}

func wraps(r Range) bool { return bytes.Compare(r.Start, r.End) > 0 }

func inRange(t, start, end topology.Token) bool {
	if bytes.Compare(start, end) <= 0 {
		return bytes.Compare(t, start) > 0 && bytes.Compare(t, end) <= 0
	}
	return bytes.Compare(t, start) > 0 || bytes.Compare(t, end) <= 0
}

func endpointsEqual(a, b []topology.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[topology.Endpoint]struct{}, len(a))
	for _, e := range a {
		seen[e] = struct{}{}
	}
	for _, e := range b {
		if _, ok := seen[e]; !ok {
			return false
		}
	}
	return true
}

func intersect(a, b []topology.Endpoint) []topology.Endpoint {
	set := make(map[topology.Endpoint]struct{}, len(a))
	for _, e := range a {
		set[e] = struct{}{}
	}
	var out []topology.Endpoint
	for _, e := range b {
		if _, ok := set[e]; ok {
			out = append(out, e)
		}
	}
	return out
}

// initialConcurrency picks the first batch size (spec.md §4.F step 3):
// enough ranges in parallel to plausibly satisfy rowLimit at the assumed
// row density, clamped to the number of pieces available. estimatedRows
// <= 0 falls back to defaultResultsPerRange.
func initialConcurrency(rowLimit, estimatedRows, numPieces int) int {
	if estimatedRows <= 0 {
		estimatedRows = defaultResultsPerRange
	}
	return clamp(int(math.Ceil(float64(rowLimit)/(float64(estimatedRows)*0.9))), 1, numPieces)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
