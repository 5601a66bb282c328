/*
Package read is the Read Executor (spec.md §4.E): data+digest fan-out for
a single partition read, speculative retry against a further replica,
digest-mismatch reconciliation via a synchronous CL=all re-read, and
short-read protection follow-ups when limit filtering left fewer rows
than requested while a contacted replica still has more.
*/
package read

import (
	"context"
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/quorum"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

var logger = logging.MustGetLogger("read")

// maxShortReadRounds bounds the short-read-protection follow-up loop; a
// well-behaved storage engine converges in one or two rounds.
const maxShortReadRounds = 5

// SpeculativeRetryPolicy names the per-table latency after which an
// additional data request should be sent to a further replica, in case
// the original data replica is slow rather than down. Consumed externally
// (typically backed by a per-table latency percentile tracker); a nil
// policy disables speculative retry.
type SpeculativeRetryPolicy interface {
	Threshold(table string) time.Duration
}

// LowerBoundCommand is implemented by a store.Command that can rebuild
// itself starting strictly after a given clustering key, which is what a
// short-read-protection follow-up needs (spec.md §4.E step 4). Commands
// that don't implement it simply can't be extended — short-read
// protection is skipped for them.
type LowerBoundCommand interface {
	store.Command
	AfterClusteringKey(key string) store.Command
}

// Plan is the routing input for one partition read.
type Plan struct {
	Natural     []topology.Endpoint
	Consistency store.ConsistencyLevel
	BlockFor    int
	Table       string // for speculative-retry threshold lookup
}

// Executor is the Read Executor.
type Executor struct {
	local       topology.Endpoint
	resolver    *topology.Resolver
	messenger   messaging.Messenger
	cfg         *config.AdminConfig
	metrics     *metrics.Sink
	retryPolicy SpeculativeRetryPolicy
}

// New builds a Read Executor. retryPolicy may be nil to disable
// speculative retry.
func New(local topology.Endpoint, resolver *topology.Resolver, messenger messaging.Messenger, cfg *config.AdminConfig, sink *metrics.Sink, retryPolicy SpeculativeRetryPolicy) *Executor {
	return &Executor{local: local, resolver: resolver, messenger: messenger, cfg: cfg, metrics: sink, retryPolicy: retryPolicy}
}

// Execute runs the single-partition read with an empty Plan. It does not
// resolve replicas from cmd, so it has no endpoints to contact and returns
// an Unavailable error; ExecuteWithPlan is the path that contacts replicas.
func (e *Executor) Execute(ctx context.Context, cmd store.Command) (store.PartitionResult, error) {
	return e.execute(ctx, cmd, Plan{})
}

// ExecuteWithPlan is Execute with an explicit replica set/consistency,
// used when the caller (e.g. a multi-partition or range-scan read) has
// already resolved endpoints itself.
func (e *Executor) ExecuteWithPlan(ctx context.Context, cmd store.Command, plan Plan) (store.PartitionResult, error) {
	return e.execute(ctx, cmd, plan)
}

func (e *Executor) execute(ctx context.Context, cmd store.Command, plan Plan) (store.PartitionResult, error) {
	natural := plan.Natural
	sorted := e.resolver.SortByProximity(e.local, e.resolver.FilterAlive(natural))
	blockFor := plan.BlockFor
	if blockFor == 0 {
		blockFor = 1
	}

	contacted := sorted
	if len(contacted) > blockFor {
		contacted = contacted[:blockFor]
	}

	h := quorum.New(quorum.KindRead, contacted, nil, plan.Consistency, cmd.Keyspace(), cerrors.WriteType(""), blockFor, e.cfg.Timeouts().Read, nil)
	if err := h.AssureSufficientLiveNodes(sorted); err != nil {
		return store.PartitionResult{}, err
	}
	if len(contacted) == 0 {
		return store.PartitionResult{}, cerrors.NewUnavailable(blockFor, 0, "no replicas available for read")
	}

	var mu sync.Mutex
	var dataResult *store.PartitionResult
	var dataFrom topology.Endpoint
	digests := map[topology.Endpoint]store.Digest{}

	sendData := func(target topology.Endpoint) {
		cb := &dataCallback{handler: h, target: target, onData: func(from topology.Endpoint, res store.PartitionResult) {
			mu.Lock()
			if dataResult == nil {
				dataResult = &res
				dataFrom = from
			}
			mu.Unlock()
		}}
		if _, err := e.messenger.SendRRWithFailure(&DataRequest{Command: cmd}, target, cb); err != nil {
			h.OnFailure(target)
		}
	}
	sendDigest := func(target topology.Endpoint) {
		cb := &digestCallback{handler: h, target: target, onDigest: func(from topology.Endpoint, d store.Digest) {
			mu.Lock()
			digests[from] = d
			mu.Unlock()
		}}
		if _, err := e.messenger.SendRRWithFailure(&DigestRequest{Command: cmd}, target, cb); err != nil {
			h.OnFailure(target)
		}
	}

	dataTarget := contacted[0]
	sendData(dataTarget)
	for _, t := range contacted[1:] {
		sendDigest(t)
	}

	if e.retryPolicy != nil && len(sorted) > len(contacted) {
		threshold := e.retryPolicy.Threshold(plan.Table)
		if threshold > 0 {
			speculative := sorted[len(contacted)]
			timer := time.AfterFunc(threshold, func() {
				mu.Lock()
				alreadyHaveData := dataResult != nil
				mu.Unlock()
				if !alreadyHaveData {
					logger.Debug("read: speculative retry firing against %s after %v", speculative, threshold)
					sendData(speculative)
				}
			})
			defer timer.Stop()
		}
	}

	if err := h.Await(); err != nil {
		return store.PartitionResult{}, err
	}

	mu.Lock()
	result := *dataResult
	from := dataFrom
	mismatched := false
	for _, d := range digests {
		if d != digestOf(result) {
			mismatched = true
			break
		}
	}
	mu.Unlock()

	if mismatched {
		logger.Debug("read: digest mismatch for %s, issuing CL=all reconciliation read", cmd.PartitionKey())
		e.metrics.ReadRepairAttempted.Inc()
		reconciled, err := e.reconcileRead(ctx, cmd, contacted)
		if err != nil {
			return store.PartitionResult{}, err
		}
		result = reconciled
	} else {
		logger.Debug("read: digests agreed from %s", from)
	}

	return e.protectShortRead(ctx, cmd, contacted, result)
}

// reconcileRead implements spec.md §4.E step 3: a synchronous CL=all
// full-data re-read across every originally contacted replica, merged by
// store.Reconcile, with repair pushes fired off asynchronously.
func (e *Executor) reconcileRead(ctx context.Context, cmd store.Command, contacted []topology.Endpoint) (store.PartitionResult, error) {
	h := quorum.New(quorum.KindRead, contacted, nil, store.All, cmd.Keyspace(), cerrors.WriteType(""), len(contacted), e.cfg.Timeouts().Read, nil)

	var mu sync.Mutex
	results := make(map[topology.Endpoint]store.PartitionResult, len(contacted))
	for _, target := range contacted {
		cb := &dataCallback{handler: h, target: target, onData: func(from topology.Endpoint, res store.PartitionResult) {
			mu.Lock()
			results[from] = res
			mu.Unlock()
		}}
		if _, err := e.messenger.SendRRWithFailure(&DataRequest{Command: cmd}, target, cb); err != nil {
			h.OnFailure(target)
		}
	}

	if err := h.Await(); err != nil {
		return store.PartitionResult{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	reconciled, err := store.Reconcile(cmd.PartitionKey(), results)
	if err != nil {
		return store.PartitionResult{}, err
	}

	for endpoint, cells := range reconciled.Repairs {
		if endpoint == e.local {
			continue
		}
		e.metrics.ReadRepairRepairedBackground.Inc()
		go e.pushRepair(cmd.Keyspace(), cmd.PartitionKey(), endpoint, cells)
	}

	return reconciled.Result, nil
}

func (e *Executor) pushRepair(keyspace, partitionKey string, target topology.Endpoint, cells []store.Cell) {
	req := &RepairRequest{Keyspace: keyspace, PartitionKey: partitionKey, Cells: cells}
	if err := e.messenger.SendOneWay(req, target); err != nil {
		logger.Warning("read: read-repair push to %s failed: %v", target, err)
	}
}

// protectShortRead implements spec.md §4.E step 4: if limit filtering
// left fewer rows than requested while a contacted replica still has more
// beyond the last clustering key returned, issue a follow-up read with an
// adjusted lower bound and merge its rows in.
func (e *Executor) protectShortRead(ctx context.Context, cmd store.Command, contacted []topology.Endpoint, result store.PartitionResult) (store.PartitionResult, error) {
	lbCmd, ok := cmd.(LowerBoundCommand)
	if !ok {
		return result, nil
	}

	for round := 0; round < maxShortReadRounds; round++ {
		if len(result.Rows) >= cmd.RowLimit() || !result.HasMore {
			break
		}
		last := result.Rows[len(result.Rows)-1].ClusteringKey
		follow := lbCmd.AfterClusteringKey(last)
		logger.Debug("read: short-read protection follow-up after %q (have %d of %d rows)", last, len(result.Rows), cmd.RowLimit())

		more, err := e.reconcileRead(ctx, follow, contacted)
		if err != nil {
			return result, err
		}
		result.Rows = append(result.Rows, more.Rows...)
		result.HasMore = more.HasMore
		if len(more.Rows) == 0 {
			break
		}
	}
	if len(result.Rows) > cmd.RowLimit() {
		result.Rows = result.Rows[:cmd.RowLimit()]
	}
	return result, nil
}

// digestOf computes a content digest over a partition result the same way
// a replica would for a DigestResponse, so the coordinator can compare its
// own data reply against the remote digests it collected.
func digestOf(result store.PartitionResult) store.Digest {
	h := sha256.New()
	rows := append([]store.Row{}, result.Rows...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ClusteringKey < rows[j].ClusteringKey })
	for _, row := range rows {
		h.Write([]byte(row.ClusteringKey))
		columns := make([]string, 0, len(row.Cells))
		for name := range row.Cells {
			columns = append(columns, name)
		}
		sort.Strings(columns)
		for _, name := range columns {
			cell := row.Cells[name]
			h.Write([]byte(name))
			h.Write(cell.Value)
		}
	}
	var d store.Digest
	copy(d[:], h.Sum(nil))
	return d
}

type dataCallback struct {
	handler *quorum.Handler
	target  topology.Endpoint
	onData  func(from topology.Endpoint, result store.PartitionResult)
}

func (c *dataCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*DataResponse)
	if !ok {
		c.handler.OnFailure(c.target)
		return
	}
	c.onData(from, resp.Result)
	c.handler.OnDataResponse(c.target)
}

func (c *dataCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}

type digestCallback struct {
	handler  *quorum.Handler
	target   topology.Endpoint
	onDigest func(from topology.Endpoint, digest store.Digest)
}

func (c *digestCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*DigestResponse)
	if !ok {
		c.handler.OnFailure(c.target)
		return
	}
	c.onDigest(from, resp.Digest)
	c.handler.OnResponse(c.target)
}

func (c *digestCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}
