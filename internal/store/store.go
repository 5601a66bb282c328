/*
Package store defines the data model and the storage-engine / replication
contracts the coordinator consumes (spec.md §3, §6). Mutation apply,
command execution, tombstone GC and on-disk format are external
collaborators; this package only describes the shapes the coordinator
passes across that boundary and the read-repair reconciliation it performs
on the results.
*/
package store

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/topology"
)

// ConsistencyLevel is the client-chosen durability/visibility contract for
// one operation.
type ConsistencyLevel string

const (
	One           = ConsistencyLevel("ONE")
	Quorum        = ConsistencyLevel("QUORUM")
	LocalQuorum   = ConsistencyLevel("LOCAL_QUORUM")
	EachQuorum    = ConsistencyLevel("EACH_QUORUM")
	All           = ConsistencyLevel("ALL")
	Any           = ConsistencyLevel("ANY")
	Serial        = ConsistencyLevel("SERIAL")
	LocalSerial   = ConsistencyLevel("LOCAL_SERIAL")
)

// IsLocalOnly reports whether cl restricts an operation to the local
// datacenter.
func (cl ConsistencyLevel) IsLocalOnly() bool {
	switch cl {
	case LocalQuorum, LocalSerial:
		return true
	default:
		return false
	}
}

// Cell is a single column value as stored by the engine, carrying the two
// tie-breakers read-repair needs after timestamp: localDeletionTime (so a
// tombstone beats a stale live value written before it) and the raw value
// bytes as the final, purely-deterministic tie-breaker.
type Cell struct {
	Column            string
	Timestamp         int64
	LocalDeletionTime int64
	Value             []byte
	IsTombstone       bool
}

// newer implements the reconciliation order from §4.E.2: timestamp, then
// localDeletionTime, then value (lexicographic, for determinism across
// replicas that otherwise tie).
func (c Cell) newer(o Cell) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp > o.Timestamp
	}
	if c.LocalDeletionTime != o.LocalDeletionTime {
		return c.LocalDeletionTime > o.LocalDeletionTime
	}
	return bytes.Compare(c.Value, o.Value) > 0
}

// Row is one clustering row of a partition.
type Row struct {
	ClusteringKey string
	Cells         map[string]Cell
}

// PartitionResult is a single replica's answer to a read, ordered by
// clustering key ascending. Rows beyond RowLimit are not included; HasMore
// signals whether the replica holds additional rows past the last one
// returned, which drives short-read protection (§4.E.4).
type PartitionResult struct {
	PartitionKey string
	Rows         []Row
	HasMore      bool
}

// Digest is a stand-in for the replica's digest response: a content hash
// cheap enough to compare across replicas without shipping full rows.
type Digest [32]byte

// RowIterator is a pull-based, single-use lazy sequence of rows, replacing
// the teacher's wrapped/partial read iterators (spec.md §9 design notes):
// short-read retry is a new head spliced onto the tail with an adjusted
// lower bound rather than a stateful cursor object.
type RowIterator interface {
	// Next returns the next row, or ok=false when exhausted.
	Next() (Row, bool, error)
}

// Mutation is a single logical write as handed to the storage engine.
// Apply is the only externally-defined storage operation the coordinator
// invokes directly (on the local replica); remote replicas receive the
// serialized mutation over the messaging contract instead.
type Mutation interface {
	Apply() error
	Keyspace() string
	PartitionKey() string
	// Tables lists the column families touched, for hint-TTL calculation
	// (the TTL is the minimum gc-grace across all of them).
	Tables() []string
	GCGraceSeconds(table string) int64
}

// Command is a single logical read as handed to the storage engine.
type Command interface {
	Keyspace() string
	PartitionKey() string
	RowLimit() int
	ExecuteLocally() (RowIterator, error)
}

// ReplicationStrategy is the consumed contract mapping a consistency level
// to a quorum size and exposing the keyspace's replication factor
// (spec.md §6). Implemented externally; the coordinator never computes a
// quorum size itself.
type ReplicationStrategy interface {
	ReplicationFactor(keyspace string) int
	BlockFor(cl ConsistencyLevel, keyspace string) int
}

// WritePlan is the routing instructions for one write: which endpoints to
// contact, at what consistency, and how the write should be classified for
// timeout/metric purposes (spec.md §3 "Write plan").
type WritePlan struct {
	Natural     []topology.Endpoint
	Pending     []topology.Endpoint
	LocalDC     topology.DatacenterID
	Consistency ConsistencyLevel
	WriteType   cerrors.WriteType
	BlockFor    int
}

// Reconciled is the result of merging per-replica PartitionResults into one
// authoritative view, plus the set of corrective mutations each behind
// replica needs (spec.md §4.E "Digest mismatch").
type Reconciled struct {
	Result  PartitionResult
	Repairs map[topology.Endpoint][]Cell // cells to push back, by replica endpoint
}

// Reconcile merges one result per contacted replica into the most-recent
// view and computes which cells each replica is missing. Rows are merged by
// clustering key; within a row, cells are merged by column using Cell.newer.
func Reconcile(key string, results map[topology.Endpoint]PartitionResult) (Reconciled, error) {
	if len(results) == 0 {
		return Reconciled{}, fmt.Errorf("store: reconcile called with no replica results for key %q", key)
	}

	winning := map[string]map[string]Cell{} // clusteringKey -> column -> cell
	order := []string{}

	for _, res := range results {
		for _, row := range res.Rows {
			cols, seen := winning[row.ClusteringKey]
			if !seen {
				cols = map[string]Cell{}
				winning[row.ClusteringKey] = cols
				order = append(order, row.ClusteringKey)
			}
			for name, cell := range row.Cells {
				if existing, ok := cols[name]; !ok || cell.newer(existing) {
					cols[name] = cell
				}
			}
		}
	}

	// Map iteration order above is randomized; sort so Rows comes back
	// ordered by clustering key ascending, as the type's doc promises.
	sort.Strings(order)

	merged := PartitionResult{PartitionKey: key, Rows: make([]Row, 0, len(order))}
	for _, ck := range order {
		merged.Rows = append(merged.Rows, Row{ClusteringKey: ck, Cells: winning[ck]})
	}

	repairs := map[topology.Endpoint][]Cell{}
	for endpoint, res := range results {
		have := map[string]map[string]Cell{}
		for _, row := range res.Rows {
			have[row.ClusteringKey] = row.Cells
		}
		for _, ck := range order {
			for name, cell := range winning[ck] {
				local, ok := have[ck][name]
				if !ok || !cellEqual(local, cell) {
					repairs[endpoint] = append(repairs[endpoint], cell)
				}
			}
		}
		if res.HasMore {
			merged.HasMore = true
		}
	}

	return Reconciled{Result: merged, Repairs: repairs}, nil
}

func cellEqual(a, b Cell) bool {
	return a.Timestamp == b.Timestamp && a.LocalDeletionTime == b.LocalDeletionTime && bytes.Equal(a.Value, b.Value)
}
