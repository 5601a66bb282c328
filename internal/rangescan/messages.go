package rangescan

import (
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/store"
)

// ScanRequest asks a replica to execute cmd over one split/merged range
// piece and return full row data; range scans never use digests (spec.md
// §4.F step 4).
type ScanRequest struct {
	Command store.Command
}

func (r *ScanRequest) Verb() messaging.Verb { return messaging.VerbRangeScan }

// ScanResponse carries one replica's full answer for a range piece.
type ScanResponse struct {
	Result store.PartitionResult
}

func (r *ScanResponse) Verb() messaging.Verb { return messaging.VerbRangeScan }
