package read

import (
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/store"
)

// DataRequest asks a replica to execute cmd and return full row data.
type DataRequest struct {
	Command store.Command
}

func (r *DataRequest) Verb() messaging.Verb { return messaging.VerbReadData }

// DigestRequest asks a replica to execute cmd and return only a content
// digest, saving bandwidth when the coordinator just needs to confirm
// agreement with a data reply it already has.
type DigestRequest struct {
	Command store.Command
}

func (r *DigestRequest) Verb() messaging.Verb { return messaging.VerbReadDigest }

// DataResponse carries a replica's full read result.
type DataResponse struct {
	Result store.PartitionResult
}

func (r *DataResponse) Verb() messaging.Verb { return messaging.VerbReadData }

// DigestResponse carries a replica's digest-only read result.
type DigestResponse struct {
	Digest store.Digest
}

func (r *DigestResponse) Verb() messaging.Verb { return messaging.VerbReadDigest }

// RepairRequest pushes the cells a behind replica was missing, discovered
// during digest-mismatch reconciliation (spec.md §4.E step 3). Sent
// one-way, asynchronously, and not waited on.
type RepairRequest struct {
	Keyspace     string
	PartitionKey string
	Cells        []store.Cell
}

func (r *RepairRequest) Verb() messaging.Verb { return messaging.VerbMutationRepair }
