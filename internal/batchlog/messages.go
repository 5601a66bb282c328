package batchlog

import (
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/store"
)

// WriteRequest asks an endpoint to durably record one atomic batch under
// batchID, so a batchlog-replay service can finish delivering it if the
// coordinator dies before every mutation lands.
type WriteRequest struct {
	BatchID    string
	Keyspace   string
	Mutations  []store.Mutation
}

func (r *WriteRequest) Verb() messaging.Verb { return messaging.VerbBatchlogWrite }

// WriteResponse is a bare ack for a batchlog write.
type WriteResponse struct{}

func (r *WriteResponse) Verb() messaging.Verb { return messaging.VerbBatchlogWrite }

// DeleteRequest asks an endpoint to remove a batchlog entry once every
// mutation in it has been delivered.
type DeleteRequest struct {
	BatchID string
}

func (r *DeleteRequest) Verb() messaging.Verb { return messaging.VerbBatchlogDelete }

// DeleteResponse is a bare ack for a batchlog delete.
type DeleteResponse struct{}

func (r *DeleteResponse) Verb() messaging.Verb { return messaging.VerbBatchlogDelete }
