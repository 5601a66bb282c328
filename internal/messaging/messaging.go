/*
Package messaging is the on-wire transport contract the coordinator
consumes (spec.md §6). Serialization and the actual socket/RPC layer are
external collaborators; this package only describes the shape of a verb,
a message, and the callback registry used to route asynchronous replies
back to the response collector that is waiting on them.
*/
package messaging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

// Verb names a message type for RPC-timeout lookup, dropped-message
// bookkeeping, and per-verb stage routing (spec.md §5).
type Verb string

const (
	VerbMutation       = Verb("MUTATION")
	VerbMutationRepair = Verb("MUTATION_REPAIR")
	VerbCounterMutation = Verb("COUNTER_MUTATION")
	VerbReadData       = Verb("READ_DATA")
	VerbReadDigest     = Verb("READ_DIGEST")
	VerbRangeScan      = Verb("RANGE_SCAN")
	VerbPaxosPrepare   = Verb("PAXOS_PREPARE")
	VerbPaxosAccept    = Verb("PAXOS_ACCEPT")
	VerbPaxosCommit    = Verb("PAXOS_COMMIT")
	VerbBatchlogWrite  = Verb("BATCHLOG_WRITE")
	VerbBatchlogDelete = Verb("BATCHLOG_DELETE")
	VerbTruncate       = Verb("TRUNCATE")
	VerbSchemaCheck    = Verb("SCHEMA_CHECK")
	VerbHint           = Verb("HINT")
)

// Message is anything that can be shipped across the wire. Verb identifies
// the handler on the receiving side; concrete payloads live in the
// component packages that define them (write/read/paxos/...).
type Message interface {
	Verb() Verb
}

// CallbackID identifies one outstanding request-response exchange.
type CallbackID uint64

// Callback receives the asynchronous reply (or failure) to a message sent
// with SendRR/SendRRWithFailure/AddCallback.
type Callback interface {
	OnResponse(from topology.Endpoint, msg Message)
	OnFailure(from topology.Endpoint)
}

// Messenger is the consumed transport contract (spec.md §6).
type Messenger interface {
	SendOneWay(msg Message, to topology.Endpoint) error
	SendRR(msg Message, to topology.Endpoint, cb Callback) (CallbackID, error)
	SendRRWithFailure(msg Message, to topology.Endpoint, cb Callback) (CallbackID, error)
	GetVersion(e topology.Endpoint) int
	AddCallback(cb Callback, msg Message, to topology.Endpoint, timeout time.Duration, cl store.ConsistencyLevel, allowHints bool) CallbackID
	IncrementDroppedMessages(verb Verb)
}

// Registry breaks the handler↔callback ownership cycle described in
// spec.md §9: the response handler owns all completion state and a
// callback holds only this back-index. An entry leaves the registry only
// through Remove; the write dispatcher calls it after routing a forwarded
// response or failure for the id, or when the relay send fails. The
// handler's own completion or timeout does not remove entries, so an id
// whose destination never answers stays registered.
type Registry struct {
	mu       sync.Mutex
	next     uint64
	callbacks map[CallbackID]Callback
}

// NewRegistry builds an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[CallbackID]Callback)}
}

// Register assigns a fresh CallbackID to cb and returns it.
func (r *Registry) Register(cb Callback) CallbackID {
	id := CallbackID(atomic.AddUint64(&r.next, 1))
	r.mu.Lock()
	r.callbacks[id] = cb
	r.mu.Unlock()
	return id
}

// Dispatch routes an incoming response to its callback, if the id is
// still registered; a response for an id already removed is dropped.
func (r *Registry) Dispatch(id CallbackID, from topology.Endpoint, msg Message) {
	r.mu.Lock()
	cb, ok := r.callbacks[id]
	r.mu.Unlock()
	if ok {
		cb.OnResponse(from, msg)
	}
}

// Fail routes a failure notification the same way Dispatch routes a
// response.
func (r *Registry) Fail(id CallbackID, from topology.Endpoint) {
	r.mu.Lock()
	cb, ok := r.callbacks[id]
	r.mu.Unlock()
	if ok {
		cb.OnFailure(from)
	}
}

// Remove drops the callback for id. The registry never calls it itself;
// see Registry for where it is called.
func (r *Registry) Remove(id CallbackID) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}
