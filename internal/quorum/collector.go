/*
Package quorum implements the Response Collector (spec.md §4.B): a reusable
quorum barrier shared by the write, read, range-scan, Paxos, batchlog and
truncate drivers. It tracks per-sender idempotent responses, exposes an
early-exit precondition check, and blocks up to a caller-supplied deadline.
*/
package quorum

import (
	"sync"
	"time"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

// Kind distinguishes a write-shaped handler (WriteTimeout/WriteFailure) from
// a read-shaped one (ReadTimeout/ReadFailure carrying dataPresent).
type Kind int

const (
	KindWrite Kind = iota
	KindRead
)

// Handler is the Response Collector. Construct one per replica fan-out; it
// is destroyed (garbage collected) once Await returns, matching the
// create-per-fanout, destroy-on-completion lifecycle spec.md §3 describes.
type Handler struct {
	kind        Kind
	targets     map[topology.Endpoint]struct{}
	pending     map[topology.Endpoint]struct{}
	consistency store.ConsistencyLevel
	keyspace    string
	writeType   cerrors.WriteType
	blockFor    int
	timeout     time.Duration

	onSuccess func() // optional callback, fired exactly once

	mu       sync.Mutex
	seen     map[topology.Endpoint]bool // idempotency: true once responded-or-failed
	received int
	failed   int
	dataPresent bool

	done      chan struct{}
	closeOnce sync.Once
	result    error
}

// New builds a Handler for one replica fan-out. targets is the union of
// natural and pending endpoints actually contacted; pending marks the
// subset that are pending (informational, for diagnostics). blockFor is the
// replication strategy's answer for (consistency, keyspace).
func New(
	kind Kind,
	targets []topology.Endpoint,
	pendingTargets []topology.Endpoint,
	consistency store.ConsistencyLevel,
	keyspace string,
	writeType cerrors.WriteType,
	blockFor int,
	timeout time.Duration,
	onSuccess func(),
) *Handler {
	h := &Handler{
		kind:        kind,
		targets:     make(map[topology.Endpoint]struct{}, len(targets)),
		pending:     make(map[topology.Endpoint]struct{}, len(pendingTargets)),
		consistency: consistency,
		keyspace:    keyspace,
		writeType:   writeType,
		blockFor:    blockFor,
		timeout:     timeout,
		onSuccess:   onSuccess,
		seen:        make(map[topology.Endpoint]bool, len(targets)),
		done:        make(chan struct{}),
	}
	for _, t := range targets {
		h.targets[t] = struct{}{}
	}
	for _, p := range pendingTargets {
		h.pending[p] = struct{}{}
	}
	return h
}

// AssureSufficientLiveNodes fails fast with Unavailable, before any message
// is sent, when liveTargets can never reach blockFor.
func (h *Handler) AssureSufficientLiveNodes(liveTargets []topology.Endpoint) error {
	if len(liveTargets) < h.blockFor {
		return cerrors.NewUnavailable(h.blockFor, len(liveTargets), "insufficient live replicas before sending")
	}
	return nil
}

// OnResponse records a response from an endpoint. Idempotent: a second
// response (or a response after OnFailure) from the same endpoint for the
// same handler is a no-op, satisfying the "received at most once per
// handler" invariant (spec.md §8 property 6).
func (h *Handler) OnResponse(from topology.Endpoint) {
	h.onResponse(from, false)
}

// OnDataResponse is OnResponse for a read's full-data reply, which also
// marks dataPresent so a later timeout/failure can report whether any data
// reply (as opposed to only digests) was seen.
func (h *Handler) OnDataResponse(from topology.Endpoint) {
	h.onResponse(from, true)
}

func (h *Handler) onResponse(from topology.Endpoint, dataPresent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[from] {
		return
	}
	h.seen[from] = true
	h.received++
	if dataPresent {
		h.dataPresent = true
	}
	if h.received == h.blockFor {
		h.succeedLocked()
	}
}

// OnFailure records an explicit failure response from an endpoint.
// Idempotent like OnResponse. If the remaining capacity can no longer
// reach blockFor, the handler fails immediately rather than waiting out
// the timeout.
func (h *Handler) OnFailure(from topology.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[from] {
		return
	}
	h.seen[from] = true
	h.failed++
	if h.failed > len(h.targets)-h.blockFor {
		h.failLocked(h.failureError())
	}
}

func (h *Handler) succeedLocked() {
	h.closeOnce.Do(func() {
		if h.onSuccess != nil {
			h.onSuccess()
		}
		close(h.done)
	})
}

func (h *Handler) failLocked(err error) {
	h.closeOnce.Do(func() {
		h.result = err
		close(h.done)
	})
}

func (h *Handler) failureError() error {
	if h.kind == KindRead {
		return cerrors.NewReadFailure(h.blockFor, h.received, h.failed, h.dataPresent)
	}
	return cerrors.NewWriteFailure(h.writeType, h.blockFor, h.received, h.failed)
}

func (h *Handler) timeoutError() error {
	if h.kind == KindRead {
		return cerrors.NewReadTimeout(h.blockFor, h.received, h.dataPresent)
	}
	return cerrors.NewWriteTimeout(h.writeType, h.blockFor, h.received)
}

// Await blocks until the handler reaches a terminal state: success (nil),
// explicit failure, or the configured RPC timeout. It may return on
// failure without cancelling outstanding messages; stragglers' responses
// are simply dropped by OnResponse/OnFailure's idempotency (spec.md §4.B
// "Cancellation").
func (h *Handler) Await() error {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		h.mu.Lock()
		result := h.result
		h.mu.Unlock()
		return result
	case <-timer.C:
		h.mu.Lock()
		defer h.mu.Unlock()
		select {
		case <-h.done:
			return h.result
		default:
			err := h.timeoutError()
			h.failLocked(err)
			return err
		}
	}
}

// Received reports the current received count, for tests and metrics.
func (h *Handler) Received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.received
}

// Failed reports the current failed count.
func (h *Handler) Failed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}
