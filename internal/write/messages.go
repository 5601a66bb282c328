package write

import (
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

// MutationRequest is sent to a replica, or to a relay bundling several
// destinations in one remote datacenter (spec.md §4.D.3). ForwardTo is
// empty for a direct, non-bundled send.
type MutationRequest struct {
	Mutation  store.Mutation
	ForwardTo []ForwardTarget
}

func (m *MutationRequest) Verb() messaging.Verb { return messaging.VerbMutation }

// ForwardTarget is one of the relay's fan-out destinations, carrying the
// callback id the *original coordinator* registered for it — spec.md §5
// "every response carries its callback identifier".
type ForwardTarget struct {
	Endpoint   topology.Endpoint
	CallbackID messaging.CallbackID
}

// MutationResponse is the direct RR reply to a MutationRequest, from
// whichever node received it (a plain destination or a relay reporting its
// own local apply).
type MutationResponse struct {
	Applied bool
	Reason  string
}

func (m *MutationResponse) Verb() messaging.Verb { return messaging.VerbMutation }

// ForwardedMutationResponse is what a relay sends back to the original
// coordinator, one per forwarded destination, once that destination (or
// the relay's own send to it) completes. The coordinator's transport layer
// routes it to messaging.Registry.Dispatch/Fail by CallbackID.
type ForwardedMutationResponse struct {
	CallbackID messaging.CallbackID
	Applied    bool
}

func (m *ForwardedMutationResponse) Verb() messaging.Verb { return messaging.VerbMutation }
