/*
Package coordinator wires every component driver into one facade: the
entrypoint a transport layer (cmd/coordinatord, or a test harness) calls
into for each client operation, and the dispatch target for every inbound
verb this node can receive from a peer coordinator or replica. It also
carries the one operation spec.md §6 names but leaves unbuilt: the
cluster-wide schema-version probe.
*/
package coordinator

import (
	"context"
	"time"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/batchlog"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/paxos"
	"github.com/chaordic/cassandra/internal/rangescan"
	"github.com/chaordic/cassandra/internal/read"
	"github.com/chaordic/cassandra/internal/topology"
	"github.com/chaordic/cassandra/internal/truncate"
	"github.com/chaordic/cassandra/internal/write"
)

var logger = logging.MustGetLogger("coordinator")

// UnreachableSchemaVersion is the sentinel DescribeSchemaVersions reports
// for a member that didn't answer within the probe's deadline.
const UnreachableSchemaVersion = "UNREACHABLE"

// Coordinator is the top-level facade: one instance per node, holding
// every already-constructed component driver the request orchestrator
// needs. Each driver is built by its own package's New, with whatever
// stages/registries/hint-submitter it requires; this package only wires
// the finished drivers together and adds the schema-version probe that
// doesn't belong to any single driver.
type Coordinator struct {
	local     topology.Endpoint
	resolver  *topology.Resolver
	messenger messaging.Messenger
	cfg       *config.AdminConfig
	metrics   *metrics.Sink

	Write     *write.Dispatcher
	Read      *read.Executor
	RangeScan *rangescan.Driver
	Paxos     *paxos.Driver
	Batchlog  *batchlog.Driver
	Truncate  *truncate.Driver

	schemaVersion func() string
}

// New assembles a Coordinator facade from already-built drivers.
// schemaVersion reports this node's own current schema version, for
// HandleSchemaCheckRequest to answer with.
func New(
	local topology.Endpoint,
	resolver *topology.Resolver,
	messenger messaging.Messenger,
	cfg *config.AdminConfig,
	sink *metrics.Sink,
	writeDispatcher *write.Dispatcher,
	readExecutor *read.Executor,
	rangeScanDriver *rangescan.Driver,
	paxosDriver *paxos.Driver,
	batchlogDriver *batchlog.Driver,
	truncateDriver *truncate.Driver,
	schemaVersion func() string,
) *Coordinator {
	return &Coordinator{
		local:         local,
		resolver:      resolver,
		messenger:     messenger,
		cfg:           cfg,
		metrics:       sink,
		Write:         writeDispatcher,
		Read:          readExecutor,
		RangeScan:     rangeScanDriver,
		Paxos:         paxosDriver,
		Batchlog:      batchlogDriver,
		Truncate:      truncateDriver,
		schemaVersion: schemaVersion,
	}
}

// HandleSchemaCheckRequest is the receiving side of SchemaCheckRequest:
// the transport layer should invoke this from its SCHEMA_CHECK verb
// handler and ship the returned response back to from.
func (c *Coordinator) HandleSchemaCheckRequest(req *SchemaCheckRequest, from topology.Endpoint) *SchemaCheckResponse {
	return &SchemaCheckResponse{Version: c.schemaVersion()}
}

// SchemaCheckRequest asks an endpoint for its current schema version.
type SchemaCheckRequest struct{}

func (r *SchemaCheckRequest) Verb() messaging.Verb { return messaging.VerbSchemaCheck }

// SchemaCheckResponse carries the endpoint's answer.
type SchemaCheckResponse struct {
	Version string
}

func (r *SchemaCheckResponse) Verb() messaging.Verb { return messaging.VerbSchemaCheck }

type schemaAnswer struct {
	endpoint topology.Endpoint
	version  string
}

// DescribeSchemaVersions is the supplemented schema-version probe (spec.md
// §6 "describeSchemaVersions"): fan a lightweight SchemaCheckRequest to
// every live member, wait up to the read RPC timeout, and report any
// non-responder as UnreachableSchemaVersion rather than omitting it — an
// operator diagnosing a split-brain schema disagreement needs to see who
// didn't answer, not just who agreed. Never itself returns an error.
func (c *Coordinator) DescribeSchemaVersions(ctx context.Context) map[string][]topology.Endpoint {
	members := c.resolver.Liveness().LiveMembers()
	targets := make([]topology.Endpoint, 0, len(members))
	for e := range members {
		targets = append(targets, e)
	}

	result := make(map[string][]topology.Endpoint)
	if len(targets) == 0 {
		return result
	}

	answers := make(chan schemaAnswer, len(targets))
	for _, e := range targets {
		cb := &schemaCallback{endpoint: e, answers: answers}
		if _, err := c.messenger.SendRRWithFailure(&SchemaCheckRequest{}, e, cb); err != nil {
			answers <- schemaAnswer{endpoint: e, version: UnreachableSchemaVersion}
		}
	}

	timeout := time.After(c.cfg.Timeouts().Read)
	received := make(map[topology.Endpoint]struct{}, len(targets))
	for len(received) < len(targets) {
		select {
		case a := <-answers:
			if _, dup := received[a.endpoint]; dup {
				continue
			}
			received[a.endpoint] = struct{}{}
			result[a.version] = append(result[a.version], a.endpoint)
		case <-timeout:
			logger.Warning("coordinator: schema version probe timed out with %d of %d members unreported", len(targets)-len(received), len(targets))
			for _, e := range targets {
				if _, ok := received[e]; !ok {
					result[UnreachableSchemaVersion] = append(result[UnreachableSchemaVersion], e)
				}
			}
			return result
		case <-ctx.Done():
			return result
		}
	}
	return result
}

type schemaCallback struct {
	endpoint topology.Endpoint
	answers  chan schemaAnswer
}

func (c *schemaCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	resp, ok := msg.(*SchemaCheckResponse)
	if !ok {
		c.answers <- schemaAnswer{endpoint: c.endpoint, version: UnreachableSchemaVersion}
		return
	}
	c.answers <- schemaAnswer{endpoint: c.endpoint, version: resp.Version}
}

func (c *schemaCallback) OnFailure(from topology.Endpoint) {
	c.answers <- schemaAnswer{endpoint: c.endpoint, version: UnreachableSchemaVersion}
}
