/*
Package truncate is the Truncate Driver (spec.md §4.I): an all-token-owner
broadcast that only proceeds once every owner of the target keyspace is
alive, and only completes once every one of them has acknowledged.
Grounded, like internal/batchlog, on this workspace's own Response
Collector idiom rather than a teacher precedent (src/ has no
cluster-wide DDL broadcast).
*/
package truncate

import (
	"context"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/cerrors"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/quorum"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
)

var logger = logging.MustGetLogger("truncate")

// Driver is the Truncate Driver.
type Driver struct {
	local     topology.Endpoint
	resolver  *topology.Resolver
	messenger messaging.Messenger
	cfg       *config.AdminConfig
	metrics   *metrics.Sink
}

// New builds a Truncate Driver.
func New(local topology.Endpoint, resolver *topology.Resolver, messenger messaging.Messenger, cfg *config.AdminConfig, sink *metrics.Sink) *Driver {
	return &Driver{local: local, resolver: resolver, messenger: messenger, cfg: cfg, metrics: sink}
}

// Execute runs spec.md §4.I: fail fast unless every token owner of
// keyspace is alive, then broadcast and wait for a full acknowledgement.
func (d *Driver) Execute(ctx context.Context, keyspace, table string) error {
	owners := d.tokenOwners(keyspace)
	if len(owners) == 0 {
		return nil
	}

	alive := d.resolver.FilterAlive(owners)
	if len(alive) < len(owners) {
		logger.Warning("truncate: %d of %d token owners for %s unreachable, refusing to truncate", len(owners)-len(alive), len(owners), keyspace)
		return cerrors.NewUnavailable(len(owners), len(alive), "not every token owner is alive")
	}

	h := quorum.New(quorum.KindWrite, owners, nil, store.All, keyspace, cerrors.WriteSimple, len(owners), d.cfg.Timeouts().Truncate, nil)
	for _, e := range owners {
		cb := &truncateCallback{handler: h, target: e}
		req := &Request{Keyspace: keyspace, Table: table}
		if _, err := d.messenger.SendRRWithFailure(req, e, cb); err != nil {
			h.OnFailure(e)
		}
	}
	return h.Await()
}

// tokenOwners is the distinct union of every endpoint the placement
// oracle assigns any token to for keyspace — the full membership a
// truncate must reach, not just one partition's replica set.
func (d *Driver) tokenOwners(keyspace string) []topology.Endpoint {
	seen := map[topology.Endpoint]struct{}{}
	var owners []topology.Endpoint
	for _, t := range d.resolver.Oracle().SortedTokens() {
		for _, e := range d.resolver.NaturalEndpoints(keyspace, t) {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			owners = append(owners, e)
		}
	}
	return owners
}

type truncateCallback struct {
	handler *quorum.Handler
	target  topology.Endpoint
}

func (c *truncateCallback) OnResponse(from topology.Endpoint, msg messaging.Message) {
	c.handler.OnResponse(c.target)
}

func (c *truncateCallback) OnFailure(from topology.Endpoint) {
	c.handler.OnFailure(c.target)
}
