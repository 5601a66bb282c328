/*
coordinatord is the process entrypoint: it binds the MBean-exposed
tunables to flags, wires every component driver into one Coordinator,
and starts serving.

Only the coordinator's own concerns are constructed here. The placement
oracle, the failure detector, the snitch, the on-wire transport and the
hint store are the external collaborators the component packages
describe as interfaces (internal/topology, internal/messaging,
internal/hints) rather than implement; supplying a real cluster's worth
of them is a deployment concern outside this repository. Absent that,
coordinatord runs in standalone mode (internal/standalone): a single
node that owns its whole token range, always alive, with a messenger
that only knows how to address itself. That's enough to exercise the
coordinator-to-coordinator paths (forwarded mutation relays, the schema
probe) standalone; anything that requires a second node to answer is
naturally unreachable until a real topology/messenger pair replaces the
standalone ones.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	logging "github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	statsd "github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/google/uuid"

	"github.com/chaordic/cassandra/internal/ballot"
	"github.com/chaordic/cassandra/internal/batchlog"
	"github.com/chaordic/cassandra/internal/config"
	"github.com/chaordic/cassandra/internal/coordinator"
	"github.com/chaordic/cassandra/internal/hints"
	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
	"github.com/chaordic/cassandra/internal/paxos"
	"github.com/chaordic/cassandra/internal/rangescan"
	"github.com/chaordic/cassandra/internal/read"
	"github.com/chaordic/cassandra/internal/stage"
	"github.com/chaordic/cassandra/internal/standalone"
	"github.com/chaordic/cassandra/internal/store"
	"github.com/chaordic/cassandra/internal/topology"
	"github.com/chaordic/cassandra/internal/truncate"
	"github.com/chaordic/cassandra/internal/write"
)

var logger = logging.MustGetLogger("coordinatord")

// opts mirrors the MBean admin surface of spec.md §6: every tunable that
// package was exposed for runtime reconfiguration is bound here as a
// start-up flag instead, per internal/config's "fixed, versioned struct"
// design.
type opts struct {
	Listen string `long:"listen" default:"127.0.0.1:9042" description:"address this node is addressed as"`

	ReadTimeout          time.Duration `long:"read-timeout" default:"5s"`
	WriteTimeout         time.Duration `long:"write-timeout" default:"2s"`
	CounterWriteTimeout  time.Duration `long:"counter-write-timeout" default:"5s"`
	CASContentionTimeout time.Duration `long:"cas-contention-timeout" default:"10s"`
	RangeTimeout         time.Duration `long:"range-timeout" default:"10s"`
	TruncateTimeout      time.Duration `long:"truncate-timeout" default:"60s"`

	HintedHandoffEnabled bool          `long:"hinted-handoff-enabled" description:"globally enable hinted handoff"`
	MaxHintWindow        time.Duration `long:"max-hint-window" default:"3h"`
	MaxHintsInProgress   int64         `long:"max-hints-in-progress" default:"131072"`
	DisabledHintDCs      []string      `long:"disabled-hint-dc" description:"datacenter to never hint for (repeatable)"`

	MutationWorkers        int `long:"mutation-workers" default:"32"`
	MutationQueueDepth      int `long:"mutation-queue-depth" default:"1024"`
	CounterMutationWorkers int `long:"counter-mutation-workers" default:"8"`
	CounterMutationQueueDepth int `long:"counter-mutation-queue-depth" default:"256"`

	StatsdAddr string `long:"statsd-addr" description:"statsd host:port; empty disables statsd"`
	MetricsAddr string `long:"metrics-addr" default:"127.0.0.1:9100" description:"address to serve /metrics on"`
}

func main() {
	var o opts
	if _, err := flags.Parse(&o); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logging.SetBackend(logging.NewLogBackend(os.Stderr, "", 0))

	cfg := config.New()
	cfg.SetTimeouts(config.Timeouts{
		Read:          o.ReadTimeout,
		Write:         o.WriteTimeout,
		CounterWrite:  o.CounterWriteTimeout,
		CASContention: o.CASContentionTimeout,
		Range:         o.RangeTimeout,
		Truncate:      o.TruncateTimeout,
	})
	cfg.SetHintedHandoffEnabled(o.HintedHandoffEnabled)
	cfg.SetMaxHintWindow(o.MaxHintWindow)
	cfg.SetMaxHintsInProgress(o.MaxHintsInProgress)
	dcs := make([]topology.DatacenterID, len(o.DisabledHintDCs))
	for i, dc := range o.DisabledHintDCs {
		dcs[i] = topology.DatacenterID(dc)
	}
	cfg.SetDisabledHintDCs(dcs)

	sink := buildMetricsSink(o)
	sink.MaxHintsInProgress.Set(float64(o.MaxHintsInProgress))
	if o.HintedHandoffEnabled {
		sink.HintedHandoffEnabled.Set(1)
	}
	go serveMetrics(o.MetricsAddr)

	local := topology.Endpoint(o.Listen)
	resolver, err := topology.NewResolver(standalone.NewOracle(local), &standalone.Liveness{Local: local}, standalone.Snitch{}, 4096)
	if err != nil {
		logger.Fatalf("coordinatord: building resolver: %v", err)
	}

	registry := messaging.NewRegistry()
	ballots := ballot.NewGenerator()

	mutationStage := stage.New("mutation", o.MutationWorkers, o.MutationQueueDepth, sink)
	counterMutationStage := stage.New("counter-mutation", o.CounterMutationWorkers, o.CounterMutationQueueDepth, sink)

	backlog := hints.NewBacklog()
	hintSubmitter := hints.NewSubmitter(cfg, backlog, resolver.Liveness(), standalone.Snitch{}, noopHintStore{}, sink)

	// The standalone messenger's Dispatch closure addresses the
	// coordinator it's wired into, but the coordinator can only be
	// built from drivers that already hold their messenger. coord is
	// declared here and assigned after construction; Dispatch only
	// ever runs from a goroutine started by a later SendOneWay/SendRR
	// call, never during this construction sequence, so by the time it
	// runs coord is always set.
	var coord *coordinator.Coordinator
	messenger := &standalone.Messenger{Local: local, Dispatch: func(msg messaging.Message, cb messaging.Callback) {
		dispatch(coord, msg, local, cb)
	}}

	writeDispatcher := write.New(local, resolver, messenger, registry, hintSubmitter, cfg, sink, mutationStage, counterMutationStage)
	readExecutor := read.New(local, resolver, messenger, cfg, sink, nil)
	rangeScanDriver := rangescan.New(local, resolver, messenger, cfg, sink)
	paxosDriver := paxos.New(local, resolver, messenger, cfg, sink, ballots, readExecutor)
	batchlogDriver := batchlog.New(local, resolver, messenger, writeDispatcher, cfg, sink)
	truncateDriver := truncate.New(local, resolver, messenger, cfg, sink)

	schemaVersion := func() string { return "standalone" }
	coord = coordinator.New(local, resolver, messenger, cfg, sink, writeDispatcher, readExecutor, rangeScanDriver, paxosDriver, batchlogDriver, truncateDriver, schemaVersion)

	logger.Infof("coordinatord: standalone node %s ready", local)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("coordinatord: shutting down")
	mutationStage.Stop()
	counterMutationStage.Stop()
}

// dispatch routes a self-addressed standalone send to the receiving sides
// coordinatord implements: the schema probe, an incoming MutationRequest,
// and the write-relay's forwarded response. Every other
// verb would need a replica-side handler this repository intentionally
// doesn't define (spec.md's scope is the coordinator, not the replica).
func dispatch(coord *coordinator.Coordinator, msg messaging.Message, local topology.Endpoint, cb messaging.Callback) {
	switch m := msg.(type) {
	case *coordinator.SchemaCheckRequest:
		resp := coord.HandleSchemaCheckRequest(m, local)
		if cb != nil {
			cb.OnResponse(local, resp)
		}
	case *write.MutationRequest:
		resp := coord.Write.HandleMutationRequest(m, local)
		if cb != nil {
			cb.OnResponse(local, resp)
		}
	case *write.ForwardedMutationResponse:
		coord.Write.HandleForwardedResponse(m, local)
	default:
		if cb != nil {
			cb.OnFailure(local)
		}
	}
}

func buildMetricsSink(o opts) *metrics.Sink {
	var statter statsd.Statter
	var err error
	if o.StatsdAddr != "" {
		statter, err = statsd.NewClientWithConfig(&statsd.ClientConfig{Address: o.StatsdAddr, Prefix: "coordinator"})
		if err != nil {
			logger.Warningf("coordinatord: dialing statsd at %s failed, falling back to a no-op client: %v", o.StatsdAddr, err)
			statter, _ = statsd.NewClientWithConfig(&statsd.ClientConfig{UseStatsd: false})
		}
	} else {
		statter, _ = statsd.NewClientWithConfig(&statsd.ClientConfig{UseStatsd: false})
	}
	return metrics.NewSink(statter, prometheus.DefaultRegisterer)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Infof("coordinatord: serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warningf("coordinatord: metrics server stopped: %v", err)
	}
}

// noopHintStore is the default hints.Store for a deployment that hasn't
// wired a real storage engine in yet: it reports every hint as already
// expired, so the Hint Submitter's "ttl <= 0 -> skip" path (spec.md
// §4.C) makes submission a silent no-op rather than a failure.
type noopHintStore struct{}

func (noopHintStore) CalculateHintTTL(mutation store.Mutation) time.Duration { return 0 }

func (noopHintStore) HintFor(mutation store.Mutation, now time.Time, ttl time.Duration, hostID uuid.UUID) (store.Mutation, error) {
	return nil, fmt.Errorf("noopHintStore: no storage engine wired")
}

func (noopHintStore) WriteHint(hint store.Mutation, target topology.Endpoint, hostID uuid.UUID) error {
	return fmt.Errorf("noopHintStore: no storage engine wired")
}
