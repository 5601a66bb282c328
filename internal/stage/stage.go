/*
Package stage is the bounded worker-pool scheduling model spec.md §5
describes: named stages (mutation, counter-mutation, read,
request-response) each with a FIFO queue, dropping a task if its age
before first execution exceeds the verb's RPC timeout rather than running
work nobody can still use the result of.
*/
package stage

import (
	"context"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
)

var logger = logging.MustGetLogger("stage")

type task struct {
	verb      messaging.Verb
	enqueued  time.Time
	deadline  time.Duration
	fn        func()
}

// Stage is one named, bounded worker pool.
type Stage struct {
	name    string
	tasks   chan task
	metrics *metrics.Sink
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New starts a stage with the given number of workers and queue depth.
func New(name string, workers, queueDepth int, sink *metrics.Sink) *Stage {
	s := &Stage{
		name:    name,
		tasks:   make(chan task, queueDepth),
		metrics: sink,
		stop:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *Stage) run() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.tasks:
			if time.Since(t.enqueued) > t.deadline {
				logger.Warning("stage %s: dropping %s task aged %v past its %v deadline", s.name, t.verb, time.Since(t.enqueued), t.deadline)
				s.metrics.DroppedMessages.WithLabelValues(string(t.verb)).Inc()
				continue
			}
			t.fn()
		case <-s.stop:
			return
		}
	}
}

// Submit enqueues fn for execution under verb's RPC timeout budget. Submit
// blocks if the stage's queue is full (bounded FIFO, not unbounded
// backpressure) unless ctx is cancelled first.
func (s *Stage) Submit(ctx context.Context, verb messaging.Verb, timeout time.Duration, fn func()) error {
	t := task{verb: verb, enqueued: time.Now(), deadline: timeout, fn: fn}
	select {
	case s.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains no further tasks and waits for in-flight workers to exit.
func (s *Stage) Stop() {
	close(s.stop)
	s.wg.Wait()
}
