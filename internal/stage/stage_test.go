package stage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaordic/cassandra/internal/messaging"
	"github.com/chaordic/cassandra/internal/metrics"
)

func TestSubmitRunsTaskWithinDeadline(t *testing.T) {
	s := New("test", 2, 8, metrics.NewNoop())
	defer s.Stop()

	var ran int32
	done := make(chan struct{})
	err := s.Submit(context.Background(), messaging.VerbMutation, time.Second, func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("task did not set ran flag")
	}
}

func TestStaleTaskIsDroppedNotExecuted(t *testing.T) {
	s := New("test", 1, 8, metrics.NewNoop())
	defer s.Stop()

	// occupy the single worker so the next task sits in queue long enough
	// to exceed its own deadline before being dequeued.
	block := make(chan struct{})
	_ = s.Submit(context.Background(), messaging.VerbMutation, time.Second, func() {
		<-block
	})

	var ran int32
	_ = s.Submit(context.Background(), messaging.VerbMutation, 10*time.Millisecond, func() {
		atomic.StoreInt32(&ran, 1)
	})

	time.Sleep(50 * time.Millisecond)
	close(block)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("stale task should have been dropped, not executed")
	}
}
