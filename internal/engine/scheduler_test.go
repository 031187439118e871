package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsImmediatelyThenAtInterval(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.Register("tick", 20*time.Millisecond, func(_ context.Context) {
		runs.Add(1)
	})

	s.Start(context.Background())
	defer s.Stop(time.Second)

	time.Sleep(70 * time.Millisecond)
	got := runs.Load()
	if got < 2 || got > 5 {
		t.Errorf("runs = %d, want a few ticks in 70ms at 20ms interval", got)
	}
}

func TestSchedulerFixedDelayDoesNotOverlap(t *testing.T) {
	s := NewScheduler()
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	s.Register("slow", time.Millisecond, func(_ context.Context) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(15 * time.Millisecond)
		inFlight.Add(-1)
	})

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop(time.Second)

	if overlapped.Load() {
		t.Error("task overlapped itself")
	}
}

func TestSchedulerStopCancelsTasks(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.Register("tick", 5*time.Millisecond, func(_ context.Context) {
		runs.Add(1)
	})

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if !s.Stop(time.Second) {
		t.Fatal("stop timed out")
	}

	before := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != before {
		t.Error("task ran after stop")
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := NewScheduler()
	if !s.Stop(time.Second) {
		t.Error("stopping an idle scheduler should succeed")
	}
	s.Register("tick", time.Second, func(_ context.Context) {})
	s.Start(context.Background())
	s.Stop(time.Second)
	if !s.Stop(time.Second) {
		t.Error("second stop should be a no-op")
	}
}

func TestSchedulerTaskIDs(t *testing.T) {
	s := NewScheduler()
	s.Register("a-scan", time.Second, func(_ context.Context) {})
	s.Register("a-monitor", time.Second, func(_ context.Context) {})
	ids := s.Tasks()
	if len(ids) != 2 || ids[0] != "a-scan" || ids[1] != "a-monitor" {
		t.Errorf("tasks = %v", ids)
	}
}
