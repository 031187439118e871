package engine

import (
	"context"
	"sync"
	"time"

	"bithumb-trading-bot/internal/logging"
)

// Task is one registered periodic job
type Task struct {
	ID       string
	Interval time.Duration
	Fn       func(ctx context.Context)
}

// Scheduler drives registered tasks with fixed-delay semantics: the
// next run starts Interval after the previous one returned, so one
// task instance never overlaps itself.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	logger  *logging.Logger
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{logger: logging.WithComponent("scheduler")}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(id string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{ID: id, Interval: interval, Fn: fn})
}

// Tasks returns the registered task ids
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		ids[i] = t.ID
	}
	return ids
}

// Start launches one goroutine per task
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, task)
	}
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer s.wg.Done()

	timer := time.NewTimer(0) // first run immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		task.Fn(ctx)
		timer.Reset(task.Interval)
	}
}

// Stop cancels all tasks and waits for in-flight runs up to the
// deadline. Returns false if the wait timed out.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return true
	case <-time.After(timeout):
		s.logger.Warn("Scheduler stop timed out with tasks in flight")
		return false
	}
}
