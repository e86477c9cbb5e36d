package jobs

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Sensitivity says how strictly a periodic task must keep its schedule.
type Sensitivity int

const (
	// TimeSensitive tasks run on every tick from the start.
	TimeSensitive Sensitivity = iota
	// TimeInsensitive tasks start after a random delay of up to one
	// interval so that instances do not sweep in lockstep.
	TimeInsensitive
)

type task struct {
	name        string
	interval    time.Duration
	sensitivity Sensitivity
	fn          func(ctx context.Context)
}

// Scheduler runs named periodic tasks until its context ends.
type Scheduler struct {
	logger *slog.Logger
	tasks  []task
	wg     sync.WaitGroup
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Every registers fn to run each interval. Register before Start.
func (s *Scheduler) Every(name string, interval time.Duration, sensitivity Sensitivity, fn func(ctx context.Context)) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, sensitivity: sensitivity, fn: fn})
}

// Start launches one goroutine per task.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		if t.interval <= 0 {
			s.logger.Warn("periodic task disabled", "task", t.name, "interval", t.interval)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Wait blocks until every task loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()
	if t.sensitivity == TimeInsensitive {
		delay := rand.N(t.interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.runOnce(ctx, t)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("periodic task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(ctx)
}
