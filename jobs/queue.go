// Package jobs runs the background side of signing: the job queue, the
// per-file sign job, the stale marker sweep and other periodic tasks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 1024
	DefaultMaxAttempts = 1
)

var (
	ErrQueueFull      = errors.New("job queue is full")
	ErrQueueClosed    = errors.New("job queue is closed")
	ErrUnknownJob     = errors.New("no handler registered for job")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// HandlerFunc processes one job payload.
type HandlerFunc func(ctx context.Context, payload map[string]any) error

// QueueConfig sizes a Queue. Zero values select the defaults.
type QueueConfig struct {
	Workers     int
	Size        int
	MaxAttempts int
	Logger      *slog.Logger
}

type job struct {
	name    string
	payload map[string]any
	attempt int
}

// Queue is a bounded in-process worker pool. Handlers must tolerate being
// called more than once for the same payload.
type Queue struct {
	cfg QueueConfig
	ch  chan job

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	closed   bool

	pending sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{cfg: cfg, ch: make(chan job, cfg.Size), handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job name. Registering twice replaces.
func (q *Queue) Register(name string, h HandlerFunc) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

// Enqueue submits a job. It never blocks: a full queue is an error the
// caller reports.
func (q *Queue) Enqueue(ctx context.Context, name string, payload map[string]any) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.handlers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return q.push(job{name: name, payload: payload, attempt: 1})
}

// push must be called with q.mu held.
func (q *Queue) push(j job) error {
	q.pending.Add(1)
	select {
	case q.ch <- j:
		return nil
	default:
		q.pending.Done()
		return ErrQueueFull
	}
}

// Start launches the workers. They stop when ctx is canceled or Close is
// called.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Workers {
		q.workers.Add(1)
		go q.work(ctx)
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.ch:
			if !ok {
				return
			}
			q.run(ctx, j)
		}
	}
}

func (q *Queue) run(ctx context.Context, j job) {
	defer q.pending.Done()

	q.mu.RLock()
	h := q.handlers[j.name]
	q.mu.RUnlock()

	err := q.call(ctx, h, j)
	if err == nil {
		return
	}
	if errors.Is(err, ErrInvalidPayload) || j.attempt >= q.cfg.MaxAttempts {
		q.cfg.Logger.Warn("job failed", "job", j.name, "attempt", j.attempt, "error", err)
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	j.attempt++
	if perr := q.push(j); perr != nil {
		q.cfg.Logger.Warn("job retry dropped", "job", j.name, "attempt", j.attempt, "error", perr)
	}
}

func (q *Queue) call(ctx context.Context, h HandlerFunc, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return h(ctx, j.payload)
}

// Wait blocks until every submitted job, including retries, has finished.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting jobs, lets the workers drain the queue and waits
// for them.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
	q.workers.Wait()
}
