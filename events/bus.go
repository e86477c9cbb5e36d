package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// subscriberQueueSize is the bounded channel capacity per subscriber.
const subscriberQueueSize = 256

// criticalPublishTimeout bounds how long Publish waits on the full queue
// of a critical subscriber.
const criticalPublishTimeout = 5 * time.Second

// Handler processes one event. Errors are logged by the bus.
type Handler func(ctx context.Context, evt Event) error

type subscriber struct {
	name     string
	handler  Handler
	queue    chan Event
	critical bool
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscriber)

// Critical makes Publish wait for queue space instead of dropping, up to a
// bounded timeout. Use it for subscribers whose work must not be lost, such
// as revoking single use certificates.
func Critical() SubscribeOption {
	return func(s *subscriber) { s.critical = true }
}

// Bus fans events out to subscribers. Each subscriber has its own queue and
// goroutine, so a failing subscriber never affects its siblings. When the
// queue of a regular subscriber is full the event is dropped for that
// subscriber only.
type Bus struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{logger: logger, ctx: ctx, cancel: cancel}
}

// Subscribe registers handler under name and starts its loop.
func (b *Bus) Subscribe(name string, handler Handler, opts ...SubscribeOption) {
	s := &subscriber{name: name, handler: handler, queue: make(chan Event, subscriberQueueSize)}
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	go b.loop(s)
}

// Publish enqueues evt for every subscriber. It only waits on critical
// subscribers whose queue is full.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.queue <- evt:
			continue
		default:
		}
		if s.critical && b.wait(s, evt) {
			continue
		}
		level := slog.LevelWarn
		if s.critical {
			level = slog.LevelError
		}
		p := payloadFor(evt)
		b.logger.Log(b.ctx, level, "event bus: queue full, dropping event", "subscriber", s.name,
			"event", evt.EventName(), "file_uuid", p.FileUUID, "sign_request_uuid", p.SignRequestUUID)
	}
}

func (b *Bus) wait(s *subscriber, evt Event) bool {
	timer := time.NewTimer(criticalPublishTimeout)
	defer timer.Stop()
	select {
	case s.queue <- evt:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting events, drains the queues and waits for every
// subscriber to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.cancel()
}

func (b *Bus) loop(s *subscriber) {
	defer b.wg.Done()
	for evt := range s.queue {
		b.dispatch(s, evt)
	}
}

func (b *Bus) dispatch(s *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "subscriber", s.name, "event", evt.EventName(), "panic", fmt.Sprint(r))
		}
	}()
	if err := s.handler(b.ctx, evt); err != nil {
		b.logger.Warn("event subscriber failed", "subscriber", s.name, "event", evt.EventName(), "error", err)
	}
}
