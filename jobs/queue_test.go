package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(QueueConfig{Workers: 3})
	var mu sync.Mutex
	var got []int
	q.Register("count", func(_ context.Context, p map[string]any) error {
		mu.Lock()
		got = append(got, p["n"].(int))
		mu.Unlock()
		return nil
	})
	q.Start(t.Context())
	defer q.Close()

	for i := range 10 {
		require.NoError(t, q.Enqueue(t.Context(), "count", map[string]any{"n": i}))
	}
	q.Wait()
	mu.Lock()
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	mu.Unlock()
}

func TestQueueRetries(t *testing.T) {
	q := NewQueue(QueueConfig{Workers: 1, MaxAttempts: 3})
	var calls atomic.Int32
	q.Register("flaky", func(context.Context, map[string]any) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	var invalid atomic.Int32
	q.Register("invalid", func(context.Context, map[string]any) error {
		invalid.Add(1)
		return ErrInvalidPayload
	})
	q.Register("panics", func(context.Context, map[string]any) error {
		panic("boom")
	})
	q.Start(t.Context())
	defer q.Close()

	require.NoError(t, q.Enqueue(t.Context(), "flaky", nil))
	require.NoError(t, q.Enqueue(t.Context(), "invalid", nil))
	q.Wait()
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), invalid.Load(), "invalid payloads are not retried")

	require.NoError(t, q.Enqueue(t.Context(), "panics", nil))
	q.Wait()
}

func TestQueueRejects(t *testing.T) {
	q := NewQueue(QueueConfig{Size: 1})
	q.Register("noop", func(context.Context, map[string]any) error { return nil })

	assert.ErrorIs(t, q.Enqueue(t.Context(), "missing", nil), ErrUnknownJob)
	// Not started, so the single slot stays taken.
	require.NoError(t, q.Enqueue(t.Context(), "noop", nil))
	assert.ErrorIs(t, q.Enqueue(t.Context(), "noop", nil), ErrQueueFull)

	q.Start(t.Context())
	q.Wait()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(t.Context(), "noop", nil), ErrQueueClosed)
}

func TestSchedulerEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	s := NewScheduler(nil)
	var fast, slow atomic.Int32
	s.Every("fast", 5*time.Millisecond, TimeSensitive, func(context.Context) { fast.Add(1) })
	s.Every("slow", 5*time.Millisecond, TimeInsensitive, func(context.Context) { slow.Add(1) })
	s.Every("disabled", 0, TimeSensitive, func(context.Context) { t.Error("disabled task ran") })
	s.Every("panics", 5*time.Millisecond, TimeSensitive, func(context.Context) { panic("boom") })
	s.Start(ctx)

	assert.Eventually(t, func() bool { return fast.Load() >= 3 && slow.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, k.size())
}

func TestParseSignPayload(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want SignPayload
		err  bool
	}{
		{"float", map[string]any{"fileId": float64(3), "signRequestId": float64(4), "userId": "u"}, SignPayload{FileID: 3, SignRequestID: 4, UserID: "u"}, false},
		{"mixed", map[string]any{"fileId": "3", "signRequestId": int64(4), "credentialsId": "c"}, SignPayload{FileID: 3, SignRequestID: 4, CredentialsID: "c"}, false},
		{"empty", map[string]any{}, SignPayload{}, true},
		{"fraction", map[string]any{"fileId": 1.5, "signRequestId": 1}, SignPayload{}, true},
		{"negative", map[string]any{"fileId": -1, "signRequestId": 1}, SignPayload{}, true},
		{"garbage", map[string]any{"fileId": []int{1}, "signRequestId": 1}, SignPayload{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignPayload(tt.args)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFailureMonitor(t *testing.T) {
	var alerts []AlertEvent
	m := NewFailureMonitor(time.Minute, 3, func(e AlertEvent) { alerts = append(alerts, e) })
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.RecordFailure()
	m.RecordFailure()
	assert.Empty(t, alerts, "no alert below threshold")

	// Old failures fall out of the window.
	now = now.Add(2 * time.Minute)
	m.RecordFailure()
	assert.Empty(t, alerts)
	m.RecordFailure()
	m.RecordFailure()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSigningFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)

	var nilMonitor *FailureMonitor
	nilMonitor.RecordFailure()
}
