package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records dispatched tasks and signals each one on a channel.
type fakeSink struct {
	mu      sync.Mutex
	actions []string
	stats   []string
	failAll bool
	signal  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{signal: make(chan struct{}, 64)}
}

func (f *fakeSink) InsertActionLog(ctx context.Context, userID int64, action string, details []byte) error {
	f.mu.Lock()
	f.actions = append(f.actions, action)
	fail := f.failAll
	f.mu.Unlock()
	f.signal <- struct{}{}
	if fail {
		return errors.New("sink down")
	}
	return nil
}

func (f *fakeSink) IncrementStat(ctx context.Context, name string) error {
	f.mu.Lock()
	f.stats = append(f.stats, name)
	fail := f.failAll
	f.mu.Unlock()
	f.signal <- struct{}{}
	if fail {
		return errors.New("sink down")
	}
	return nil
}

func (f *fakeSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d of %d", i+1, n)
		}
	}
}

func TestQueueDispatchesByType(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(16, sink, zerolog.Nop())
	q.Start()
	defer q.Stop()

	q.Enqueue(Task{Type: TypeLogAction, UserID: 1, Action: "generation_started"})
	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "generations_started"})
	sink.wait(t, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"generation_started"}, sink.actions)
	assert.Equal(t, []string{"generations_started"}, sink.stats)
}

func TestQueueDropsWhenFull(t *testing.T) {
	sink := newFakeSink()
	// Not started: nothing drains, so the bound is hit immediately.
	q := NewQueue(2, sink, zerolog.Nop())

	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "a"})
	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "b"})
	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "dropped"})

	assert.Equal(t, 2, len(q.ch), "overflow task must be dropped, not block")
}

func TestQueueSurvivesHandlerErrors(t *testing.T) {
	sink := newFakeSink()
	sink.failAll = true
	q := NewQueue(16, sink, zerolog.Nop())
	q.Start()
	defer q.Stop()

	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "a"})
	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "b"})
	sink.wait(t, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.stats, 2, "worker must keep draining after handler errors")
}

func TestQueueIgnoresUnknownType(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(16, sink, zerolog.Nop())
	q.Start()
	defer q.Stop()

	q.Enqueue(Task{Type: Type("mystery")})
	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "after"})
	sink.wait(t, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"after"}, sink.stats)
}

func TestQueueStartIdempotentStopWaits(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(16, sink, zerolog.Nop())

	q.Start()
	q.Start() // no-op, must not spawn a second worker

	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "only-once"})
	sink.wait(t, 1)

	q.Stop()
	q.Stop() // no-op

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"only-once"}, sink.stats)
}

func TestQueueStopAbandonsQueued(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(16, sink, zerolog.Nop())
	q.Start()
	q.Stop()

	// Enqueued after stop: accepted into the buffer but never processed.
	q.Enqueue(Task{Type: TypeUpdateStats, StatName: "orphan"})

	select {
	case <-sink.signal:
		t.Fatal("stopped worker must not process tasks")
	case <-time.After(50 * time.Millisecond):
	}
}
