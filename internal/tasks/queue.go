// Package tasks implements the background task queue that keeps
// non-essential writes off the request path.
//
// Audit logging and stat counting are best-effort side channels: the bot
// should never wait on them, and losing a handful on a crash is
// acceptable. Enqueue therefore never blocks: if the bounded queue is
// full the task is logged and dropped, and handler failures are logged
// and swallowed without stopping the worker.
//
// Exactly one worker goroutine drains the queue, FIFO. Start is
// idempotent; Stop cancels the worker, abandons anything still queued,
// and waits for the loop to exit.
package tasks

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Type discriminates background task payloads.
type Type string

const (
	// TypeLogAction appends a row to the action audit log.
	TypeLogAction Type = "log_action"
	// TypeUpdateStats increments a named aggregate counter.
	TypeUpdateStats Type = "update_stats"
)

// Task is one queued unit of background work.
type Task struct {
	Type Type

	// UserID and Action/Details apply to log_action tasks.
	UserID  int64
	Action  string
	Details []byte

	// StatName applies to update_stats tasks.
	StatName string
}

// Sink is the set of durable writes the worker dispatches to. The store
// satisfies it; tests inject fakes.
type Sink interface {
	InsertActionLog(ctx context.Context, userID int64, action string, details []byte) error
	IncrementStat(ctx context.Context, name string) error
}

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_background_tasks_enqueued_total",
		Help: "Background tasks accepted into the queue",
	}, []string{"type"})

	tasksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_background_tasks_dropped_total",
		Help: "Background tasks dropped because the queue was full",
	}, []string{"type"})

	tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_background_tasks_failed_total",
		Help: "Background tasks whose handler returned an error",
	}, []string{"type"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stella_background_queue_depth",
		Help: "Tasks currently waiting in the background queue",
	})
)

// Queue is the bounded in-process task queue plus its single worker.
type Queue struct {
	ch   chan Task
	sink Sink
	log  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewQueue creates a queue with the given capacity. The worker is not
// started until Start is called.
func NewQueue(capacity int, sink Sink, logger zerolog.Logger) *Queue {
	return &Queue{
		ch:   make(chan Task, capacity),
		sink: sink,
		log:  logger.With().Str("component", "task_queue").Logger(),
	}
}

// Enqueue adds a task without blocking. On a full queue the task is
// dropped and logged; delivery is best-effort by contract.
func (q *Queue) Enqueue(task Task) {
	select {
	case q.ch <- task:
		tasksEnqueued.WithLabelValues(string(task.Type)).Inc()
		queueDepth.Set(float64(len(q.ch)))
	default:
		tasksDropped.WithLabelValues(string(task.Type)).Inc()
		q.log.Warn().Str("type", string(task.Type)).Msg("task queue full, dropping task")
	}
}

// Start launches the worker. Starting an already-running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	go q.run(ctx, q.done)
	q.log.Info().Int("capacity", cap(q.ch)).Msg("background worker started")
}

// Stop cancels the worker and waits for it to exit. Queued tasks that
// were not picked up are abandoned. Stopping a stopped queue is a no-op.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.mu.Unlock()

	cancel()
	<-done
	q.log.Info().Int("abandoned", len(q.ch)).Msg("background worker stopped")
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.ch:
			queueDepth.Set(float64(len(q.ch)))
			q.dispatch(ctx, task)
		}
	}
}

// dispatch routes one task to its handler. Errors and panics are logged
// and the loop continues; a bad task must never kill the worker.
func (q *Queue) dispatch(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("type", string(task.Type)).
				Msg("recovered from panic in task handler")
		}
	}()

	var err error
	switch task.Type {
	case TypeLogAction:
		err = q.sink.InsertActionLog(ctx, task.UserID, task.Action, task.Details)
	case TypeUpdateStats:
		err = q.sink.IncrementStat(ctx, task.StatName)
	default:
		q.log.Error().Str("type", string(task.Type)).Msg("unknown task type, dropping")
		return
	}

	if err != nil && ctx.Err() == nil {
		tasksFailed.WithLabelValues(string(task.Type)).Inc()
		q.log.Error().Err(err).Str("type", string(task.Type)).Msg("task handler failed")
	}
}
