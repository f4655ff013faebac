// Package generation wraps one paid external operation in a
// debit-before / refund-on-failure envelope.
//
// The external call here is a third-party image generation API, and the
// delivery step after it (the bot sending the result to the chat) has no
// acknowledgment guarantee of its own. A plain try/refund-on-error
// pattern would leak stars whenever the process dies or the final send
// silently fails after a nominally successful generation. So every debit
// also arms a reconciliation timer: if the generation is still pending
// when the timer fires, the stars come back.
//
// The invariant across every path: a debit is matched by exactly one of
// {a confirmed delivery, a refund}. Confirmation cancels the timer;
// failure refunds immediately and makes the timer a no-op; the timer
// refunds once and only once because leaving pending is terminal: the
// record is dropped from tracking under the lock, and an unknown id is
// a no-op everywhere. Only in-flight generations occupy memory.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/portraitlab/stella/internal/tasks"
)

// ErrInsufficientFunds is returned when the user cannot afford the
// operation. No debit occurs.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrOperationFailed is returned when the external operation fails. The
// refund has already been applied when the caller sees it.
var ErrOperationFailed = errors.New("generation failed")

// Status of a pending generation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRefunded  Status = "refunded"
)

// Record tracks one paid generation from debit to delivery or refund.
type Record struct {
	ID        string
	UserID    int64
	ChatID    int64
	Cost      int64
	CreatedAt time.Time
	Status    Status
}

// Ledger is the slice of the credit ledger the orchestrator needs.
type Ledger interface {
	IsSufficient(ctx context.Context, userID, cost int64) bool
	AdjustBalance(ctx context.Context, userID, delta int64) int64
	Refund(ctx context.Context, userID, amount int64) int64
}

// Operation is the opaque external call. It is the only long-running step
// of the flow and the only one bounded by nothing but the reconciliation
// window.
type Operation func(ctx context.Context) ([]byte, error)

// FailureNotice tells the caller that stars came back after the fact.
// Delivered on the OnFailure callback for timeout refunds, where Run has
// already returned success.
type FailureNotice struct {
	GenerationID string
	UserID       int64
	ChatID       int64
	Refunded     int64
	NewBalance   int64
	Reason       string
}

// Request describes one paid generation.
type Request struct {
	UserID int64
	// ChatID is the delivery context, threaded through to FailureNotice
	// so the bot layer knows where to apologize.
	ChatID    int64
	Cost      int64
	Operation Operation
	// OnFailure may be nil. It is invoked from the reconciliation timer
	// goroutine, never from Run itself.
	OnFailure func(FailureNotice)
}

// Outcome is a successful run. The caller must invoke ConfirmDelivered
// with the GenerationID once the result actually reaches its destination,
// or the debit will be refunded when the timer fires.
type Outcome struct {
	GenerationID string
	Result       []byte
	NewBalance   int64
}

var (
	generationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stella_generations_started_total",
		Help: "Paid generations debited and dispatched",
	})
	generationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stella_generations_delivered_total",
		Help: "Generations with confirmed delivery",
	})
	generationsRefunded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_generations_refunded_total",
		Help: "Generations refunded, by reason",
	}, []string{"reason"})
	generationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stella_generations_rejected_total",
		Help: "Generations rejected for insufficient funds",
	})
)

type trackedRecord struct {
	Record
	timer     *time.Timer
	onFailure func(FailureNotice)
}

// Orchestrator runs paid operations. One instance serves all users;
// every Run call is an independent flow sharing the ledger underneath.
type Orchestrator struct {
	ledger Ledger
	tasks  *tasks.Queue
	log    zerolog.Logger
	delay  time.Duration

	mu      sync.Mutex
	records map[string]*trackedRecord
	seq     int64
}

// NewOrchestrator wires an orchestrator with the given reconciliation
// delay.
func NewOrchestrator(l Ledger, queue *tasks.Queue, delay time.Duration, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:  l,
		tasks:   queue,
		log:     logger.With().Str("component", "orchestrator").Logger(),
		delay:   delay,
		records: make(map[string]*trackedRecord),
	}
}

// Run executes one paid generation.
//
// Check, debit, execute. On an execution error the refund is applied
// before Run returns ErrOperationFailed. On success the debit stands
// provisionally: the caller has until the reconciliation delay elapses to
// call ConfirmDelivered, after which the record is terminal either way.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	if !o.ledger.IsSufficient(ctx, req.UserID, req.Cost) {
		generationsRejected.Inc()
		return nil, ErrInsufficientFunds
	}

	newBalance := o.ledger.AdjustBalance(ctx, req.UserID, -req.Cost)
	rec := o.track(req)

	o.log.Info().
		Str("generation_id", rec.ID).
		Int64("user_id", req.UserID).
		Int64("cost", req.Cost).
		Int64("balance", newBalance).
		Msg("generation debited")
	generationsStarted.Inc()
	o.tasks.Enqueue(tasks.Task{
		Type:    tasks.TypeLogAction,
		UserID:  req.UserID,
		Action:  "generation_started",
		Details: []byte(fmt.Sprintf(`{"generation_id":%q,"cost":%d}`, rec.ID, req.Cost)),
	})
	o.tasks.Enqueue(tasks.Task{Type: tasks.TypeUpdateStats, StatName: "generations_started"})

	result, err := req.Operation(ctx)
	if err != nil {
		balance := o.refund(rec.ID, "operation_failed")
		o.log.Warn().Err(err).
			Str("generation_id", rec.ID).
			Int64("user_id", req.UserID).
			Int64("balance", balance).
			Msg("generation failed, refunded")
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}

	return &Outcome{GenerationID: rec.ID, Result: result, NewBalance: newBalance}, nil
}

// ConfirmDelivered marks a generation delivered, disarms its
// reconciliation timer and drops the record. Confirming a record that
// already timed out or failed is a no-op: the refund stood.
func (o *Orchestrator) ConfirmDelivered(generationID string) {
	o.mu.Lock()
	rec, ok := o.records[generationID]
	if !ok || rec.Status != StatusPending {
		o.mu.Unlock()
		return
	}
	rec.Status = StatusDelivered
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(o.records, generationID)
	userID := rec.UserID
	o.mu.Unlock()

	generationsDelivered.Inc()
	o.log.Info().Str("generation_id", generationID).Int64("user_id", userID).
		Msg("generation delivered")
	o.tasks.Enqueue(tasks.Task{
		Type:    tasks.TypeLogAction,
		UserID:  userID,
		Action:  "generation_delivered",
		Details: []byte(fmt.Sprintf(`{"generation_id":%q}`, generationID)),
	})
	o.tasks.Enqueue(tasks.Task{Type: tasks.TypeUpdateStats, StatName: "generations_completed"})
}

// Reconcile is the delayed check armed at debit time. If the record is
// still pending the debit is refunded and the failure callback fires;
// delivered and refunded records are gone from tracking, so firing it
// again, or racing it against ConfirmDelivered, resolves to a no-op.
func (o *Orchestrator) Reconcile(generationID string) {
	o.refundAndNotify(generationID, "delivery_timeout")
}

// Record returns a copy of a still-pending record, or false if the
// generation is unknown or already resolved.
func (o *Orchestrator) Record(generationID string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[generationID]
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// Shutdown disarms every outstanding reconciliation timer. Pending
// records are left as-is: the process is exiting and the next start will
// not know about them, which is the accepted loss mode for in-memory
// bookkeeping.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
}

func (o *Orchestrator) track(req Request) *trackedRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seq++
	// The sequence suffix keeps ids unique when one user debits twice in
	// the same nanosecond tick.
	id := fmt.Sprintf("%d-%d-%d", req.UserID, time.Now().UnixNano(), o.seq)
	rec := &trackedRecord{
		Record: Record{
			ID:        id,
			UserID:    req.UserID,
			ChatID:    req.ChatID,
			Cost:      req.Cost,
			CreatedAt: time.Now(),
			Status:    StatusPending,
		},
		onFailure: req.OnFailure,
	}
	rec.timer = time.AfterFunc(o.delay, func() { o.Reconcile(id) })
	o.records[id] = rec
	return rec
}

// refund transitions a pending record to refunded, drops it from
// tracking and credits the cost back. Returns the resulting balance, or
// -1 if the record was unknown or already terminal.
func (o *Orchestrator) refund(generationID, reason string) int64 {
	o.mu.Lock()
	rec, ok := o.records[generationID]
	if !ok || rec.Status != StatusPending {
		o.mu.Unlock()
		return -1
	}
	rec.Status = StatusRefunded
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(o.records, generationID)
	userID, cost := rec.UserID, rec.Cost
	o.mu.Unlock()

	balance := o.ledger.Refund(context.Background(), userID, cost)
	generationsRefunded.WithLabelValues(reason).Inc()
	o.tasks.Enqueue(tasks.Task{
		Type:    tasks.TypeLogAction,
		UserID:  userID,
		Action:  "generation_refunded",
		Details: []byte(fmt.Sprintf(`{"generation_id":%q,"reason":%q}`, generationID, reason)),
	})
	o.tasks.Enqueue(tasks.Task{Type: tasks.TypeUpdateStats, StatName: "generations_refunded"})
	return balance
}

func (o *Orchestrator) refundAndNotify(generationID, reason string) {
	o.mu.Lock()
	rec, ok := o.records[generationID]
	if !ok || rec.Status != StatusPending {
		o.mu.Unlock()
		return
	}
	userID, chatID, cost := rec.UserID, rec.ChatID, rec.Cost
	onFailure := rec.onFailure
	o.mu.Unlock()

	balance := o.refund(generationID, reason)
	if balance < 0 {
		// Lost the race to ConfirmDelivered or an explicit failure.
		return
	}

	o.log.Warn().
		Str("generation_id", generationID).
		Int64("user_id", userID).
		Int64("refunded", cost).
		Str("reason", reason).
		Msg("pending generation refunded by reconciliation")

	if onFailure != nil {
		onFailure(FailureNotice{
			GenerationID: generationID,
			UserID:       userID,
			ChatID:       chatID,
			Refunded:     cost,
			NewBalance:   balance,
			Reason:       reason,
		})
	}
}
