package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/telemetry"
)

// Relay polls the dispatch outbox and publishes claimed entries to the
// worker queue. Entries are deleted on acknowledged delivery and retried
// with exponential backoff otherwise.
type Relay struct {
	store        storage.Store
	queue        Queue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// NewRelay creates a relay polling store every pollInterval, claiming up
// to batchSize entries per poll.
func NewRelay(store storage.Store, queue Queue, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Relay {
	return &Relay{
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (r *Relay) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("dispatch relay: Start called more than once, ignoring")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (r *Relay) Drain(ctx context.Context) {
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("dispatch relay: drain timed out")
	}
}

func (r *Relay) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			if drainCtx != nil {
				r.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.processBatch(fallbackCtx)
				cancel()
			}
			r.once.Do(func() { close(r.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			r.processBatch(batchCtx)
			cancel()
		}
	}
}

func (r *Relay) processBatch(ctx context.Context) {
	dispatches, err := r.store.ClaimDispatches(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("dispatch relay: claim", "error", err)
		return
	}

	for _, d := range dispatches {
		msg := Message{RunID: d.RunID, StepPosition: d.StepPosition, Input: d.Input}

		if err := r.queue.Publish(ctx, msg); err != nil {
			r.logger.Error("dispatch relay: publish",
				"run_id", d.RunID,
				"step_position", d.StepPosition,
				"attempts", d.Attempts,
				"error", err,
			)
			if r.failed != nil {
				r.failed.Add(ctx, 1)
			}
			if err := r.store.FailDispatch(ctx, d.ID, err.Error()); err != nil {
				r.logger.Error("dispatch relay: record failure", "dispatch_id", d.ID, "error", err)
			}
			continue
		}

		if r.published != nil {
			r.published.Add(ctx, 1)
		}
		if err := r.store.CompleteDispatch(ctx, d.ID); err != nil {
			// The entry stays locked until its TTL expires and is then
			// redelivered; the executor's idempotency guard absorbs it.
			r.logger.Error("dispatch relay: complete", "dispatch_id", d.ID, "error", err)
		}
	}
}

func (r *Relay) registerMetrics() {
	meter := telemetry.Meter("nagare/dispatch")

	r.published, _ = meter.Int64Counter("nagare.dispatch.published",
		metric.WithDescription("Dispatch messages delivered to the worker queue"),
	)
	r.failed, _ = meter.Int64Counter("nagare.dispatch.failed",
		metric.WithDescription("Dispatch deliveries that failed and were scheduled for retry"),
	)
}
