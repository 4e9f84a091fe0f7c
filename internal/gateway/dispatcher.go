package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tessira/echogate/internal/observe"
	"github.com/tessira/echogate/pkg/transcriber"
	"github.com/tessira/echogate/pkg/usage"
)

const (
	// defaultMaxConcurrent caps transcription tasks in flight across all
	// users.
	defaultMaxConcurrent = 5

	// defaultTaskTimeout is the hard per-packet deadline.
	defaultTaskTimeout = 60 * time.Second
)

// Dispatcher drains per-user queues into transcription tasks. Its
// guarantees:
//
//   - per-user FIFO: a user's items start in enqueue order, and the next one
//     does not start until the previous one finished;
//   - a global cap on concurrently running tasks;
//   - round-robin fairness: each scan pass starts at most one task per user,
//     so no user monopolises the cap while others have work;
//   - prompt cancellation when the owning session closes or the gateway
//     shuts down.
//
// The loop is event-driven: [Dispatcher.Wake] is signalled on enqueue, on
// task completion, and when a session becomes ready. The wake channel
// coalesces, so producers never block.
type Dispatcher struct {
	registry *Registry
	store    usage.Store
	engine   transcriber.Engine
	metrics  *observe.Metrics

	taskTimeout time.Duration
	sem         *semaphore.Weighted
	wake        chan struct{}
	wg          sync.WaitGroup
}

// newDispatcher creates a Dispatcher. maxConcurrent and taskTimeout fall
// back to their defaults when non-positive.
func newDispatcher(registry *Registry, store usage.Store, engine transcriber.Engine, metrics *observe.Metrics, maxConcurrent int, taskTimeout time.Duration) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	return &Dispatcher{
		registry:    registry,
		store:       store,
		engine:      engine,
		metrics:     metrics,
		taskTimeout: taskTimeout,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		wake:        make(chan struct{}, 1),
	}
}

// Wake nudges the scheduling loop. Safe to call from any goroutine; never
// blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes the scheduling loop until ctx is cancelled, then waits for
// all in-flight tasks to drain before returning ctx's error. Cancellation
// propagates into every task context, so the drain is bounded by how fast
// the engine honors cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-d.wake:
		}

		// Keep scanning while passes make progress: a pass that spawned
		// something may have left more starts unblocked.
		for d.scan(ctx) > 0 {
		}
	}
}

// scan makes one pass over the live sessions and starts at most one task for
// each user that has pending work, a ready session, and a clear in-flight
// flag. Returns the number of tasks spawned. Blocks only when the global
// cap is reached, and then only until any running task finishes.
func (d *Dispatcher) scan(ctx context.Context) int {
	spawned := 0
	for _, s := range d.registry.Snapshot() {
		if ctx.Err() != nil {
			return spawned
		}
		if !s.Ready() {
			continue
		}
		q := s.Queue()
		if q.Len() == 0 {
			continue
		}
		if !q.TryAcquire() {
			continue
		}
		item, ok := q.Dequeue()
		if !ok {
			// Teardown cleared the queue between Len and Dequeue.
			q.Release()
			continue
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// Shutdown while waiting for capacity; the item is discarded
			// along with the rest of the session's queue.
			q.Release()
			return spawned
		}
		d.wg.Add(1)
		go d.runTask(ctx, s, item)
		spawned++
	}
	return spawned
}

// runTask executes one transcription task: pre-admission against the
// remaining budget, the engine call under a composite cancellation (shutdown
// OR session close OR per-task timeout), the usage charge, and the reply.
func (d *Dispatcher) runTask(parent context.Context, s *Session, item WorkItem) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer s.Queue().Release()
	defer d.Wake()

	bg := context.Background()
	d.metrics.InflightTasks.Add(bg, 1)
	defer d.metrics.InflightTasks.Add(bg, -1)

	// The session may have closed between dequeue and start.
	select {
	case <-s.Closed():
		return
	default:
	}

	taskCtx, cancel := context.WithTimeout(parent, d.taskTimeout)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.Closed():
			cancel()
		case <-stop:
		}
	}()

	// When the engine's charge is known up front, reject packets whose cost
	// cannot fit the remaining budget before spending any compute on them.
	// A cost exactly equal to the remainder is allowed.
	if est, ok := d.engine.(transcriber.CostEstimator); ok {
		rec, err := d.store.Get(taskCtx, s.UserID())
		if err != nil {
			slog.Warn("budget pre-check failed", "user_id", s.UserID(), "err", err)
		} else if est.EstimateMs(len(item.Payload)) > rec.RemainingMs {
			s.Close(reasonFor(CodeExceededAllocatedUsage))
			return
		}
	}

	start := time.Now()
	res, err := d.engine.Transcribe(taskCtx, item.Payload)
	elapsed := time.Since(start)

	if err != nil {
		d.handleTaskError(s, err, elapsed)
		return
	}
	d.metrics.RecordTranscribe(bg, elapsed, "ok")

	// Completed, but the session may have gone away meanwhile: drop the
	// result silently and charge nothing.
	select {
	case <-s.Closed():
		return
	default:
	}
	if taskCtx.Err() != nil {
		return
	}

	rec, chargeErr := d.store.Add(taskCtx, s.UserID(), res.UsedMs)
	if chargeErr != nil {
		// The reply still goes out; the ledger catches up on the next
		// packet. Best-effort read so the reply's remainder is not a lie.
		slog.Warn("usage charge failed", "user_id", s.UserID(), "used_ms", res.UsedMs, "err", chargeErr)
		if fresh, err := d.store.Get(taskCtx, s.UserID()); err == nil {
			rec = fresh
		}
	} else {
		d.metrics.UsageConsumedMs.Add(bg, res.UsedMs)
	}

	reply := resultEvent{
		ID:               item.Seq,
		Transcript:       res.Text,
		Confidence:       res.Confidence,
		UsageUsedMs:      res.UsedMs,
		UsageRemainingMs: rec.RemainingMs,
	}
	if err := s.send(taskCtx, reply); err != nil {
		// Session vanished between completion and reply; swallow.
		return
	}
	d.metrics.RepliesSent.Add(bg, 1)

	if chargeErr == nil && rec.RemainingMs <= 0 {
		s.Close(reasonFor(CodeExceededAllocatedUsage))
	}
}

// handleTaskError classifies an engine failure and closes the session with
// the matching reason. Failures never propagate out of the dispatcher.
func (d *Dispatcher) handleTaskError(s *Session, err error, elapsed time.Duration) {
	bg := context.Background()
	d.metrics.EngineErrors.Add(bg, 1)

	select {
	case <-s.Closed():
		// Disconnect or shutdown already closed the session; the
		// cancellation is not an error worth surfacing.
		d.metrics.RecordTranscribe(bg, elapsed, "cancelled")
		return
	default:
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		d.metrics.RecordTranscribe(bg, elapsed, "timeout")
		s.Close(reasonFor(CodeTimeout))
	case errors.Is(err, context.Canceled):
		// Cancelled from outside without a session close or shutdown.
		d.metrics.RecordTranscribe(bg, elapsed, "cancelled")
		s.Close(reasonFor(CodeAborted))
	default:
		d.metrics.RecordTranscribe(bg, elapsed, "error")
		s.Close(CloseReason{Message: err.Error(), Code: CodeServerError})
	}
}
