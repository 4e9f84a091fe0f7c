package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tessira/echogate/pkg/transcriber"
)

// ErrAllEnginesFailed is returned when every engine in an [EngineFallback]
// fails or sits behind an open breaker.
var ErrAllEnginesFailed = errors.New("resilience: all engines failed")

// engineEntry pairs a transcription engine with its dedicated breaker.
type engineEntry struct {
	name    string
	engine  transcriber.Engine
	breaker *Breaker
}

// EngineFallback implements [transcriber.Engine] with automatic failover
// across backends. The primary is tried first; when it fails or its breaker
// is open, fallbacks are tried in registration order. Cancellation is never
// retried: once the caller's context is done, remaining engines are skipped.
//
// EngineFallback is safe for concurrent use after construction; register
// fallbacks before serving.
type EngineFallback struct {
	entries []engineEntry
	breaker BreakerConfig
}

// Compile-time assertions.
var (
	_ transcriber.Engine        = (*EngineFallback)(nil)
	_ transcriber.CostEstimator = (*EngineFallback)(nil)
)

// NewEngineFallback creates an [EngineFallback] with primary as the
// preferred backend. breaker configures the per-entry breakers.
func NewEngineFallback(primaryName string, primary transcriber.Engine, breaker BreakerConfig) *EngineFallback {
	f := &EngineFallback{breaker: breaker}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional engine, tried after all earlier ones.
func (f *EngineFallback) AddFallback(name string, engine transcriber.Engine) {
	f.add(name, engine)
}

func (f *EngineFallback) add(name string, engine transcriber.Engine) {
	cfg := f.breaker
	cfg.Name = name
	f.entries = append(f.entries, engineEntry{
		name:    name,
		engine:  engine,
		breaker: NewBreaker(cfg),
	})
}

// Transcribe implements [transcriber.Engine], trying each entry until one
// succeeds.
func (f *EngineFallback) Transcribe(ctx context.Context, audio []byte) (transcriber.Result, error) {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]

		if err := ctx.Err(); err != nil {
			// The caller gave up; failing over would outlive the request.
			if lastErr == nil {
				return transcriber.Result{}, err
			}
			return transcriber.Result{}, fmt.Errorf("%w: %v", ErrAllEnginesFailed, lastErr)
		}

		var res transcriber.Result
		err := entry.breaker.Do(func() error {
			var innerErr error
			res, innerErr = entry.engine.Transcribe(ctx, audio)
			return innerErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping engine (circuit open)", "engine", entry.name)
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Propagate cancellation as-is so the dispatcher classifies it.
			return transcriber.Result{}, err
		} else {
			slog.Warn("engine failed, trying next", "engine", entry.name, "err", err)
		}
	}
	return transcriber.Result{}, fmt.Errorf("%w: %v", ErrAllEnginesFailed, lastErr)
}

// EstimateMs implements [transcriber.CostEstimator] by delegating to the
// first entry that can estimate. All configured engines share one cost
// model, so any entry's estimate is authoritative.
func (f *EngineFallback) EstimateMs(n int) int64 {
	for _, entry := range f.entries {
		if est, ok := entry.engine.(transcriber.CostEstimator); ok {
			return est.EstimateMs(n)
		}
	}
	return 0
}

// Check reports whether at least one engine is currently admitting calls.
// Wire it into the readiness probe: a gateway whose every engine breaker is
// open would accept sessions only to fail each packet, so it should report
// unready instead. Half-open breakers count as available — they are about
// to probe.
func (f *EngineFallback) Check(_ context.Context) error {
	tripped := make([]string, 0, len(f.entries))
	for i := range f.entries {
		entry := &f.entries[i]
		if entry.breaker.State() != BreakerOpen {
			return nil
		}
		tripped = append(tripped, entry.name)
	}
	return fmt.Errorf("resilience: no engine available, circuits open: %s", strings.Join(tripped, ", "))
}
