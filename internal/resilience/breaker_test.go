package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tessira/echogate/internal/observe"
)

var errBackend = errors.New("backend down")

// fakeClock lets tests move a breaker through its cooldown without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	b := NewBreaker(cfg)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clock.now
	return b, clock
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{Name: "test", TripAfter: 2})
	for range 10 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("Do() error: %v", err)
		}
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{Name: "test", TripAfter: 3, Cooldown: time.Minute})

	for range 3 {
		_ = b.Do(func() error { return errBackend })
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Calls are rejected without invoking fn.
	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not be invoked while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(BreakerConfig{Name: "test", TripAfter: 3})

	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return errBackend })
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return errBackend })

	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreaker_SuccessfulProbeCloses(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(BreakerConfig{Name: "test", TripAfter: 1, Cooldown: 15 * time.Second})

	_ = b.Do(func() error { return errBackend })
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatal("call during cooldown should be rejected")
	}

	clock.advance(16 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreaker_FailedProbeRestartsCooldown(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(BreakerConfig{Name: "test", TripAfter: 1, Cooldown: 15 * time.Second})

	_ = b.Do(func() error { return errBackend })
	clock.advance(16 * time.Second)

	_ = b.Do(func() error { return errBackend })
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want re-opened after failed probe", b.State())
	}

	// The failed probe restarted the cooldown from its own timestamp.
	clock.advance(10 * time.Second)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatal("call inside the restarted cooldown should be rejected")
	}
	clock.advance(10 * time.Second)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe after restarted cooldown error: %v", err)
	}
}

func TestBreaker_SingleProbeAtATime(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(BreakerConfig{Name: "test", TripAfter: 1, Cooldown: 15 * time.Second})

	_ = b.Do(func() error { return errBackend })
	clock.advance(16 * time.Second)

	// Hold one probe in flight; a second caller must be rejected rather
	// than burn another dispatcher slot on a suspect backend.
	entered := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("second call during probe = %v, want ErrOpen", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_RecordsTripMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b, clock := newTestBreaker(BreakerConfig{Name: "whisper", TripAfter: 1, Cooldown: 15 * time.Second, Metrics: metrics})

	_ = b.Do(func() error { return errBackend }) // trip
	clock.advance(16 * time.Second)
	_ = b.Do(func() error { return errBackend }) // failed probe trips again

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "echogate.breaker.trips" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("data type = %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("breaker trips = %d, want 2", total)
	}
}
