package breaker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/driftline/pkg/catalog"
	"github.com/driftline/driftline/pkg/errdefs"
)

func newTestStore(t *testing.T) *catalog.SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.NewSQLiteStore(catalog.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		RetryAfter:       100 * time.Millisecond,
		MaxInflight:      2,
	}
}

// TestBreakerStartsClosed tests first-use record creation
func TestBreakerStartsClosed(t *testing.T) {
	b := New("prod", newTestStore(t), testConfig(), nil, nil, nil)
	ctx := context.Background()

	if err := b.Allow(ctx); err != nil {
		t.Fatalf("fresh breaker must allow attempts: %v", err)
	}

	rec, err := b.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if State(rec.State) != StateClosed {
		t.Errorf("expected closed, got %s", rec.State)
	}
}

// TestBreakerTransitionSequence tests the full state machine: threshold
// failures open the breaker, the retry-after admits a probe via
// half_open, and a successful probe closes it again
func TestBreakerTransitionSequence(t *testing.T) {
	b := New("prod", newTestStore(t), testConfig(), nil, nil, nil)
	ctx := context.Background()

	// Below threshold the breaker stays closed
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("breaker must stay closed below threshold: %v", err)
	}

	// The third failure trips it
	b.RecordFailure(ctx)
	rec, _ := b.Status(ctx)
	if State(rec.State) != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", testConfig().FailureThreshold, rec.State)
	}

	// Open rejects immediately with the remaining retry-after
	err := b.Allow(ctx)
	if err == nil {
		t.Fatal("open breaker must reject attempts")
	}
	if !errdefs.HasCode(err, errdefs.CodeCircuitOpen) {
		t.Errorf("expected CIRCUIT_OPEN, got %v", err)
	}

	// After retry-after the next attempt is admitted as the probe
	time.Sleep(150 * time.Millisecond)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("expected probe admitted after retry-after: %v", err)
	}
	rec, _ = b.Status(ctx)
	if State(rec.State) != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", rec.State)
	}

	// Only the single probe is in flight; further attempts are rejected
	// until its outcome lands
	if err := b.Allow(ctx); !errdefs.HasCode(err, errdefs.CodeCircuitOpen) {
		t.Fatalf("expected half_open to reject attempts beyond the probe, got %v", err)
	}

	// Probe success closes the breaker
	b.RecordSuccess(ctx)
	rec, _ = b.Status(ctx)
	if State(rec.State) != StateClosed {
		t.Errorf("expected closed after probe success, got %s", rec.State)
	}
	if rec.FailureCount != 0 {
		t.Errorf("expected failure count reset, got %d", rec.FailureCount)
	}
}

// TestBreakerHalfOpenProbeFailureReopens tests half_open -> open
func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := New("prod", newTestStore(t), testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	time.Sleep(150 * time.Millisecond)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("expected probe admitted: %v", err)
	}

	b.RecordFailure(ctx)
	rec, _ := b.Status(ctx)
	if State(rec.State) != StateOpen {
		t.Errorf("expected reopened after probe failure, got %s", rec.State)
	}
}

// TestBreakerSurvivesRestart tests that the record outlives the instance
func TestBreakerSurvivesRestart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := New("prod", store, testConfig(), nil, nil, nil)
	for i := 0; i < 3; i++ {
		first.RecordFailure(ctx)
	}

	// A new instance over the same store sees the open state
	second := New("prod", store, testConfig(), nil, nil, nil)
	err := second.Allow(ctx)
	if !errdefs.HasCode(err, errdefs.CodeCircuitOpen) {
		t.Errorf("expected open state visible across instances, got %v", err)
	}
}

// TestBreakerConcurrentWorkersSingleProbe tests that two workers racing
// on the same record admit exactly one probe between them
func TestBreakerConcurrentWorkersSingleProbe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := New("prod", store, testConfig(), nil, nil, nil)
	b := New("prod", store, testConfig(), nil, nil, nil)

	// Trip the breaker through worker a
	for i := 0; i < 3; i++ {
		a.RecordFailure(ctx)
	}
	time.Sleep(150 * time.Millisecond)

	// Both workers race for the probe; the open -> half_open CAS winner
	// is admitted and the loser keeps being rejected
	errA := a.Allow(ctx)
	errB := b.Allow(ctx)

	admitted := 0
	for _, err := range []error{errA, errB} {
		if err == nil {
			admitted++
		} else if !errdefs.HasCode(err, errdefs.CodeCircuitOpen) {
			t.Fatalf("expected CIRCUIT_OPEN for the losing worker, got %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admitted probe, got %d (a=%v, b=%v)", admitted, errA, errB)
	}

	rec, err := store.GetBreaker(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	if State(rec.State) != StateHalfOpen {
		t.Errorf("expected half_open, got %s", rec.State)
	}
}

// TestBreakerAbandonedProbeReclaimed tests that a probe whose owner never
// reports an outcome is taken over after a full retry window
func TestBreakerAbandonedProbeReclaimed(t *testing.T) {
	b := New("prod", newTestStore(t), testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	time.Sleep(150 * time.Millisecond)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("expected probe admitted: %v", err)
	}

	// The probe owner goes silent. Within the window no one else gets in
	if err := b.Allow(ctx); !errdefs.HasCode(err, errdefs.CodeCircuitOpen) {
		t.Fatalf("expected rejection while the probe is live, got %v", err)
	}

	// After a full retry window of silence the probe is reclaimable
	time.Sleep(150 * time.Millisecond)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("expected abandoned probe taken over, got %v", err)
	}

	b.RecordSuccess(ctx)
	rec, _ := b.Status(ctx)
	if State(rec.State) != StateClosed {
		t.Errorf("expected closed after replacement probe success, got %s", rec.State)
	}
}

// TestBreakerFailsSafeClosed tests behavior with no reachable store
func TestBreakerFailsSafeClosed(t *testing.T) {
	b := New("prod", nil, testConfig(), nil, nil, nil)
	ctx := context.Background()

	if err := b.Allow(ctx); err != nil {
		t.Errorf("unreachable store must fail safe to closed, got %v", err)
	}

	// Failure recording is a no-op rather than an error
	b.RecordFailure(ctx)
	if err := b.Allow(ctx); err != nil {
		t.Errorf("breaker without store must keep allowing, got %v", err)
	}
}

// TestBreakerReset tests the operator reset path
func TestBreakerReset(t *testing.T) {
	b := New("prod", newTestStore(t), testConfig(), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	if err := b.Allow(ctx); err == nil {
		t.Fatal("expected open breaker")
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if err := b.Allow(ctx); err != nil {
		t.Errorf("expected closed after reset, got %v", err)
	}
}

// TestBreakerMaxInflight tests the in-flight slot accounting
func TestBreakerMaxInflight(t *testing.T) {
	b := New("prod", newTestStore(t), testConfig(), nil, nil, nil)
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	// Third slot is unavailable; a cancelled context unblocks the wait
	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b.Acquire(cancelled); err == nil {
		t.Fatal("expected acquire beyond max_inflight to block until cancellation")
	}

	b.Release()
	if err := b.Acquire(ctx); err != nil {
		t.Errorf("expected acquire after release, got %v", err)
	}
}
