package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/driftline/pkg/catalog"
	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/telemetry"
)

// State is the circuit breaker state enum.
type State string

const (
	// StateClosed admits reconciliation attempts normally.
	StateClosed State = "closed"
	// StateOpen rejects all new attempts until the retry-after elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a single probe attempt; its outcome decides
	// the next state.
	StateHalfOpen State = "half_open"
)

// Config tunes the breaker for one project.
type Config struct {
	// FailureThreshold is the consecutive-failure count within the window
	// that trips the breaker.
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`
	// Window bounds how long failures accumulate before the count resets.
	Window time.Duration `yaml:"window" validate:"min=1s"`
	// RetryAfter is how long an open breaker rejects attempts before
	// admitting a probe.
	RetryAfter time.Duration `yaml:"retry_after" validate:"min=1s"`
	// MaxInflight bounds concurrently outstanding corrective actions.
	MaxInflight int `yaml:"max_inflight" validate:"min=1"`
}

// DefaultConfig returns the stock breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           2 * time.Minute,
		RetryAfter:       5 * time.Minute,
		MaxInflight:      3,
	}
}

// casAttempts bounds how often a worker re-reads and retries after losing
// a compare-and-swap race.
const casAttempts = 5

// Breaker is the durable circuit breaker for one project. Every state
// transition is a compare-and-swap conditional write: a worker that loses
// the race re-reads and retries its decision, never overwriting a
// concurrent transition. The breaker record outlives any single process.
type Breaker struct {
	project string
	store   catalog.Store
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	// semaphore enforces max_inflight locally; the limit itself is part
	// of the durable record.
	semaphore chan struct{}
}

// New creates a breaker bound to a project. events may be nil.
func New(project string, store catalog.Store, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics, events *telemetry.EventPublisher) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Breaker{
		project:   project,
		store:     store,
		cfg:       cfg,
		logger:    logger.NewComponentLogger("breaker").WithProject(project),
		metrics:   metrics,
		events:    events,
		semaphore: make(chan struct{}, cfg.MaxInflight),
	}
}

// Allow reports whether a new reconciliation attempt may start. An open
// breaker rejects immediately with the remaining retry-after duration;
// it never blocks the caller. An elapsed retry-after moves the breaker
// to half_open and admits exactly one probe: the worker whose CAS wins
// the open to half_open transition. Everyone else keeps getting
// rejected until the probe's outcome lands.
func (b *Breaker) Allow(ctx context.Context) error {
	rec, err := b.load(ctx)
	if err != nil {
		// Fail-safe: absence of information must not block everything.
		b.logger.WithError(err).Warn("breaker store unreachable, failing safe to closed")
		return nil
	}

	switch State(rec.State) {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// A probe is already in flight. Take it over only when its owner
		// has been silent for a full retry window, e.g. a crashed worker.
		if time.Since(rec.UpdatedAt) >= rec.RetryAfter && b.claimProbe(ctx, rec) {
			return nil
		}
		return b.reject(rec.RetryAfter)
	case StateOpen:
		if rec.OpenedAt != nil {
			elapsed := time.Since(*rec.OpenedAt)
			if elapsed >= rec.RetryAfter {
				if err := b.transition(ctx, StateOpen, StateHalfOpen, "retry-after elapsed"); err == nil {
					// This worker owns the single probe.
					return nil
				}
				// Lost the race: another worker owns the probe, unless the
				// breaker already closed behind us.
				if current, loadErr := b.load(ctx); loadErr == nil && State(current.State) == StateClosed {
					return nil
				}
				return b.reject(rec.RetryAfter)
			}
			return b.reject(rec.RetryAfter - elapsed)
		}
		return b.reject(rec.RetryAfter)
	default:
		return fmt.Errorf("unknown breaker state %q", rec.State)
	}
}

// claimProbe takes over an abandoned half_open probe with a single CAS
// touch of the record. Losing the write means another worker claimed it
// first.
func (b *Breaker) claimProbe(ctx context.Context, rec *catalog.BreakerRecord) bool {
	if b.store == nil {
		return false
	}
	if err := b.store.UpdateBreaker(ctx, rec, rec.Version); err != nil {
		return false
	}
	b.logger.Warn("half_open probe abandoned, admitting replacement probe")
	return true
}

func (b *Breaker) reject(retryAfter time.Duration) error {
	if b.metrics != nil {
		b.metrics.RecordBreakerRejection(b.project)
	}
	return errdefs.CircuitOpen(b.project, retryAfter)
}

// RecordSuccess reports a successful attempt. In half_open it closes the
// breaker and resets the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	rec, err := b.load(ctx)
	if err != nil {
		b.logger.WithError(err).Warn("breaker store unreachable, success not recorded")
		return
	}

	switch State(rec.State) {
	case StateHalfOpen:
		if err := b.transition(ctx, StateHalfOpen, StateClosed, "probe succeeded"); err != nil {
			b.logger.WithError(err).Warn("half_open to closed transition failed")
		}
	case StateClosed:
		if rec.FailureCount > 0 {
			b.mutate(ctx, func(cur *catalog.BreakerRecord) bool {
				if State(cur.State) != StateClosed || cur.FailureCount == 0 {
					return false
				}
				cur.FailureCount = 0
				cur.WindowStart = time.Now().UTC()
				return true
			})
		}
	}
}

// RecordFailure reports a failed attempt. Enough failures inside the
// window trip the breaker; a half_open probe failure reopens it.
func (b *Breaker) RecordFailure(ctx context.Context) {
	var tripped struct {
		from   State
		reason string
	}

	written := b.mutate(ctx, func(cur *catalog.BreakerRecord) bool {
		tripped.from = ""
		now := time.Now().UTC()
		switch State(cur.State) {
		case StateHalfOpen:
			cur.State = string(StateOpen)
			cur.OpenedAt = &now
			cur.FailureCount = 0
			tripped.from = StateHalfOpen
			tripped.reason = "probe failed"
			return true
		case StateClosed:
			if now.Sub(cur.WindowStart) > b.cfg.Window {
				cur.WindowStart = now
				cur.FailureCount = 0
			}
			cur.FailureCount++
			if cur.FailureCount >= b.cfg.FailureThreshold {
				cur.State = string(StateOpen)
				cur.OpenedAt = &now
				tripped.from = StateClosed
				tripped.reason = fmt.Sprintf("failure threshold %d reached within window", b.cfg.FailureThreshold)
				cur.FailureCount = 0
			}
			return true
		default:
			// Already open; failures of straggling attempts change nothing.
			return false
		}
	})

	if written && tripped.from != "" {
		b.announce(tripped.from, StateOpen, tripped.reason)
	}
}

// Acquire claims an in-flight slot, blocking until one frees or the
// context is cancelled.
func (b *Breaker) Acquire(ctx context.Context) error {
	select {
	case b.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errdefs.NewTransient("cancelled waiting for in-flight slot", ctx.Err()).
			WithCode(errdefs.CodeTimeout)
	}
}

// Release frees an in-flight slot.
func (b *Breaker) Release() {
	select {
	case <-b.semaphore:
	default:
	}
}

// Status returns the current durable record.
func (b *Breaker) Status(ctx context.Context) (*catalog.BreakerRecord, error) {
	return b.load(ctx)
}

// Reset forces the breaker closed, clearing counters. Operator action.
func (b *Breaker) Reset(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := b.load(ctx)
		if err != nil {
			return err
		}
		from := State(rec.State)
		rec.State = string(StateClosed)
		rec.FailureCount = 0
		rec.WindowStart = time.Now().UTC()
		rec.OpenedAt = nil
		if err := b.store.UpdateBreaker(ctx, rec, rec.Version); err != nil {
			if errdefs.HasCode(err, errdefs.CodeCASConflict) {
				lastErr = err
				continue
			}
			return err
		}
		if from != StateClosed {
			b.announce(from, StateClosed, "manual reset")
		}
		return nil
	}
	return lastErr
}

// transition performs one CAS-guarded state change, retrying the decision
// after a lost race only while the precondition still holds.
func (b *Breaker) transition(ctx context.Context, from, to State, reason string) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := b.load(ctx)
		if err != nil {
			return err
		}
		if State(rec.State) != from {
			return errdefs.NewConflict(
				fmt.Sprintf("breaker no longer %s (now %s)", from, rec.State),
				nil,
			).WithCode(errdefs.CodeCASConflict)
		}

		now := time.Now().UTC()
		rec.State = string(to)
		rec.FailureCount = 0
		switch to {
		case StateOpen:
			rec.OpenedAt = &now
		case StateClosed:
			rec.OpenedAt = nil
			rec.WindowStart = now
		}

		if err := b.store.UpdateBreaker(ctx, rec, rec.Version); err != nil {
			if errdefs.HasCode(err, errdefs.CodeCASConflict) {
				lastErr = err
				continue
			}
			return err
		}

		b.announce(from, to, reason)
		return nil
	}
	return lastErr
}

// mutate applies a read-modify-write under CAS and reports whether the
// write landed. decide returns false to abandon the write after a
// re-read shows it is no longer applicable.
func (b *Breaker) mutate(ctx context.Context, decide func(*catalog.BreakerRecord) bool) bool {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := b.load(ctx)
		if err != nil {
			b.logger.WithError(err).Warn("breaker store unreachable, mutation dropped")
			return false
		}
		if !decide(rec) {
			return false
		}
		if err := b.store.UpdateBreaker(ctx, rec, rec.Version); err != nil {
			if errdefs.HasCode(err, errdefs.CodeCASConflict) {
				continue
			}
			b.logger.WithError(err).Warn("breaker write failed")
			return false
		}
		return true
	}
	b.logger.Warn("breaker mutation abandoned after repeated CAS conflicts")
	return false
}

// load fetches the durable record, creating the initial closed record on
// first use.
func (b *Breaker) load(ctx context.Context) (*catalog.BreakerRecord, error) {
	if b.store == nil {
		return nil, errdefs.NewTransient("no breaker store configured", nil).
			WithCode(errdefs.CodePersistenceUnavailable)
	}

	rec, err := b.store.GetBreaker(ctx, b.project)
	if err == nil {
		return rec, nil
	}
	if !errdefs.HasCode(err, errdefs.CodeNotFound) {
		return nil, errdefs.NewTransient("breaker state unavailable", err).
			WithCode(errdefs.CodePersistenceUnavailable)
	}

	now := time.Now().UTC()
	rec = &catalog.BreakerRecord{
		Project:     b.project,
		State:       string(StateClosed),
		WindowStart: now,
		RetryAfter:  b.cfg.RetryAfter,
		MaxInflight: b.cfg.MaxInflight,
		Version:     1,
		UpdatedAt:   now,
	}
	if err := b.store.CreateBreaker(ctx, rec); err != nil {
		// A concurrent worker may have created it first.
		if existing, getErr := b.store.GetBreaker(ctx, b.project); getErr == nil {
			return existing, nil
		}
		return nil, errdefs.NewTransient("breaker state unavailable", err).
			WithCode(errdefs.CodePersistenceUnavailable)
	}
	return rec, nil
}

func (b *Breaker) announce(from, to State, reason string) {
	b.logger.WithField("from", string(from)).
		WithField("to", string(to)).
		WithField("reason", reason).
		Info("breaker state transition")
	if b.metrics != nil {
		b.metrics.RecordBreakerTransition(b.project, string(from), string(to))
	}
	if b.events != nil {
		_ = b.events.PublishBreakerTransition(b.project, string(from), string(to), reason)
	}
}
