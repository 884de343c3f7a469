// Package generation implements blue/green adapter-map reload (spec
// §4.13): GenerationSupervisor. It is grounded on
// internal/gitai/gateway.Manager.Reconcile's "stop the changed jobs, start
// the new ones, under a single mutex" idiom, generalized from a
// fixed-set-of-cron-jobs reconciliation to a three-hook swap/drain/rollback
// lifecycle over a single active adapter-map reference.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ReloadState is spec §4.13's ReloadAttempt.state enum.
type ReloadState string

const (
	StatePlanned   ReloadState = "planned"
	StateSwapped   ReloadState = "swapped"
	StateCompleted ReloadState = "completed"
	StateFailed    ReloadState = "failed"
)

// RollbackTrigger classifies why a rollback was attempted.
type RollbackTrigger string

const (
	RollbackWarmupFailed  RollbackTrigger = "warmup_failed"
	RollbackCutoverFailed RollbackTrigger = "cutover_failed"
	RollbackManual        RollbackTrigger = "manual"
)

// Rollback records the outcome of a rollback attempt.
type Rollback struct {
	Trigger   RollbackTrigger
	Attempted bool
	Succeeded bool
	Error     string
}

// DrainStats records the outcome of the onDrain hook.
type DrainStats struct {
	DurationMS  int64
	ForcedStop  bool
}

// Identity is spec §4.13's GenerationIdentity: a monotonic sequence plus an
// opaque id assigned at cutover time.
type Identity struct {
	GenerationID  string
	GenerationSeq int64
}

// Attempt is spec §4.13's ReloadAttempt.
type Attempt struct {
	AttemptID        string
	Reason           string
	State            ReloadState
	PlannedAtMS      int64
	SwappedAtMS      int64
	FinishedAtMS     int64
	FromGeneration   *Identity
	ToGeneration     Identity
	Drain            DrainStats
	Rollback         *Rollback
	Error            string
}

// Hooks bundles the three reload-lifecycle callbacks a caller supplies.
// Each may abort the reload by returning an error.
type Hooks struct {
	// OnWarmup starts the new generation's adapters and verifies readiness.
	OnWarmup func(ctx context.Context) error
	// OnCutover atomically switches the active adapter map to the new
	// generation. Returning an error triggers a cutover_failed rollback.
	OnCutover func(ctx context.Context) error
	// OnDrain waits (bounded) for the old generation's in-flight handlers
	// to quiesce. A timeout is not an error: the supervisor force-stops
	// and records drain.forced_stop=true, but the swap stays successful.
	OnDrain func(ctx context.Context) (forcedStop bool, err error)
	// OnRollback restores the prior adapter map. Only called after a
	// cutover_failed or manual rollback trigger.
	OnRollback func(ctx context.Context) error
}

// Clock is the injected time source, matching the program package's
// abstraction so tests can control elapsed drain duration deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Counters is the telemetry surface spec §4.13 names: reload_success_total,
// reload_failure_total, reload_drain_duration_ms_total, duplicate_signal_total,
// drop_signal_total.
type Counters struct {
	ReloadSuccessTotal         int64
	ReloadFailureTotal         int64
	ReloadDrainDurationMSTotal int64
	DuplicateSignalTotal       int64
	DropSignalTotal            int64
}

// GateResult is what a gate evaluator returns: a non-blocking health
// judgement against configurable thresholds.
type GateResult struct {
	Healthy bool
	Reasons []string
	Counters Counters
}

// GateThresholds configures the (non-blocking) gate evaluator.
type GateThresholds struct {
	MaxFailureRatio   float64 // ReloadFailureTotal / (success+failure)
	MaxDrainDurationMS int64
}

// IDGenerator mints attempt/generation identifiers. Grounded on the
// teacher's pervasive use of google/uuid for agent/approval/template ids.
type IDGenerator func() string

// Supervisor is the GenerationSupervisor of spec §4.13.
type Supervisor struct {
	mu       sync.Mutex
	hooks    Hooks
	clk      Clock
	idGen    IDGenerator
	current  *Identity
	lastOK   *Attempt
	history  []Attempt
	counters Counters
	nextSeq  int64
}

// New returns a Supervisor with no active generation yet. The first
// successful reload establishes generation_seq=1.
func New(hooks Hooks, clk Clock, idGen IDGenerator) *Supervisor {
	if clk == nil {
		clk = realClock{}
	}
	return &Supervisor{hooks: hooks, clk: clk, idGen: idGen}
}

// Current returns the active generation identity, or nil if no reload has
// ever succeeded.
func (s *Supervisor) Current() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// Counters returns a snapshot of the telemetry counters.
func (s *Supervisor) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// History returns the reload attempt log, most recent last.
func (s *Supervisor) History() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.history))
	copy(out, s.history)
	return out
}

// Reload runs the full planned → swapped → completed|failed lifecycle for
// one config reload request, per spec §4.13's hook sequence.
func (s *Supervisor) Reload(ctx context.Context, reason string) Attempt {
	s.mu.Lock()
	attemptID := s.idGen()
	nowMS := s.clk.Now().UnixMilli()
	fromGen := s.current
	att := Attempt{
		AttemptID:      attemptID,
		Reason:         reason,
		State:          StatePlanned,
		PlannedAtMS:    nowMS,
		FromGeneration: fromGen,
	}
	s.mu.Unlock()

	if err := s.hooks.OnWarmup(ctx); err != nil {
		att.State = StateFailed
		att.Error = err.Error()
		att.FinishedAtMS = s.clk.Now().UnixMilli()
		att.Rollback = &Rollback{Trigger: RollbackWarmupFailed, Attempted: false}
		slog.Warn("generation: warmup failed, no cutover performed", "attempt_id", attemptID, "err", err)
		s.recordFailure(att)
		return att
	}

	if err := s.hooks.OnCutover(ctx); err != nil {
		att.State = StateFailed
		att.Error = err.Error()
		att.FinishedAtMS = s.clk.Now().UnixMilli()
		att.Rollback = s.attemptRollback(ctx, RollbackCutoverFailed)
		slog.Error("generation: cutover failed", "attempt_id", attemptID, "err", err)
		s.recordFailure(att)
		return att
	}

	s.mu.Lock()
	s.nextSeq++
	toGen := Identity{GenerationID: s.idGen(), GenerationSeq: s.nextSeq}
	s.current = &toGen
	att.ToGeneration = toGen
	att.State = StateSwapped
	att.SwappedAtMS = s.clk.Now().UnixMilli()
	s.mu.Unlock()

	drainStart := s.clk.Now()
	forcedStop, drainErr := s.hooks.OnDrain(ctx)
	drainDurationMS := s.clk.Now().Sub(drainStart).Milliseconds()
	if drainErr != nil {
		slog.Warn("generation: drain reported an error; forcing stop and keeping swap",
			"attempt_id", attemptID, "err", drainErr)
		forcedStop = true
	}
	att.Drain = DrainStats{DurationMS: drainDurationMS, ForcedStop: forcedStop}

	att.State = StateCompleted
	att.FinishedAtMS = s.clk.Now().UnixMilli()
	s.recordSuccess(att)
	return att
}

// Rollback performs a manual rollback to the prior generation, per the
// /api/control-plane/rollback endpoint (spec §4.13).
func (s *Supervisor) Rollback(ctx context.Context) Rollback {
	rb := s.attemptRollback(ctx, RollbackManual)
	return *rb
}

func (s *Supervisor) attemptRollback(ctx context.Context, trigger RollbackTrigger) *Rollback {
	if s.hooks.OnRollback == nil {
		return &Rollback{Trigger: trigger, Attempted: false}
	}
	err := s.hooks.OnRollback(ctx)
	rb := &Rollback{Trigger: trigger, Attempted: true, Succeeded: err == nil}
	if err != nil {
		rb.Error = err.Error()
	}
	return rb
}

func (s *Supervisor) recordSuccess(att Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.ReloadSuccessTotal++
	s.counters.ReloadDrainDurationMSTotal += att.Drain.DurationMS
	s.lastOK = &att
	s.history = append(s.history, att)
}

func (s *Supervisor) recordFailure(att Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.ReloadFailureTotal++
	s.history = append(s.history, att)
}

// RecordDuplicateSignal increments duplicate_signal_total: a reload request
// that matched an already-in-flight or already-applied config (spec §8's
// "reload with identical config is a no-op on observable state").
func (s *Supervisor) RecordDuplicateSignal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.DuplicateSignalTotal++
}

// RecordDropSignal increments drop_signal_total: a reload request dropped
// before even planning (e.g. malformed config).
func (s *Supervisor) RecordDropSignal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.DropSignalTotal++
}

// Gate evaluates the current counters against thresholds and returns a
// non-blocking health verdict, per spec §4.13's gate evaluator.
func (s *Supervisor) Gate(thresholds GateThresholds) GateResult {
	c := s.Counters()
	var reasons []string
	healthy := true

	total := c.ReloadSuccessTotal + c.ReloadFailureTotal
	if total > 0 && thresholds.MaxFailureRatio > 0 {
		ratio := float64(c.ReloadFailureTotal) / float64(total)
		if ratio > thresholds.MaxFailureRatio {
			healthy = false
			reasons = append(reasons, fmt.Sprintf("reload failure ratio %.2f exceeds threshold %.2f", ratio, thresholds.MaxFailureRatio))
		}
	}

	if thresholds.MaxDrainDurationMS > 0 {
		s.mu.Lock()
		last := s.lastOK
		s.mu.Unlock()
		if last != nil && last.Drain.DurationMS > thresholds.MaxDrainDurationMS {
			healthy = false
			reasons = append(reasons, fmt.Sprintf("last drain duration %dms exceeds threshold %dms", last.Drain.DurationMS, thresholds.MaxDrainDurationMS))
		}
	}

	return GateResult{Healthy: healthy, Reasons: reasons, Counters: c}
}
