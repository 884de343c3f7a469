// Package outbox implements the append-only outbox log and the dispatcher
// that drains due records to their destination channel with retry/backoff
// and dead-lettering (spec §4.9). It is grounded on two teacher shapes:
// the append-and-fold persistence idiom shared with journal/idempotency,
// and internal/ruriko/audit.Notifier's "never block the caller, log and
// move on" delivery posture, generalized from a single Matrix audit room
// target to the full channel-routed OutboundEnvelope and from a fire-and-
// forget notice to an attempt-budgeted retry loop grounded on
// common/retry's exponential-backoff shape.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bdobrica/mu/internal/controlplane/appendfile"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
)

// State is one of the three OutboxRecord lifecycle states.
type State string

const (
	StatePending    State = "pending"
	StateDelivered  State = "delivered"
	StateDeadLetter State = "dead_letter"
)

// Record is the durable OutboxRecord (spec §3).
type Record struct {
	OutboxID        string            `json:"outbox_id"`
	DedupeKey       string            `json:"dedupe_key"`
	Envelope        envelope.OutboundEnvelope `json:"envelope"`
	AttemptCount    int               `json:"attempt_count"`
	NextAttemptAtMS int64             `json:"next_attempt_at_ms"`
	State           State             `json:"state"`
	ReplayOfOutboxID string           `json:"replay_of_outbox_id,omitempty"`
	CreatedAtMS     int64             `json:"created_at_ms"`
	LastError       string            `json:"last_error,omitempty"`
	MaxAttempts     int               `json:"max_attempts"`
}

// Clone returns a copy safe to mutate independently of the stored record.
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}

// DeliverOutcome classifies what Deliverer.Deliver reports for one attempt.
type DeliverOutcomeKind string

const (
	DeliverSuccess DeliverOutcomeKind = "success"
	DeliverRetry   DeliverOutcomeKind = "retry"
	DeliverDrop    DeliverOutcomeKind = "drop"
)

// DeliverOutcome is the result of one delivery attempt.
type DeliverOutcome struct {
	Kind          DeliverOutcomeKind
	Error         string
	RetryDelayMS  int64 // only meaningful for DeliverRetry; 0 => dispatcher computes backoff
	DropReason    string
}

// Deliverer sends one OutboundEnvelope to its destination channel. The
// per-channel adapter implementations (Slack/Discord/Telegram/Neovim HTTP
// calls) live outside this package; Deliverer is the seam.
type Deliverer interface {
	Deliver(ctx context.Context, env envelope.OutboundEnvelope) DeliverOutcome
}

// defaultMaxAttemptsByKind mirrors spec §9's "3–6 per envelope kind"
// open question, resolved here as a fixed per-kind table rather than a
// single constant so each kind's retry budget can be tuned independently.
var defaultMaxAttemptsByKind = map[envelope.OutboundKind]int{
	envelope.KindAck:       3,
	envelope.KindLifecycle: 4,
	envelope.KindResult:    5,
	envelope.KindError:     6,
}

// SetMaxAttemptsByKind overrides the retry budget for the kinds present in
// overrides, leaving any kind it doesn't mention at its current value.
// config.MuConfig calls this once at startup with its
// OutboxConfig.MaxAttemptsByKind map.
func SetMaxAttemptsByKind(overrides map[envelope.OutboundKind]int) {
	for kind, n := range overrides {
		if n > 0 {
			defaultMaxAttemptsByKind[kind] = n
		}
	}
}

// DefaultMaxAttempts returns the configured retry budget for kind.
func DefaultMaxAttempts(kind envelope.OutboundKind) int {
	if n, ok := defaultMaxAttemptsByKind[kind]; ok {
		return n
	}
	return 3
}

// SetDeliveryRateLimit overrides the per-channel delivery token bucket
// DrainDue enforces: ratePerSecond tokens refill per second, up to burst in
// a single drain tick. cmd/mu-controlplane calls this once at startup with
// the config's OutboxConfig.DeliveryRatePerSecond/DeliveryBurst values. Existing
// per-channel limiters are reset so the new rate takes effect immediately.
func (d *Dispatcher) SetDeliveryRateLimit(ratePerSecond float64, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rateLimit = rate.Limit(ratePerSecond)
	d.burst = burst
	d.limiters = make(map[envelope.Channel]*rate.Limiter)
}

// limiterFor returns (creating if absent) the token bucket for channel.
func (d *Dispatcher) limiterFor(channel envelope.Channel) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[channel]
	if !ok {
		l = rate.NewLimiter(d.rateLimit, d.burst)
		d.limiters[channel] = l
	}
	return l
}

// allowDelivery reports whether channel has a token available at nowMS,
// driving the token bucket off DrainDue's own nowMS argument rather than
// the wall clock so the throttle advances in lockstep with the rest of the
// dispatcher's (test-injectable) notion of "now".
func (d *Dispatcher) allowDelivery(channel envelope.Channel, nowMS int64) bool {
	return d.limiterFor(channel).AllowN(time.UnixMilli(nowMS), 1)
}

// backoffBaseMS and backoffCapMS bound the exponential-with-jitter delay
// computed when a Deliverer reports retry without an explicit delay,
// mirroring common/retry.Config's InitialDelay/MaxDelay shape.
const (
	backoffBaseMS = 1_000
	backoffCapMS  = 60_000
)

// defaultDeliveryRatePerSecond and defaultDeliveryBurst bound the token
// bucket DrainDue runs per destination channel — an envelope kind that
// starts retrying in a tight loop (a flapping Slack webhook, say) throttles
// itself down to this rate instead of hammering the channel on every drain
// tick, distinct from backoffDelay's per-record retry jitter.
const (
	defaultDeliveryRatePerSecond = 5
	defaultDeliveryBurst         = 5
)

// Dispatcher owns outbox.jsonl: enqueue, dedupe, and the drainDue loop.
type Dispatcher struct {
	mu        sync.Mutex
	file      *appendfile.File
	byID      map[string]*Record
	byDedupe  map[string]string // dedupe_key -> outbox_id of its live (non-dead-letter) record
	rng       *rand.Rand
	limiters  map[envelope.Channel]*rate.Limiter
	rateLimit rate.Limit
	burst     int
}

// Open loads (or creates) the outbox log backed by the JSONL file at path.
func Open(path string) (*Dispatcher, error) {
	af, err := appendfile.Open(path)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		file:      af,
		byID:      make(map[string]*Record),
		byDedupe:  make(map[string]string),
		rng:       rand.New(rand.NewSource(1)),
		limiters:  make(map[envelope.Channel]*rate.Limiter),
		rateLimit: rate.Limit(defaultDeliveryRatePerSecond),
		burst:     defaultDeliveryBurst,
	}
	lines, err := appendfile.ReadLines(path)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("outbox: decode: %w", err)
		}
		d.index(&rec)
	}
	return d, nil
}

// index folds rec into the in-memory maps, latest write wins per outbox_id.
func (d *Dispatcher) index(rec *Record) {
	d.byID[rec.OutboxID] = rec
	if rec.State != StateDeadLetter {
		d.byDedupe[rec.DedupeKey] = rec.OutboxID
	}
}

// Close flushes and closes the backing file.
func (d *Dispatcher) Close() error { return d.file.Close() }

// Enqueue appends a new pending record unless an existing non-dead-letter
// record already holds dedupeKey, in which case the existing record wins
// (spec §4.9 "two enqueues with the same key coalesce").
func (d *Dispatcher) Enqueue(outboxID, dedupeKey string, env envelope.OutboundEnvelope, nowMS int64, replayOfOutboxID string) (*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existingID, ok := d.byDedupe[dedupeKey]; ok {
		return d.byID[existingID], nil
	}

	rec := &Record{
		OutboxID:         outboxID,
		DedupeKey:        dedupeKey,
		Envelope:         env,
		AttemptCount:     0,
		NextAttemptAtMS:  nowMS,
		State:            StatePending,
		ReplayOfOutboxID: replayOfOutboxID,
		CreatedAtMS:      nowMS,
		MaxAttempts:      DefaultMaxAttempts(env.Kind),
	}
	if err := d.appendLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the current record by id.
func (d *Dispatcher) Get(outboxID string) (*Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.byID[outboxID]
	return rec, ok
}

// ListDeadLetter returns every record currently in dead_letter state.
func (d *Dispatcher) ListDeadLetter() []*Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Record
	for _, rec := range d.byID {
		if rec.State == StateDeadLetter {
			out = append(out, rec)
		}
	}
	return out
}

// DueRecords returns every pending record whose next_attempt_at_ms has
// elapsed, in no particular order (the dispatcher does not promise FIFO
// across distinct outbox_ids, only serialized per-record mutation).
func (d *Dispatcher) DueRecords(nowMS int64) []*Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Record
	for _, rec := range d.byID {
		if rec.State == StatePending && rec.NextAttemptAtMS <= nowMS {
			out = append(out, rec)
		}
	}
	return out
}

// DrainDue leases every due record, calls deliverer.Deliver for each, and
// applies the resulting state transition, per spec §4.9. Records whose
// destination channel is over its delivery rate limit are left pending for
// the next drain tick rather than spent against their retry budget — the
// per-destination throttle guards the channel webhook, it isn't itself a
// delivery failure.
func (d *Dispatcher) DrainDue(ctx context.Context, deliverer Deliverer, nowMS int64) error {
	for _, rec := range d.DueRecords(nowMS) {
		if !d.allowDelivery(rec.Envelope.Channel, nowMS) {
			continue
		}
		outcome := deliverer.Deliver(ctx, rec.Envelope)
		if err := d.applyOutcome(rec.OutboxID, outcome, nowMS); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) applyOutcome(outboxID string, outcome DeliverOutcome, nowMS int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byID[outboxID]
	if !ok {
		return fmt.Errorf("outbox: unknown outbox_id %s", outboxID)
	}
	next := rec.Clone()

	switch outcome.Kind {
	case DeliverSuccess:
		next.State = StateDelivered
	case DeliverDrop:
		next.State = StateDeadLetter
		next.LastError = outcome.DropReason
	case DeliverRetry:
		next.AttemptCount++
		next.LastError = outcome.Error
		if next.AttemptCount >= next.MaxAttempts {
			next.State = StateDeadLetter
		} else {
			delay := outcome.RetryDelayMS
			if delay <= 0 {
				delay = d.backoffDelay(next.AttemptCount)
			}
			next.NextAttemptAtMS = nowMS + delay
		}
	default:
		return fmt.Errorf("outbox: unknown deliver outcome kind %q", outcome.Kind)
	}

	return d.appendLocked(next)
}

// backoffDelay computes an exponential delay with jitter (uniform between
// half the doubled step and the full step), the step capped at
// backoffCapMS, mirroring common/retry.Config's doubling schedule.
func (d *Dispatcher) backoffDelay(attempt int) int64 {
	base := int64(backoffBaseMS)
	for i := 1; i < attempt; i++ {
		base *= 2
		if base > backoffCapMS {
			base = backoffCapMS
			break
		}
	}
	jitter := d.rng.Int63n(base/2 + 1)
	return base/2 + jitter
}

// Replay creates a new pending outbox record for a dead_letter record,
// preserving its command correlation, per spec §4.10.
func (d *Dispatcher) Replay(newOutboxID, sourceOutboxID string, nowMS int64) (*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	source, ok := d.byID[sourceOutboxID]
	if !ok {
		return nil, fmt.Errorf("outbox: unknown outbox_id %s", sourceOutboxID)
	}

	rec := &Record{
		OutboxID:         newOutboxID,
		DedupeKey:        source.DedupeKey + ":replay:" + newOutboxID,
		Envelope:         source.Envelope,
		AttemptCount:     0,
		NextAttemptAtMS:  nowMS,
		State:            StatePending,
		ReplayOfOutboxID: sourceOutboxID,
		CreatedAtMS:      nowMS,
		MaxAttempts:      source.MaxAttempts,
	}
	if err := d.appendLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Dispatcher) appendLocked(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}
	if err := d.file.AppendLine(data); err != nil {
		return err
	}
	d.index(rec)
	return nil
}

