// Package telemetry exports the control plane's OpenTelemetry metrics:
// the generation.Counters surface spec §4.13 names plus per-command
// outcome/deny-reason counters for the pipeline. It is grounded on
// nevindra-oasis/observer's Instruments-bundle idiom (a struct of
// pre-created otel instruments, recorded into from already-instrumented
// call sites) generalized from per-LLM-call tracing to a metrics-only
// surface: the package creates no spans.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/bdobrica/mu/internal/controlplane/generation"
	"github.com/bdobrica/mu/internal/controlplane/pipeline"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

// meterName identifies this module's instrumentation scope, per otel
// convention (reverse-DNS-ish module path).
const meterName = "github.com/bdobrica/mu/internal/controlplane"

// Instruments bundles every counter this package records into. Constructed
// once at startup by cmd/mu-controlplane, which records command outcomes
// and deny reasons into it; RecordGenerationCounters and the outbox
// recorders have no caller outside this package's tests.
type Instruments struct {
	meter metric.Meter

	commandOutcomeTotal metric.Int64Counter
	denyReasonTotal     metric.Int64Counter

	reloadSuccessTotal   metric.Int64Counter
	reloadFailureTotal   metric.Int64Counter
	reloadDrainDurationMS metric.Int64Counter
	duplicateSignalTotal metric.Int64Counter
	dropSignalTotal      metric.Int64Counter

	outboxDeliveredTotal  metric.Int64Counter
	outboxDeadLetterTotal metric.Int64Counter
}

// NewMeterProvider builds a minimal sdk/metric.MeterProvider with no
// configured reader: callers append a periodic or manual reader via
// sdkmetric.WithReader before handing the resulting provider to
// NewInstruments, matching the teacher's ObservedProvider's pattern of
// taking a fully-constructed provider rather than building one implicitly.
func NewMeterProvider(opts ...sdkmetric.Option) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(opts...)
}

// NewInstruments creates every counter this package records into, against
// the meter named meterName on the supplied provider.
func NewInstruments(provider metric.MeterProvider) (*Instruments, error) {
	meter := provider.Meter(meterName)
	in := &Instruments{meter: meter}

	var err error
	if in.commandOutcomeTotal, err = meter.Int64Counter(
		"mu.command.outcome_total",
		metric.WithDescription("Count of HandleInbound results by outcome."),
	); err != nil {
		return nil, fmt.Errorf("telemetry: command outcome counter: %w", err)
	}
	if in.denyReasonTotal, err = meter.Int64Counter(
		"mu.command.deny_reason_total",
		metric.WithDescription("Count of denied commands by reason code."),
	); err != nil {
		return nil, fmt.Errorf("telemetry: deny reason counter: %w", err)
	}
	if in.reloadSuccessTotal, err = meter.Int64Counter(
		"mu.generation.reload_success_total",
		metric.WithDescription("Count of successful blue/green generation reloads."),
	); err != nil {
		return nil, fmt.Errorf("telemetry: reload success counter: %w", err)
	}
	if in.reloadFailureTotal, err = meter.Int64Counter(
		"mu.generation.reload_failure_total",
		metric.WithDescription("Count of failed blue/green generation reloads."),
	); err != nil {
		return nil, fmt.Errorf("telemetry: reload failure counter: %w", err)
	}
	if in.reloadDrainDurationMS, err = meter.Int64Counter(
		"mu.generation.reload_drain_duration_ms_total",
		metric.WithDescription("Cumulative drain duration across successful reloads, in milliseconds."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: reload drain duration counter: %w", err)
	}
	if in.duplicateSignalTotal, err = meter.Int64Counter(
		"mu.generation.duplicate_signal_total",
	); err != nil {
		return nil, fmt.Errorf("telemetry: duplicate signal counter: %w", err)
	}
	if in.dropSignalTotal, err = meter.Int64Counter(
		"mu.generation.drop_signal_total",
	); err != nil {
		return nil, fmt.Errorf("telemetry: drop signal counter: %w", err)
	}
	if in.outboxDeliveredTotal, err = meter.Int64Counter(
		"mu.outbox.delivered_total",
	); err != nil {
		return nil, fmt.Errorf("telemetry: outbox delivered counter: %w", err)
	}
	if in.outboxDeadLetterTotal, err = meter.Int64Counter(
		"mu.outbox.dead_letter_total",
	); err != nil {
		return nil, fmt.Errorf("telemetry: outbox dead letter counter: %w", err)
	}
	return in, nil
}

// RecordCommandOutcome records one HandleInbound result.
func (in *Instruments) RecordCommandOutcome(ctx context.Context, outcome pipeline.Outcome) {
	in.commandOutcomeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
	))
}

// RecordDeny records one denial by reason code, in addition to the general
// outcome counter — denials are frequent enough in normal operation
// (missing scope, unmapped command) that operators need the breakdown.
func (in *Instruments) RecordDeny(ctx context.Context, code reason.Code) {
	in.denyReasonTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(code)),
	))
}

// RecordGenerationCounters records the delta between a previous and current
// generation.Counters snapshot. Callers are expected to poll
// Supervisor.Counters() and pass consecutive snapshots; this package has no
// subscription hook into generation.Supervisor, matching that package's
// already-closed scope (spec §9's pipeline/outbox cycle-breaking note
// applies here too: telemetry reads from generation, never the reverse).
func (in *Instruments) RecordGenerationCounters(ctx context.Context, prev, cur generation.Counters) {
	if d := cur.ReloadSuccessTotal - prev.ReloadSuccessTotal; d > 0 {
		in.reloadSuccessTotal.Add(ctx, d)
	}
	if d := cur.ReloadFailureTotal - prev.ReloadFailureTotal; d > 0 {
		in.reloadFailureTotal.Add(ctx, d)
	}
	if d := cur.ReloadDrainDurationMSTotal - prev.ReloadDrainDurationMSTotal; d > 0 {
		in.reloadDrainDurationMS.Add(ctx, d)
	}
	if d := cur.DuplicateSignalTotal - prev.DuplicateSignalTotal; d > 0 {
		in.duplicateSignalTotal.Add(ctx, d)
	}
	if d := cur.DropSignalTotal - prev.DropSignalTotal; d > 0 {
		in.dropSignalTotal.Add(ctx, d)
	}
}

// RecordOutboxDelivered records one successful outbox delivery.
func (in *Instruments) RecordOutboxDelivered(ctx context.Context, kind string) {
	in.outboxDeliveredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordOutboxDeadLetter records one outbox record exhausting its retry
// budget and moving to the dead-letter state.
func (in *Instruments) RecordOutboxDeadLetter(ctx context.Context, kind string) {
	in.outboxDeadLetterTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
