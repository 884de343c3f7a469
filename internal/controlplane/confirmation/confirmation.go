// Package confirmation implements the two-phase confirm/cancel lifecycle
// for mutating commands (spec §4.7). It is grounded on the teacher's
// internal/ruriko/approvals package: the same pending-request-with-TTL
// shape as approvals.Gate/approvals.Approval.IsExpired, generalized from a
// single ApprovalStore row to operating directly over the CommandRecord
// journal, and from the teacher's free-text "approve <id>"/"deny <id>"
// parser (approvals/parser.go) to the spec's "confirm <command_id>" /
// "cancel <command_id>" command-text convention recognized upstream in the
// pipeline's fast path.
package confirmation

import (
	"context"
	"encoding/json"

	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/journal"
	"github.com/bdobrica/mu/internal/controlplane/reason"
	"github.com/bdobrica/mu/internal/controlplane/statemachine"
)

// Store is the minimal record-lookup/update surface the confirmation
// handler needs. The pipeline's in-memory record map (folded from the
// journal at startup and kept current thereafter) implements this.
type Store interface {
	Get(commandID string) (*command.Record, bool)
	Put(rec *command.Record)
}

// MutationOutcome is what a MutationHandler reports after actually
// performing the domain effect of a command (spec §4.8). Separated into
// its own package (the run/clirunner/program domain handlers) so
// confirmation does not need to know about subprocess execution.
type MutationOutcome struct {
	NextState command.State // completed, failed, deferred, or cancelled
	Result    json.RawMessage
	ErrorCode reason.Code
	RetryAtMS int64
}

// MutationHandler executes the domain effect of a command once it reaches
// in_progress, and reports the terminal (or deferred) outcome.
type MutationHandler interface {
	Execute(ctx context.Context, rec *command.Record) MutationOutcome
}

// Outcome classifies the result of a Confirm or Cancel call for the
// caller's PipelineResult rendering.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
	OutcomeDenied    Outcome = "denied"
)

// Result is returned by Confirm and Cancel.
type Result struct {
	Outcome Outcome
	Record  *command.Record
	Deny    *reason.DenyError
}

// Handler implements confirm/cancel against a Store and Journal, invoking
// mutation on confirm.
type Handler struct {
	store    Store
	journal  *journal.Journal
	mutation MutationHandler
}

// New returns a confirmation Handler.
func New(store Store, j *journal.Journal, mutation MutationHandler) *Handler {
	return &Handler{store: store, journal: j, mutation: mutation}
}

// Confirm implements spec §4.7's "On confirm <command_id>" rules.
func (h *Handler) Confirm(ctx context.Context, commandID, requestingBindingID string, nowMS int64) (Result, error) {
	rec, ok := h.store.Get(commandID)
	if !ok {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.ContextMissing, "no such command_id")}, nil
	}

	if rec.State.Terminal() {
		// Idempotent: confirming an already-resolved command just reports
		// its current terminal state, never re-runs the mutation.
		return Result{Outcome: Outcome(rec.State), Record: rec}, nil
	}

	if rec.State != command.StateAwaitingConfirmation {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.InvalidTransition, "command is not awaiting confirmation")}, nil
	}

	if nowMS > rec.ConfirmationExpiresAtMS {
		expired, err := statemachine.Transition(rec, command.StateExpired, statemachine.Options{NowMS: nowMS, ErrorCode: string(reason.ConfirmationExpired)})
		if err != nil {
			return Result{}, err
		}
		if err := h.appendAndStore(expired, "confirmation_expired"); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeExpired, Record: expired}, nil
	}

	if rec.ActorBindingID != requestingBindingID {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.ConfirmationInvalidActor, "confirming binding does not match the original actor")}, nil
	}

	queued, err := statemachine.Transition(rec, command.StateQueued, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := h.appendAndStore(queued, "queued"); err != nil {
		return Result{}, err
	}

	inProgress, err := statemachine.Transition(queued, command.StateInProgress, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := h.appendAndStore(inProgress, "in_progress"); err != nil {
		return Result{}, err
	}

	outcome := h.mutation.Execute(ctx, inProgress)
	final, err := statemachine.Transition(inProgress, outcome.NextState, statemachine.Options{
		NowMS:     nowMS,
		ErrorCode: string(outcome.ErrorCode),
		Result:    outcome.Result,
	})
	if err != nil {
		return Result{}, err
	}
	final.RetryAtMS = outcome.RetryAtMS
	if err := h.appendAndStore(final, string(outcome.NextState)); err != nil {
		return Result{}, err
	}

	return Result{Outcome: Outcome(final.State), Record: final}, nil
}

// Cancel implements spec §4.7's "On cancel <command_id>" rules.
func (h *Handler) Cancel(commandID, requestingBindingID string, nowMS int64) (Result, error) {
	rec, ok := h.store.Get(commandID)
	if !ok {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.ContextMissing, "no such command_id")}, nil
	}

	if rec.ActorBindingID != requestingBindingID {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.ConfirmationInvalidActor, "cancelling binding does not match the original actor")}, nil
	}

	switch rec.State {
	case command.StateAccepted, command.StateAwaitingConfirmation, command.StateQueued, command.StateDeferred:
		cancelled, err := statemachine.Transition(rec, command.StateCancelled, statemachine.Options{NowMS: nowMS})
		if err != nil {
			return Result{}, err
		}
		if err := h.appendAndStore(cancelled, "cancelled"); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeCancelled, Record: cancelled}, nil
	default:
		return Result{Outcome: Outcome(rec.State), Record: rec}, nil
	}
}

func (h *Handler) appendAndStore(rec *command.Record, eventType string) error {
	if err := h.journal.AppendLifecycle(rec, eventType); err != nil {
		return err
	}
	h.store.Put(rec)
	return nil
}
