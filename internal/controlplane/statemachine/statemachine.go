// Package statemachine enforces the legal CommandRecord transition table
// (spec §4.3). It is grounded on the teacher's approvals.Approval.IsExpired
// lifecycle-guard idiom, generalized from a single pending/resolved flag to
// the full ten-state CommandStateSchema with a transition table instead of
// ad hoc if-statements.
package statemachine

import (
	"fmt"

	"github.com/bdobrica/mu/internal/controlplane/command"
)

// InvalidTransitionError reports an illegal state arrow.
type InvalidTransitionError struct {
	From, To command.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid command transition: %s -> %s", e.From, e.To)
}

// legal holds the allowed destination set for every non-terminal source
// state. Terminal states have no entry and therefore no legal destinations.
var legal = map[command.State]map[command.State]bool{
	command.StateAccepted: set(
		command.StateAwaitingConfirmation,
		command.StateQueued,
		command.StateFailed,
		command.StateCancelled,
		command.StateDeadLetter,
	),
	command.StateAwaitingConfirmation: set(
		command.StateQueued,
		command.StateCancelled,
		command.StateExpired,
		command.StateDeadLetter,
	),
	command.StateQueued: set(
		command.StateInProgress,
		command.StateDeferred,
		command.StateCancelled,
		command.StateDeadLetter,
	),
	command.StateInProgress: set(
		command.StateCompleted,
		command.StateFailed,
		command.StateDeferred,
		command.StateCancelled,
		command.StateDeadLetter,
	),
	command.StateDeferred: set(
		command.StateQueued,
		command.StateCancelled,
		command.StateDeadLetter,
	),
}

func set(states ...command.State) map[command.State]bool {
	m := make(map[command.State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether from->to is a legal arrow.
func CanTransition(from, to command.State) bool {
	dests, ok := legal[from]
	if !ok {
		return false // from is terminal or unknown: no outbound transitions
	}
	return dests[to]
}

// Options tune a single Transition call.
type Options struct {
	// NowMS is the injected clock value used to stamp UpdatedAtMS and, for
	// terminal destinations, TerminalAtMS. Required.
	NowMS int64
	// ForceAttempt, when non-nil, overrides the default attempt-increment
	// rule (queued->in_progress increments; everything else is unchanged).
	// Used by replay, which may need to set an explicit attempt count.
	ForceAttempt *int
	// ErrorCode is stamped on the record when transitioning to a terminal
	// or deferred state. On completed, a nil/empty ErrorCode clears any
	// previous error_code, per spec (completed defaults to error_code=null
	// unless explicitly supplied).
	ErrorCode string
	// Result replaces rec.Result only when non-nil; omit to leave it
	// untouched (spec: "result replaces on explicit supply only").
	Result []byte
}

// Transition applies a legal state change to rec, returning a new *Record
// (rec is not mutated in place so callers can retry on journal-append
// failure without having observably changed the in-memory record).
func Transition(rec *command.Record, to command.State, opts Options) (*command.Record, error) {
	if rec.State.Terminal() {
		return nil, &InvalidTransitionError{From: rec.State, To: to}
	}
	if !CanTransition(rec.State, to) {
		return nil, &InvalidTransitionError{From: rec.State, To: to}
	}

	next := rec.Clone()
	from := rec.State
	next.State = to
	next.UpdatedAtMS = opts.NowMS

	if from == command.StateQueued && to == command.StateInProgress {
		if opts.ForceAttempt != nil {
			next.Attempt = *opts.ForceAttempt
		} else {
			next.Attempt++
		}
	} else if opts.ForceAttempt != nil {
		next.Attempt = *opts.ForceAttempt
	}

	if to.Terminal() {
		next.TerminalAtMS = opts.NowMS
	}

	if to == command.StateCompleted {
		next.ErrorCode = opts.ErrorCode // "" clears, matching the spec default
	} else if opts.ErrorCode != "" {
		next.ErrorCode = opts.ErrorCode
	}

	if opts.Result != nil {
		next.Result = append([]byte(nil), opts.Result...)
	}

	if to == command.StateAwaitingConfirmation {
		// ConfirmationExpiresAtMS must already be set by the caller before
		// invoking Transition (it depends on the policy's confirmation TTL,
		// which this package does not know about).
	} else if from == command.StateAwaitingConfirmation {
		next.ConfirmationExpiresAtMS = 0
	}

	if to != command.StateDeferred {
		next.RetryAtMS = 0
	}

	return next, nil
}
