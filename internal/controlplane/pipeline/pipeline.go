// Package pipeline implements the CommandPipeline of spec §4.6: the single
// handleInbound entry point every verified, normalized adapter delivery
// passes through on its way from InboundEnvelope to a terminal (or
// awaiting_confirmation/deferred) CommandRecord. It is grounded on
// internal/ruriko/commands/router.go's Parse-then-Dispatch shape,
// generalized from a single free-text prefix/subcommand split into the
// full command-key/target-id parse spec §3's CommandRecord requires, wired
// through the already-built identity, policy, idempotency, statemachine,
// journal, and confirmation packages rather than reimplementing any of
// their logic here.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/confirmation"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/identity"
	"github.com/bdobrica/mu/internal/controlplane/idempotency"
	"github.com/bdobrica/mu/internal/controlplane/journal"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/reason"
	"github.com/bdobrica/mu/internal/controlplane/statemachine"
)

// commandKeys is the command key surface of spec §9: every target_type a
// policy rule can be registered against, plus the two pseudo-keys
// (confirm/cancel) spec §4.6 step 2 intercepts before authorization.
// Matched longest-token-sequence-first so "issue dep add" wins over "issue"
// alone.
var commandKeys = sortedByTokenCountDesc([]string{
	"issue dep add", "issue dep remove",
	"issue get", "issue list", "issue create", "issue update", "issue claim", "issue close",
	"forum read", "forum post",
	"run start", "run resume",
	"link begin", "link finish",
	"unlink self",
	"revoke",
	"grant scope",
	"policy update",
	"kill-switch set",
	"dlq list", "dlq inspect", "dlq replay",
	"rate-limit override",
	"audit get",
	"status", "ready",
	"confirm", "cancel",
})

const (
	commandKeyConfirm = "confirm"
	commandKeyCancel  = "cancel"
)

func sortedByTokenCountDesc(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.SliceStable(out, func(i, j int) bool {
		return len(strings.Fields(out[i])) > len(strings.Fields(out[j]))
	})
	return out
}

// parseCommandKey matches the longest known command key against the
// invocation-prefix-stripped tokens of commandText, returning the key and
// the first remaining token as target_id (e.g. "issue close mu-123" ->
// ("issue close", "mu-123")).
func parseCommandKey(commandText string) (key, targetID string, ok bool) {
	fields := envelope.Normalize(commandText, nil)
	if len(fields) == 0 {
		return "", "", false
	}
	for _, k := range commandKeys {
		toks := strings.Fields(k)
		if len(toks) > len(fields) {
			continue
		}
		match := true
		for i, t := range toks {
			if fields[i] != t {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		rest := fields[len(toks):]
		if len(rest) > 0 {
			targetID = rest[0]
		}
		return k, targetID, true
	}
	return "", "", false
}

// IdentityResolver resolves a channel actor into its active identity
// binding. identity.Store satisfies this directly.
type IdentityResolver interface {
	LookupByChannelActor(ctx context.Context, channel envelope.Channel, channelActorID string) (*identity.Binding, error)
}

// ReadonlyOutcome is what a ReadonlyExecutor reports after serving a
// non-mutating command key (status, ready, issue get|list, forum read,
// audit get, dlq list|inspect, ...).
type ReadonlyOutcome struct {
	Result    []byte
	ErrorCode reason.Code
}

// ReadonlyExecutor dispatches an in_progress readonly CommandRecord to
// whichever backend serves its target_type: tooling shims, the CLI
// allowlist runner, or the operator backend (spec §4.6 step 8).
type ReadonlyExecutor interface {
	Execute(ctx context.Context, rec *command.Record) ReadonlyOutcome
}

// IDGenerator mints command_ids. Grounded on the teacher's pervasive use
// of google/uuid for agent/approval/template ids (see generation.IDGenerator);
// callers wire uuid.NewString in production and a fixed sequence in tests.
type IDGenerator func() string

// Outcome classifies a HandleInbound call's result for ACK/outbox
// rendering, extending confirmation.Outcome with the two outcomes a fresh
// inbound request can reach that a bare confirm/cancel call cannot:
// accepted (now queued/dispatched) and deferred (backpressure, no record
// created yet).
type Outcome string

const (
	OutcomeAccepted             Outcome = "accepted"
	OutcomeAwaitingConfirmation Outcome = "awaiting_confirmation"
	OutcomeCompleted            Outcome = "completed"
	OutcomeFailed               Outcome = "failed"
	OutcomeCancelled            Outcome = "cancelled"
	OutcomeExpired              Outcome = "expired"
	OutcomeDenied               Outcome = "denied"
	OutcomeDeferred             Outcome = "deferred"
)

// Result is the PipelineResult of spec §4.6 step 9.
type Result struct {
	Outcome   Outcome
	Record    *command.Record
	Deny      *reason.DenyError
	RetryAtMS int64
}

// CommandPipeline is the CommandPipeline of spec §4.6.
type CommandPipeline struct {
	journal  *journal.Journal
	idem     *idempotency.Ledger
	identity IdentityResolver
	policy   *policy.Engine
	confirm  *confirmation.Handler
	readonly ReadonlyExecutor
	mutation confirmation.MutationHandler
	executor *SerializedMutationExecutor
	records  *RecordStore
	idGen    IDGenerator
	repoRoot string
}

// New constructs a CommandPipeline. repoRoot is the single repository this
// runtime instance owns (matching the WriterLock's one-runtime-per-repo_root
// model): every inbound envelope is stamped with it regardless of which
// channel/conversation it arrived from.
func New(
	j *journal.Journal,
	idem *idempotency.Ledger,
	identityResolver IdentityResolver,
	policyEng *policy.Engine,
	confirmHandler *confirmation.Handler,
	readonly ReadonlyExecutor,
	mutation confirmation.MutationHandler,
	executor *SerializedMutationExecutor,
	records *RecordStore,
	idGen IDGenerator,
	repoRoot string,
) *CommandPipeline {
	return &CommandPipeline{
		journal:  j,
		idem:     idem,
		identity: identityResolver,
		policy:   policyEng,
		confirm:  confirmHandler,
		readonly: readonly,
		mutation: mutation,
		executor: executor,
		records:  records,
		idGen:    idGen,
		repoRoot: repoRoot,
	}
}

// HandleInbound implements spec §4.6's nine-step handleInbound. env is the
// adapter's normalized, pre-authorization envelope (ingress.Adapter.Normalize's
// output); nowMS is the injected clock value for every timestamp this call
// stamps.
func (p *CommandPipeline) HandleInbound(ctx context.Context, env envelope.InboundEnvelope, nowMS int64) (Result, error) {
	env.RepoRoot = p.repoRoot

	key, targetID, ok := parseCommandKey(env.CommandText)
	if !ok {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.UnmappedCommand, "command_text does not match any known command key")}, nil
	}
	env.TargetType = key
	env.TargetID = targetID

	binding, err := p.identity.LookupByChannelActor(ctx, env.Channel, env.ActorID)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: resolve identity: %w", err)
	}
	if binding == nil {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.IdentityNotLinked, "actor has no active identity binding")}, nil
	}
	env.ActorBindingID = binding.BindingID
	env.AssuranceTier = binding.AssuranceTier

	// Step 1: parse + schema-validate. Target/binding fields must be
	// resolved first since Validate requires them non-empty.
	if err := env.Validate(); err != nil {
		return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.AdapterPayloadInvalid, err.Error())}, nil
	}

	// Step 2: confirm/cancel fast path. Only the original actor_binding_id
	// may confirm or cancel; confirmation.Handler itself enforces that and
	// returns confirmation_invalid_actor on mismatch.
	if key == commandKeyConfirm || key == commandKeyCancel {
		out, execErr := p.executor.Run(ctx, func() (any, error) {
			if key == commandKeyConfirm {
				cr, err := p.confirm.Confirm(ctx, targetID, env.ActorBindingID, nowMS)
				return fastPathResult(cr), err
			}
			cr, err := p.confirm.Cancel(targetID, env.ActorBindingID, nowMS)
			return fastPathResult(cr), err
		})
		if execErr != nil {
			return Result{}, execErr
		}
		return out.(Result), nil
	}

	// Step 3/4: policy authorize. requestedMode is derived from the rule's
	// own mutating bit for this chat-ingress surface, since none of the
	// four channel adapters impose an independent read-only view; the
	// mode-mismatch denials policy.AuthorizeCommand can still produce exist
	// for other, non-chat callers (an operator dashboard's read-only view,
	// for instance) that do declare a mode independent of the target key.
	pol := p.policy.Policy()
	rule, hasRule := pol.Rules[key]
	mode := policy.ModeReadonly
	if hasRule && rule.Mutating {
		mode = policy.ModeMutation
	}
	pb := policy.Binding{BindingID: binding.BindingID, Scopes: binding.Scopes, AssuranceTier: binding.AssuranceTier}
	decision := p.policy.AuthorizeCommand(key, pb, mode)
	if !decision.Allow {
		return Result{Outcome: OutcomeDenied, Deny: decision.Deny}, nil
	}
	env.ScopeRequired = strings.Join(rule.Scopes, ",")
	env.ScopeEffective = decision.EffectiveScope

	ttl := rule.ConfirmationTTLMS
	if ttl <= 0 {
		ttl = policy.DefaultConfirmationTTLMS
	}

	// Steps 5-8 run inside SerializedMutationExecutor: mutation safety,
	// idempotency claim, CommandRecord construction, and routing dispatch
	// are a single serialized critical section per spec §5.
	out, execErr := p.executor.Run(ctx, func() (any, error) {
		if rule.Mutating {
			safety := p.policy.EvaluateMutationSafety(env.Channel, env.ActorBindingID, rule.OpsClass, nowMS)
			if safety.Deny != nil {
				return Result{Outcome: OutcomeDenied, Deny: safety.Deny}, nil
			}
			if safety.Defer {
				return Result{Outcome: OutcomeDeferred, RetryAtMS: safety.RetryAtMS}, nil
			}
		}

		newCommandID := p.idGen()
		claim, err := p.idem.Claim(env.IdempotencyKey, env.Fingerprint, newCommandID, ttl, nowMS)
		if err != nil {
			return nil, fmt.Errorf("pipeline: claim idempotency: %w", err)
		}
		switch claim.Outcome {
		case idempotency.Conflict:
			return Result{Outcome: OutcomeDenied, Deny: reason.Deny(reason.IdempotencyConflict, "idempotency_key already bound to a different fingerprint")}, nil
		case idempotency.Duplicate:
			existing, ok := p.records.Get(claim.CommandID)
			if !ok {
				return nil, fmt.Errorf("pipeline: duplicate idempotency claim for unknown command_id %s", claim.CommandID)
			}
			return Result{Outcome: Outcome(existing.State), Record: existing}, nil
		}

		rec := &command.Record{
			CommandID:       newCommandID,
			Channel:         env.Channel,
			ChannelTenantID: env.ChannelTenantID,
			ChannelConvID:   env.ChannelConvID,
			ActorID:         env.ActorID,
			ActorBindingID:  env.ActorBindingID,
			AssuranceTier:   env.AssuranceTier,
			RepoRoot:        env.RepoRoot,
			ScopeRequired:   env.ScopeRequired,
			ScopeEffective:  env.ScopeEffective,
			TargetType:      env.TargetType,
			TargetID:        env.TargetID,
			IdempotencyKey:  env.IdempotencyKey,
			Fingerprint:     env.Fingerprint,
			RequestID:       env.RequestID,
			CommandText:     env.CommandText,
			CommandArgs:     envelope.Normalize(env.CommandText, strings.Fields(key)),
			State:           command.StateAccepted,
			CreatedAtMS:     nowMS,
			UpdatedAtMS:     nowMS,
		}
		if err := p.journal.AppendLifecycle(rec, "accepted"); err != nil {
			return nil, fmt.Errorf("pipeline: append accepted: %w", err)
		}
		p.records.Put(rec)

		if !rule.Mutating {
			return p.dispatchReadonly(ctx, rec, nowMS)
		}
		if rule.ConfirmationRequired {
			return p.awaitConfirmation(rec, nowMS, ttl)
		}
		return p.dispatchMutating(ctx, rec, nowMS)
	})
	if execErr != nil {
		return Result{}, execErr
	}
	return out.(Result), nil
}

func (p *CommandPipeline) dispatchReadonly(ctx context.Context, rec *command.Record, nowMS int64) (Result, error) {
	queued, err := statemachine.Transition(rec, command.StateQueued, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := p.journal.AppendLifecycle(queued, "queued"); err != nil {
		return Result{}, err
	}
	p.records.Put(queued)

	inProgress, err := statemachine.Transition(queued, command.StateInProgress, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := p.journal.AppendLifecycle(inProgress, "in_progress"); err != nil {
		return Result{}, err
	}
	p.records.Put(inProgress)

	out := p.readonly.Execute(ctx, inProgress)
	finalState := command.StateCompleted
	if out.ErrorCode != "" {
		finalState = command.StateFailed
	}
	final, err := statemachine.Transition(inProgress, finalState, statemachine.Options{
		NowMS:     nowMS,
		ErrorCode: string(out.ErrorCode),
		Result:    out.Result,
	})
	if err != nil {
		return Result{}, err
	}
	if err := p.journal.AppendLifecycle(final, string(finalState)); err != nil {
		return Result{}, err
	}
	p.records.Put(final)
	return Result{Outcome: Outcome(final.State), Record: final}, nil
}

func (p *CommandPipeline) awaitConfirmation(rec *command.Record, nowMS, ttlMS int64) (Result, error) {
	rec.ConfirmationExpiresAtMS = nowMS + ttlMS
	awaiting, err := statemachine.Transition(rec, command.StateAwaitingConfirmation, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := p.journal.AppendLifecycle(awaiting, "awaiting_confirmation"); err != nil {
		return Result{}, err
	}
	p.records.Put(awaiting)
	return Result{Outcome: OutcomeAwaitingConfirmation, Record: awaiting}, nil
}

func (p *CommandPipeline) dispatchMutating(ctx context.Context, rec *command.Record, nowMS int64) (Result, error) {
	queued, err := statemachine.Transition(rec, command.StateQueued, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := p.journal.AppendLifecycle(queued, "queued"); err != nil {
		return Result{}, err
	}
	p.records.Put(queued)

	inProgress, err := statemachine.Transition(queued, command.StateInProgress, statemachine.Options{NowMS: nowMS})
	if err != nil {
		return Result{}, err
	}
	if err := p.journal.AppendLifecycle(inProgress, "in_progress"); err != nil {
		return Result{}, err
	}
	p.records.Put(inProgress)

	out := p.mutation.Execute(ctx, inProgress)
	final, err := statemachine.Transition(inProgress, out.NextState, statemachine.Options{
		NowMS:     nowMS,
		ErrorCode: string(out.ErrorCode),
		Result:    out.Result,
	})
	if err != nil {
		return Result{}, err
	}
	final.RetryAtMS = out.RetryAtMS
	if err := p.journal.AppendLifecycle(final, string(out.NextState)); err != nil {
		return Result{}, err
	}
	p.records.Put(final)
	return Result{Outcome: Outcome(final.State), Record: final}, nil
}

func fastPathResult(cr confirmation.Result) Result {
	return Result{Outcome: Outcome(cr.Outcome), Record: cr.Record, Deny: cr.Deny}
}
