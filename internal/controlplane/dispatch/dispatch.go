// Package dispatch implements the Router that backs both
// pipeline.ReadonlyExecutor and confirmation.MutationHandler: the single
// place a CommandRecord's target_type (spec §3's command-key surface) is
// switched on to decide which already-built subsystem actually serves it
// — clirunner's CLI allowlist, run.Supervisor's subprocess jobs,
// identity.Store's binding lifecycle, or operatortooling's DLQ/audit/
// policy façade. It is grounded on internal/ruriko/commands/router.go's
// Dispatch step, the part of the teacher's router this package's sibling
// (internal/controlplane/pipeline) deliberately left unimplemented since
// spec §9 calls out pipeline/outbox/operatortooling as a dependency cycle
// to be broken by a late-constructed façade — dispatch is that façade's
// command-routing half.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bdobrica/mu/internal/controlplane/clirunner"
	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/confirmation"
	"github.com/bdobrica/mu/internal/controlplane/identity"
	"github.com/bdobrica/mu/internal/controlplane/operatortooling"
	"github.com/bdobrica/mu/internal/controlplane/pipeline"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/reason"
	"github.com/bdobrica/mu/internal/controlplane/run"
)

// Router holds every backend a command's target_type can route to. It does
// not itself satisfy pipeline.ReadonlyExecutor or confirmation.MutationHandler
// — both interfaces require a method literally named Execute with a
// different result type, which one Go type cannot provide twice — so
// Readonly() and Mutation() hand out thin adapters over the same Router
// instead.
type Router struct {
	CLI      *clirunner.Runner
	Run      *run.Supervisor
	Identity *identity.Store
	Tooling  *operatortooling.Tooling
	NowMS    func() int64
}

// Readonly returns the pipeline.ReadonlyExecutor view of r.
func (r *Router) Readonly() pipeline.ReadonlyExecutor { return readonlyRouter{r} }

// Mutation returns the confirmation.MutationHandler view of r.
func (r *Router) Mutation() confirmation.MutationHandler { return mutationRouter{r} }

type readonlyRouter struct{ r *Router }

func (a readonlyRouter) Execute(ctx context.Context, rec *command.Record) pipeline.ReadonlyOutcome {
	return a.r.executeReadonly(ctx, rec)
}

type mutationRouter struct{ r *Router }

func (a mutationRouter) Execute(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	return a.r.executeMutation(ctx, rec)
}

// target_type constants, copied from the pipeline's own command-key table
// (spec §9's enumerated surface) so this package's switch statements read
// the same names the pipeline parsed out of command_text.
const (
	keyStatus    = "status"
	keyReady     = "ready"
	keyIssueGet  = "issue get"
	keyIssueList = "issue list"
	keyForumRead = "forum read"
	keyAuditGet  = "audit get"
	keyDLQList   = "dlq list"
	keyDLQInspect = "dlq inspect"

	keyIssueCreate    = "issue create"
	keyIssueUpdate    = "issue update"
	keyIssueClaim     = "issue claim"
	keyIssueClose     = "issue close"
	keyIssueDepAdd    = "issue dep add"
	keyIssueDepRemove = "issue dep remove"
	keyForumPost      = "forum post"
	keyRunStart       = "run start"
	keyRunResume      = "run resume"
	keyLinkBegin      = "link begin"
	keyLinkFinish     = "link finish"
	keyUnlinkSelf     = "unlink self"
	keyRevoke         = "revoke"
	keyGrantScope     = "grant scope"
	keyPolicyUpdate   = "policy update"
	keyKillSwitchSet  = "kill-switch set"
	keyDLQReplay      = "dlq replay"
	keyRateLimitOverride = "rate-limit override"
)

func (r *Router) executeReadonly(ctx context.Context, rec *command.Record) pipeline.ReadonlyOutcome {
	switch rec.TargetType {
	case keyStatus, keyReady, keyIssueGet, keyIssueList, keyForumRead:
		return r.cliReadonly(ctx, rec)
	case keyAuditGet:
		return r.auditGet(rec)
	case keyDLQList:
		return r.dlqList()
	case keyDLQInspect:
		return r.dlqInspect(rec)
	default:
		return pipeline.ReadonlyOutcome{ErrorCode: reason.ContextUnauthorized}
	}
}

func (r *Router) executeMutation(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	switch rec.TargetType {
	case keyIssueCreate, keyIssueUpdate, keyIssueClaim, keyIssueClose, keyIssueDepAdd, keyIssueDepRemove, keyForumPost:
		return r.cliMutating(ctx, rec)
	case keyRunStart:
		return r.runStart(ctx, rec)
	case keyRunResume:
		return r.runResume(ctx, rec)
	case keyLinkBegin, keyLinkFinish, keyUnlinkSelf, keyRevoke, keyGrantScope:
		return r.identityLifecycle(ctx, rec)
	case keyPolicyUpdate:
		return r.policyUpdate(rec)
	case keyKillSwitchSet:
		return r.killSwitchSet(rec)
	case keyDLQReplay:
		return r.dlqReplay(rec)
	case keyRateLimitOverride:
		return r.rateLimitOverride(rec)
	default:
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.ContextUnauthorized}
	}
}

func (r *Router) nowMS() int64 {
	if r.NowMS != nil {
		return r.NowMS()
	}
	return 0
}

// --- readonly backends ---

func (r *Router) cliReadonly(ctx context.Context, rec *command.Record) pipeline.ReadonlyOutcome {
	argv := append([]string{strings.ReplaceAll(rec.TargetType, " ", "-")}, rec.CommandArgs...)
	res, err := r.CLI.Invoke(ctx, clirunner.InvocationPlan{Argv: argv, CommandKind: rec.TargetType})
	if err != nil {
		return pipeline.ReadonlyOutcome{ErrorCode: reason.CLINonZero}
	}
	if res.TimedOut {
		return pipeline.ReadonlyOutcome{ErrorCode: reason.CLITimeout}
	}
	if res.ExitCode != 0 {
		return pipeline.ReadonlyOutcome{ErrorCode: reason.CLINonZero, Result: mustJSON(res)}
	}
	return pipeline.ReadonlyOutcome{Result: mustJSON(res)}
}

func (r *Router) auditGet(rec *command.Record) pipeline.ReadonlyOutcome {
	audit, err := r.Tooling.AuditGet(rec.TargetID)
	if err != nil {
		return pipeline.ReadonlyOutcome{ErrorCode: reason.ContextMissing}
	}
	return pipeline.ReadonlyOutcome{Result: mustJSON(audit)}
}

func (r *Router) dlqList() pipeline.ReadonlyOutcome {
	return pipeline.ReadonlyOutcome{Result: mustJSON(r.Tooling.DLQList())}
}

func (r *Router) dlqInspect(rec *command.Record) pipeline.ReadonlyOutcome {
	out, err := r.Tooling.DLQInspect(rec.TargetID)
	if err != nil {
		return pipeline.ReadonlyOutcome{ErrorCode: reason.ContextMissing}
	}
	return pipeline.ReadonlyOutcome{Result: mustJSON(out)}
}

// --- mutating backends ---

func (r *Router) cliMutating(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	argv := append([]string{strings.ReplaceAll(rec.TargetType, " ", "-")}, rec.CommandArgs...)
	res, err := r.CLI.Invoke(ctx, clirunner.InvocationPlan{Argv: argv, CommandKind: rec.TargetType})
	if err != nil {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLINonZero}
	}
	if res.TimedOut {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLITimeout}
	}
	if res.ExitCode != 0 {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLINonZero, Result: mustJSON(res)}
	}
	return confirmation.MutationOutcome{NextState: command.StateCompleted, Result: mustJSON(res)}
}

func (r *Router) runStart(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	prompt := strings.Join(rec.CommandArgs, " ")
	snap, err := r.Run.LaunchStart(ctx, run.LaunchOptions{
		JobID:     rec.CommandID,
		Prompt:    prompt,
		CommandID: rec.CommandID,
		Source:    run.SourceCommand,
		NowMS:     r.nowMS(),
	})
	if err != nil {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLINonZero}
	}
	return confirmation.MutationOutcome{NextState: command.StateCompleted, Result: mustJSON(snap)}
}

func (r *Router) runResume(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	snap, err := r.Run.LaunchResume(ctx, run.LaunchOptions{
		JobID:       rec.CommandID,
		RootIssueID: rec.TargetID,
		CommandID:   rec.CommandID,
		Source:      run.SourceCommand,
		NowMS:       r.nowMS(),
	})
	if err != nil {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLINonZero}
	}
	return confirmation.MutationOutcome{NextState: command.StateCompleted, Result: mustJSON(snap)}
}

func (r *Router) identityLifecycle(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	now := r.nowMS()
	switch rec.TargetType {
	case keyLinkBegin, keyLinkFinish:
		scopes := rec.CommandArgs
		if err := r.Identity.Link(ctx, identity.Binding{
			BindingID:      rec.TargetID,
			Channel:        rec.Channel,
			ChannelActorID: rec.ActorID,
			Scopes:         scopes,
			AssuranceTier:  rec.AssuranceTier,
		}, now); err != nil {
			return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
		}
	case keyUnlinkSelf, keyRevoke:
		if err := r.Identity.Revoke(ctx, rec.TargetID, now); err != nil {
			return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.ContextMissing}
		}
	case keyGrantScope:
		if len(rec.CommandArgs) == 0 {
			return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
		}
		if err := r.Identity.GrantScope(ctx, rec.TargetID, rec.CommandArgs[0], now); err != nil {
			return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.ContextMissing}
		}
	}
	return confirmation.MutationOutcome{NextState: command.StateCompleted}
}

func (r *Router) policyUpdate(rec *command.Record) confirmation.MutationOutcome {
	var next policy.Policy
	if len(rec.CommandArgs) == 0 {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
	}
	if err := json.Unmarshal([]byte(rec.CommandArgs[0]), &next); err != nil {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
	}
	r.Tooling.PolicyUpdate(next)
	return confirmation.MutationOutcome{NextState: command.StateCompleted}
}

func (r *Router) killSwitchSet(rec *command.Record) confirmation.MutationOutcome {
	if len(rec.CommandArgs) < 2 {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
	}
	scope := operatortooling.KillSwitchScope(rec.CommandArgs[0])
	disabled := rec.CommandArgs[1] == "true"
	class := ""
	if len(rec.CommandArgs) > 2 {
		class = rec.CommandArgs[2]
	}
	r.Tooling.KillSwitchSet(scope, rec.Channel, class, disabled)
	return confirmation.MutationOutcome{NextState: command.StateCompleted}
}

func (r *Router) dlqReplay(rec *command.Record) confirmation.MutationOutcome {
	rec2, err := r.Tooling.DLQReplay(rec.CommandID, rec.TargetID, r.nowMS())
	if err != nil {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.ContextMissing}
	}
	return confirmation.MutationOutcome{NextState: command.StateCompleted, Result: mustJSON(rec2)}
}

func (r *Router) rateLimitOverride(rec *command.Record) confirmation.MutationOutcome {
	var window policy.RateLimitWindow
	if len(rec.CommandArgs) == 0 {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
	}
	if err := json.Unmarshal([]byte(rec.CommandArgs[0]), &window); err != nil {
		return confirmation.MutationOutcome{NextState: command.StateFailed, ErrorCode: reason.CLIValidationFailed}
	}
	r.Tooling.RateLimitOverride(window)
	return confirmation.MutationOutcome{NextState: command.StateCompleted}
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
