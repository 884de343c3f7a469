package dispatch_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bdobrica/mu/internal/controlplane/clirunner"
	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/confirmation"
	"github.com/bdobrica/mu/internal/controlplane/dispatch"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/identity"
	"github.com/bdobrica/mu/internal/controlplane/journal"
	"github.com/bdobrica/mu/internal/controlplane/operatortooling"
	"github.com/bdobrica/mu/internal/controlplane/outbox"
	"github.com/bdobrica/mu/internal/controlplane/pipeline"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

func newTestRouter(t *testing.T) *dispatch.Router {
	t.Helper()
	dir := t.TempDir()

	idStore, err := identity.Open(filepath.Join(dir, "identities.db"))
	if err != nil {
		t.Fatalf("open identity store: %v", err)
	}
	t.Cleanup(func() { idStore.Close() })

	jPath := filepath.Join(dir, "journal.jsonl")
	j, err := journal.Open(jPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	outboxDisp, err := outbox.Open(filepath.Join(dir, "outbox.jsonl"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { outboxDisp.Close() })

	policyEng := policy.New()
	policyEng.SetPolicy(policy.Policy{Rules: map[string]policy.Rule{}})

	tooling := operatortooling.New(jPath, outboxDisp, policyEng)

	return &dispatch.Router{
		CLI:      clirunner.New("/bin/echo"),
		Identity: idStore,
		Tooling:  tooling,
		NowMS:    func() int64 { return 1000 },
	}
}

func TestRouter_ReadonlyStatus_InvokesCLI(t *testing.T) {
	r := newTestRouter(t)
	exec := r.Readonly()

	rec := &command.Record{TargetType: "status", CommandArgs: []string{"ready"}}
	out := exec.Execute(context.Background(), rec)
	if out.ErrorCode != "" {
		t.Fatalf("expected no error code, got %s", out.ErrorCode)
	}
	if len(out.Result) == 0 {
		t.Fatal("expected non-empty result")
	}
}

func TestRouter_ReadonlyDLQList_ReturnsEmpty(t *testing.T) {
	r := newTestRouter(t)
	exec := r.Readonly()

	rec := &command.Record{TargetType: "dlq list"}
	out := exec.Execute(context.Background(), rec)
	if out.ErrorCode != "" {
		t.Fatalf("expected no error code, got %s", out.ErrorCode)
	}
	if string(out.Result) != "[]" && string(out.Result) != "null" {
		t.Errorf("expected empty dlq list, got %s", out.Result)
	}
}

func TestRouter_ReadonlyUnknownTargetType_Denied(t *testing.T) {
	r := newTestRouter(t)
	exec := r.Readonly()

	rec := &command.Record{TargetType: "no such key"}
	out := exec.Execute(context.Background(), rec)
	if out.ErrorCode != reason.ContextUnauthorized {
		t.Errorf("expected context_unauthorized, got %s", out.ErrorCode)
	}
}

func TestRouter_MutationIssueClose_InvokesCLIAndCompletes(t *testing.T) {
	r := newTestRouter(t)
	handler := r.Mutation()

	rec := &command.Record{TargetType: "issue close", CommandArgs: []string{"mu-1"}}
	out := handler.Execute(context.Background(), rec)
	if out.NextState != command.StateCompleted {
		t.Fatalf("expected completed, got %s (code %s)", out.NextState, out.ErrorCode)
	}
}

func TestRouter_MutationLinkBegin_CreatesBinding(t *testing.T) {
	r := newTestRouter(t)
	handler := r.Mutation()

	rec := &command.Record{
		TargetType:    "link begin",
		TargetID:      "bind-1",
		Channel:       envelope.ChannelSlack,
		ActorID:       "U123",
		AssuranceTier: envelope.TierB,
		CommandArgs:   []string{"issue:read", "issue:write"},
	}
	out := handler.Execute(context.Background(), rec)
	if out.NextState != command.StateCompleted {
		t.Fatalf("expected completed, got %s (code %s)", out.NextState, out.ErrorCode)
	}

	binding, err := r.Identity.Lookup(context.Background(), "bind-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if binding == nil || binding.RevokedAtMS != 0 {
		t.Fatalf("expected an active binding, got %+v", binding)
	}
	if len(binding.Scopes) != 2 {
		t.Errorf("expected 2 scopes, got %v", binding.Scopes)
	}
}

func TestRouter_MutationRevoke_RevokesExistingBinding(t *testing.T) {
	r := newTestRouter(t)
	handler := r.Mutation()

	handler.Execute(context.Background(), &command.Record{
		TargetType: "link finish",
		TargetID:   "bind-2",
		Channel:    envelope.ChannelSlack,
		ActorID:    "U456",
	})

	out := handler.Execute(context.Background(), &command.Record{
		TargetType: "revoke",
		TargetID:   "bind-2",
	})
	if out.NextState != command.StateCompleted {
		t.Fatalf("expected completed, got %s (code %s)", out.NextState, out.ErrorCode)
	}

	binding, err := r.Identity.Lookup(context.Background(), "bind-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if binding == nil || binding.RevokedAtMS == 0 {
		t.Fatalf("expected a revoked binding, got %+v", binding)
	}
}

func TestRouter_MutationGrantScopeWithoutArgs_FailsValidation(t *testing.T) {
	r := newTestRouter(t)
	handler := r.Mutation()

	out := handler.Execute(context.Background(), &command.Record{TargetType: "grant scope", TargetID: "bind-3"})
	if out.NextState != command.StateFailed || out.ErrorCode != reason.CLIValidationFailed {
		t.Fatalf("expected failed/cli_validation_failed, got %s/%s", out.NextState, out.ErrorCode)
	}
}

func TestRouter_MutationKillSwitchSet_TogglesPolicy(t *testing.T) {
	r := newTestRouter(t)
	handler := r.Mutation()

	out := handler.Execute(context.Background(), &command.Record{
		TargetType:  "kill-switch set",
		CommandArgs: []string{"global", "true"},
	})
	if out.NextState != command.StateCompleted {
		t.Fatalf("expected completed, got %s (code %s)", out.NextState, out.ErrorCode)
	}
}

func TestRouter_MutationUnknownTargetType_Denied(t *testing.T) {
	r := newTestRouter(t)
	handler := r.Mutation()

	out := handler.Execute(context.Background(), &command.Record{TargetType: "no such key"})
	if out.NextState != command.StateFailed || out.ErrorCode != reason.ContextUnauthorized {
		t.Fatalf("expected failed/context_unauthorized, got %s/%s", out.NextState, out.ErrorCode)
	}
}

// Exercises that the Router satisfies both interfaces at the type level.
var (
	_ pipeline.ReadonlyExecutor    = (*dispatch.Router)(nil).Readonly()
	_ confirmation.MutationHandler = (*dispatch.Router)(nil).Mutation()
)
