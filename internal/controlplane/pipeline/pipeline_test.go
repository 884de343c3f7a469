package pipeline_test

import (
	"context"
	"testing"

	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/confirmation"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/identity"
	"github.com/bdobrica/mu/internal/controlplane/idempotency"
	"github.com/bdobrica/mu/internal/controlplane/journal"
	"github.com/bdobrica/mu/internal/controlplane/pipeline"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

type fakeIdentity struct {
	bindings map[string]*identity.Binding // key: channel+"/"+actorID
}

func (f *fakeIdentity) LookupByChannelActor(ctx context.Context, channel envelope.Channel, channelActorID string) (*identity.Binding, error) {
	b, ok := f.bindings[string(channel)+"/"+channelActorID]
	if !ok {
		return nil, nil
	}
	return b, nil
}

type fakeReadonly struct {
	result []byte
}

func (f *fakeReadonly) Execute(ctx context.Context, rec *command.Record) pipeline.ReadonlyOutcome {
	return pipeline.ReadonlyOutcome{Result: f.result}
}

type fakeMutation struct {
	outcome confirmation.MutationOutcome
}

func (f *fakeMutation) Execute(ctx context.Context, rec *command.Record) confirmation.MutationOutcome {
	return f.outcome
}

func sequentialIDs(prefix string) pipeline.IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + itoa(n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type testHarness struct {
	pipeline *pipeline.CommandPipeline
	journal  *journal.Journal
	records  *pipeline.RecordStore
	identity *fakeIdentity
	readonly *fakeReadonly
	mutation *fakeMutation
}

func newHarness(t *testing.T, pol policy.Policy) *testHarness {
	t.Helper()
	dir := t.TempDir()

	j, err := journal.Open(dir + "/commands.jsonl")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	idemLedger, err := idempotency.Open(dir + "/idempotency.jsonl")
	if err != nil {
		t.Fatalf("open idempotency ledger: %v", err)
	}
	t.Cleanup(func() { idemLedger.Close() })

	polEng := policy.New()
	polEng.SetPolicy(pol)

	records := pipeline.NewRecordStore()
	fakeID := &fakeIdentity{bindings: make(map[string]*identity.Binding)}
	readonlyExec := &fakeReadonly{result: []byte(`{"ok":true}`)}
	mutationExec := &fakeMutation{outcome: confirmation.MutationOutcome{NextState: command.StateCompleted, Result: []byte(`{"done":true}`)}}
	confirmHandler := confirmation.New(records, j, mutationExec)
	executor := pipeline.NewSerializedMutationExecutor()

	p := pipeline.New(j, idemLedger, fakeID, polEng, confirmHandler, readonlyExec, mutationExec, executor, records, sequentialIDs("cmd-"), "/repo")

	return &testHarness{pipeline: p, journal: j, records: records, identity: fakeID, readonly: readonlyExec, mutation: mutationExec}
}

func linkActor(h *testHarness, channel envelope.Channel, actorID, bindingID string, scopes []string, tier envelope.AssuranceTier) {
	h.identity.bindings[string(channel)+"/"+actorID] = &identity.Binding{
		BindingID:     bindingID,
		Channel:       channel,
		ChannelActorID: actorID,
		Scopes:        scopes,
		AssuranceTier: tier,
	}
}

func baseEnv(actorID, commandText string) envelope.InboundEnvelope {
	return envelope.InboundEnvelope{
		V:               1,
		ReceivedAtMS:    1000,
		RequestID:       "req-1",
		DeliveryID:      "delivery-1",
		Channel:         envelope.ChannelSlack,
		ChannelTenantID: "T1",
		ChannelConvID:   "C1",
		ActorID:         actorID,
		CommandText:     commandText,
		IdempotencyKey:  "idem-1",
		Fingerprint:     envelope.Fingerprint(envelope.ChannelSlack, "T1", "C1", actorID, commandText),
	}
}

func readonlyPolicy() policy.Policy {
	return policy.Policy{
		Rules: map[string]policy.Rule{
			"status": {CommandKey: "status", Scopes: []string{"cp.read"}, MinAssuranceTier: envelope.TierC, OpsClass: "readonly"},
		},
	}
}

func TestHandleInbound_ReadonlyCommandCompletes(t *testing.T) {
	h := newHarness(t, readonlyPolicy())
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.read"}, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu status"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("expected completed, got %s (deny=%v)", res.Outcome, res.Deny)
	}
	if res.Record == nil || res.Record.State != command.StateCompleted {
		t.Fatalf("expected a completed record, got %+v", res.Record)
	}
	if res.Record.RepoRoot != "/repo" {
		t.Errorf("expected repo_root to be stamped, got %q", res.Record.RepoRoot)
	}
}

func TestHandleInbound_UnknownActorDeniedIdentityNotLinked(t *testing.T) {
	h := newHarness(t, readonlyPolicy())

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("ghost", "/mu status"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeDenied || res.Deny == nil || res.Deny.Reason != reason.IdentityNotLinked {
		t.Fatalf("expected identity_not_linked denial, got %+v", res)
	}
}

func TestHandleInbound_UnmappedCommandKeyDenied(t *testing.T) {
	h := newHarness(t, readonlyPolicy())
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.read"}, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu frobnicate"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeDenied || res.Deny == nil || res.Deny.Reason != reason.UnmappedCommand {
		t.Fatalf("expected unmapped_command denial, got %+v", res)
	}
}

func TestHandleInbound_MissingScopeDenied(t *testing.T) {
	h := newHarness(t, readonlyPolicy())
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", nil, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu status"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeDenied || res.Deny == nil || res.Deny.Reason != reason.MissingScope {
		t.Fatalf("expected missing_scope denial, got %+v", res)
	}
}

func TestHandleInbound_DuplicateDeliveryReturnsSameRecord(t *testing.T) {
	h := newHarness(t, readonlyPolicy())
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.read"}, envelope.TierA)

	first, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu status"), 2000)
	if err != nil {
		t.Fatalf("first handle inbound: %v", err)
	}
	second, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu status"), 2500)
	if err != nil {
		t.Fatalf("second handle inbound: %v", err)
	}
	if second.Record == nil || first.Record == nil || second.Record.CommandID != first.Record.CommandID {
		t.Fatalf("expected the duplicate delivery to resolve to the same command_id, got first=%+v second=%+v", first.Record, second.Record)
	}
}

func TestHandleInbound_ConflictingFingerprintSameKeyDenied(t *testing.T) {
	pol := readonlyPolicy()
	pol.Rules["ready"] = policy.Rule{CommandKey: "ready", Scopes: []string{"cp.read"}, MinAssuranceTier: envelope.TierC}
	h := newHarness(t, pol)
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.read"}, envelope.TierA)

	first := baseEnv("U1", "/mu status")
	if _, err := h.pipeline.HandleInbound(context.Background(), first, 2000); err != nil {
		t.Fatalf("first handle inbound: %v", err)
	}

	second := baseEnv("U1", "/mu ready") // different command_text, same idempotency_key, different fingerprint
	second.IdempotencyKey = first.IdempotencyKey
	res, err := h.pipeline.HandleInbound(context.Background(), second, 2100)
	if err != nil {
		t.Fatalf("second handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeDenied || res.Deny == nil || res.Deny.Reason != reason.IdempotencyConflict {
		t.Fatalf("expected idempotency_conflict denial, got %+v", res)
	}
}

func mutatingPolicy(confirmationRequired bool) policy.Policy {
	return policy.Policy{
		Rules: map[string]policy.Rule{
			"issue close": {
				CommandKey:           "issue close",
				Scopes:               []string{"cp.issue.write"},
				Mutating:             true,
				ConfirmationRequired: confirmationRequired,
				MinAssuranceTier:     envelope.TierB,
				OpsClass:             "issue_mutation",
			},
		},
	}
}

func TestHandleInbound_MutatingWithoutConfirmationDispatchesDirectly(t *testing.T) {
	h := newHarness(t, mutatingPolicy(false))
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.issue.write"}, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu issue close mu-123"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	if res.Record.TargetID != "mu-123" {
		t.Errorf("expected target_id mu-123, got %q", res.Record.TargetID)
	}
}

func TestHandleInbound_MutatingWithConfirmationAwaitsConfirm(t *testing.T) {
	h := newHarness(t, mutatingPolicy(true))
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.issue.write"}, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu issue close mu-123"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %+v", res)
	}
	if res.Record.ConfirmationExpiresAtMS <= 2000 {
		t.Errorf("expected a future confirmation_expires_at_ms, got %d", res.Record.ConfirmationExpiresAtMS)
	}

	// Now confirm it through the pipeline's own fast path.
	confirmEnv := baseEnv("U1", "confirm "+res.Record.CommandID)
	confirmEnv.IdempotencyKey = "idem-confirm-1"
	confirmEnv.Fingerprint = envelope.Fingerprint(envelope.ChannelSlack, "T1", "C1", "U1", confirmEnv.CommandText)
	confirmed, err := h.pipeline.HandleInbound(context.Background(), confirmEnv, 2100)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Outcome != pipeline.OutcomeCompleted {
		t.Fatalf("expected completed after confirm, got %+v", confirmed)
	}
}

func TestHandleInbound_ConfirmByWrongActorDenied(t *testing.T) {
	h := newHarness(t, mutatingPolicy(true))
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.issue.write"}, envelope.TierA)
	linkActor(h, envelope.ChannelSlack, "U2", "bind-2", []string{"cp.issue.write"}, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu issue close mu-123"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	confirmEnv := baseEnv("U2", "confirm "+res.Record.CommandID)
	confirmEnv.Fingerprint = envelope.Fingerprint(envelope.ChannelSlack, "T1", "C1", "U2", confirmEnv.CommandText)
	confirmed, err := h.pipeline.HandleInbound(context.Background(), confirmEnv, 2100)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Outcome != pipeline.OutcomeDenied || confirmed.Deny == nil || confirmed.Deny.Reason != reason.ConfirmationInvalidActor {
		t.Fatalf("expected confirmation_invalid_actor denial, got %+v", confirmed)
	}
}

func TestHandleInbound_MutationsDisabledGloballyDenied(t *testing.T) {
	pol := mutatingPolicy(false)
	pol.GlobalMutationsOff = true
	h := newHarness(t, pol)
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.issue.write"}, envelope.TierA)

	res, err := h.pipeline.HandleInbound(context.Background(), baseEnv("U1", "/mu issue close mu-123"), 2000)
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if res.Outcome != pipeline.OutcomeDenied || res.Deny == nil || res.Deny.Reason != reason.MutationsDisabledGlobal {
		t.Fatalf("expected mutations_disabled_global denial, got %+v", res)
	}
}

func TestHandleInbound_RateLimitOverflowDefers(t *testing.T) {
	pol := mutatingPolicy(false)
	pol.RateLimit = policy.RateLimitWindow{WindowMS: 60_000, ActorLimit: 1, OverflowBehavior: policy.OverflowDefer, DeferMS: 3_000}
	h := newHarness(t, pol)
	linkActor(h, envelope.ChannelSlack, "U1", "bind-1", []string{"cp.issue.write"}, envelope.TierA)

	first := baseEnv("U1", "/mu issue close mu-1")
	if _, err := h.pipeline.HandleInbound(context.Background(), first, 1000); err != nil {
		t.Fatalf("first: %v", err)
	}

	second := baseEnv("U1", "/mu issue close mu-2")
	second.IdempotencyKey = "idem-2"
	second.Fingerprint = envelope.Fingerprint(envelope.ChannelSlack, "T1", "C1", "U1", second.CommandText)
	res, err := h.pipeline.HandleInbound(context.Background(), second, 1500)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.Outcome != pipeline.OutcomeDeferred {
		t.Fatalf("expected deferred, got %+v", res)
	}
	if res.RetryAtMS != 1500+3_000 {
		t.Errorf("expected retry_at_ms=4500, got %d", res.RetryAtMS)
	}
}
